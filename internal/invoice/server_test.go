package invoice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-ocr/internal/export"
	"github.com/zombor/invoice-ocr/internal/keys"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		runner      *mockRunner
		exports     *mockExports
		service     *Service
		server      *Server
		auth        BasicAuth
		maxUpload   int64
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		db.list = []string{"gsk_aaaaaaaaaaaaaaaa"}
		runner = &mockRunner{}
		exports = &mockExports{}
		auth = BasicAuth{}
		maxUpload = 0
	})

	JustBeforeEach(func() {
		storage, err := NewLocalStorage(filepath.Join(GinkgoT().TempDir(), "uploads"))
		Expect(err).NotTo(HaveOccurred())
		pool, err := keys.NewPool(db)
		Expect(err).NotTo(HaveOccurred())

		service = NewServiceWithDeps(db, runner, storage, pool, exports, &sequenceIDs{}, fixedTime{})
		server = NewServerWithMux(service, auth, maxUpload, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(names ...string) (*bytes.Buffer, string) {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		for _, name := range names {
			part, err := writer.CreateFormFile("files", name)
			Expect(err).NotTo(HaveOccurred())
			part.Write([]byte("fake invoice data"))
		}
		writer.Close()
		return &b, writer.FormDataContentType()
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/batches")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Invoice OCR"))
		})

		It("should reject a wrong password", func() {
			req, _ := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/batches", nil)
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:nope")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept valid credentials", func() {
			resp := do(http.MethodGet, "/api/batches", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do(http.MethodOptions, "/api/batches", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("handleCreateBatch", func() {
		When("files are uploaded", func() {
			It("should accept the batch", func() {
				body, contentType := upload("march.pdf", "scan.png")
				resp, err := http.Post(ghttpServer.URL()+"/api/batches", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var batch Batch
				decode(resp, &batch)
				Expect(batch.ID).To(Equal("id-1"))
				Expect(batch.State).To(Equal(BatchRunning))
				Expect(batch.Files).To(HaveLen(2))

				Expect(service.Wait(context.Background(), batch.ID)).To(Succeed())
			})
		})

		When("no files are attached", func() {
			It("should return Bad Request", func() {
				body, contentType := upload()
				resp, err := http.Post(ghttpServer.URL()+"/api/batches", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var payload map[string]string
				decode(resp, &payload)
				Expect(payload["error"]).To(ContainSubstring("No files were selected"))
			})
		})

		When("a file type is unsupported", func() {
			It("should return Bad Request with the reason", func() {
				body, contentType := upload("notes.txt")
				resp, err := http.Post(ghttpServer.URL()+"/api/batches", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var payload map[string]string
				decode(resp, &payload)
				Expect(payload["error"]).To(Equal("unsupported file type: notes.txt"))
			})
		})

		When("the body is not multipart", func() {
			It("should return Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/batches", "text/plain", strings.NewReader("hello"))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the upload exceeds the limit", func() {
			BeforeEach(func() {
				maxUpload = 64
			})

			It("should return Request Entity Too Large", func() {
				body, contentType := upload("march.pdf")
				resp, err := http.Post(ghttpServer.URL()+"/api/batches", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))

				var payload map[string]string
				decode(resp, &payload)
				Expect(payload["error"]).To(ContainSubstring("64B"))
			})
		})
	})

	Describe("batch lookups", func() {
		var batchID string

		JustBeforeEach(func() {
			batch, err := service.StartBatch([]Upload{{Filename: "a.png", Data: []byte("x")}})
			Expect(err).NotTo(HaveOccurred())
			Expect(service.Wait(context.Background(), batch.ID)).To(Succeed())
			batchID = batch.ID
		})

		It("should return a finished batch", func() {
			resp := do(http.MethodGet, "/api/batches/"+batchID, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var batch Batch
			decode(resp, &batch)
			Expect(batch.State).To(Equal(BatchCompleted))
			Expect(batch.Files[0].Record).To(Equal(sampleRecord(1)))
		})

		It("should list batches", func() {
			resp := do(http.MethodGet, "/api/batches", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var batches []Batch
			decode(resp, &batches)
			Expect(batches).To(HaveLen(1))
		})

		It("should return Not Found for unknown batches", func() {
			resp := do(http.MethodGet, "/api/batches/missing", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should delete a finished batch", func() {
			resp := do(http.MethodDelete, "/api/batches/"+batchID, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp = do(http.MethodDelete, "/api/batches/"+batchID, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	When("a batch is running", func() {
		var started chan struct{}

		BeforeEach(func() {
			started = make(chan struct{})
			runner.run = func(ctx context.Context, files []File, obs Observer) (*Result, error) {
				close(started)
				<-ctx.Done()
				return &Result{Files: files}, ctx.Err()
			}
		})

		It("should stop it on DELETE", func() {
			batch, err := service.StartBatch([]Upload{{Filename: "a.png", Data: []byte("x")}})
			Expect(err).NotTo(HaveOccurred())
			Eventually(started).Should(BeClosed())

			resp := do(http.MethodDelete, "/api/batches/"+batch.ID, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			Expect(service.Wait(context.Background(), batch.ID)).To(Succeed())
			got, err := service.GetBatch(batch.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.State).To(Equal(BatchStopped))
		})
	})

	Describe("keys", func() {
		It("should list masked keys", func() {
			resp := do(http.MethodGet, "/api/keys", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var status KeyStatus
			decode(resp, &status)
			Expect(status.Total).To(Equal(1))
			Expect(status.Keys[0].Masked).To(Equal("gsk_aaaa...aaaa"))
		})

		It("should add a key", func() {
			resp := do(http.MethodPost, "/api/keys", strings.NewReader(`{"key":"gsk_bbbbbbbbbbbbbbbb"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var status KeyStatus
			decode(resp, &status)
			Expect(status.Total).To(Equal(2))
		})

		It("should reject a duplicate key", func() {
			resp := do(http.MethodPost, "/api/keys", strings.NewReader(`{"key":"gsk_aaaaaaaaaaaaaaaa"}`))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should reject a malformed body", func() {
			resp := do(http.MethodPost, "/api/keys", strings.NewReader(`{"key":`))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should remove a key", func() {
			resp := do(http.MethodDelete, "/api/keys", strings.NewReader(`{"key":"gsk_aaaaaaaaaaaaaaaa"}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp = do(http.MethodDelete, "/api/keys", strings.NewReader(`{"key":"gsk_aaaaaaaaaaaaaaaa"}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should reset the pool", func() {
			resp := do(http.MethodPost, "/api/keys/reset", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var status KeyStatus
			decode(resp, &status)
			Expect(status.Available).To(Equal(1))
		})
	})

	Describe("exports", func() {
		var path string

		BeforeEach(func() {
			dir := GinkgoT().TempDir()
			path = filepath.Join(dir, "invoices_20240517_090433.xlsx")
			Expect(os.WriteFile(path, []byte("xlsx bytes"), 0644)).To(Succeed())
			exports.files = []export.File{{Name: "invoices_20240517_090433.xlsx", Path: path, Size: 10}}
		})

		It("should list exports", func() {
			resp := do(http.MethodGet, "/api/exports", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var files []export.File
			decode(resp, &files)
			Expect(files).To(HaveLen(1))
			Expect(files[0].Name).To(Equal("invoices_20240517_090433.xlsx"))
		})

		It("should download an export as an attachment", func() {
			resp := do(http.MethodGet, "/api/exports/invoices_20240517_090433.xlsx", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="invoices_20240517_090433.xlsx"`))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("xlsx bytes"))
		})

		It("should return Not Found for unknown exports", func() {
			resp := do(http.MethodGet, "/api/exports/other.xlsx", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
