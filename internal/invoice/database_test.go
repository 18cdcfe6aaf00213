package invoice

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("credentials", func() {
		When("nothing has been stored", func() {
			It("should return an empty list", func() {
				list, err := db.LoadCredentials()
				Expect(err).NotTo(HaveOccurred())
				Expect(list).To(BeEmpty())
				Expect(list).NotTo(BeNil())
			})
		})

		When("keys are saved", func() {
			BeforeEach(func() {
				Expect(db.SaveCredentials([]string{"gsk_one", "gsk_two"})).To(Succeed())
			})

			It("should load them in order", func() {
				Expect(db.LoadCredentials()).To(Equal([]string{"gsk_one", "gsk_two"}))
			})

			It("should survive reopening the database", func() {
				Expect(db.Close()).To(Succeed())
				var err error
				db, err = NewBoltDB(dbPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(db.LoadCredentials()).To(Equal([]string{"gsk_one", "gsk_two"}))
			})

			It("should append new keys only once", func() {
				added, err := db.AddCredential("gsk_three")
				Expect(err).NotTo(HaveOccurred())
				Expect(added).To(BeTrue())

				added, err = db.AddCredential("gsk_one")
				Expect(err).NotTo(HaveOccurred())
				Expect(added).To(BeFalse())

				Expect(db.LoadCredentials()).To(Equal([]string{"gsk_one", "gsk_two", "gsk_three"}))
			})

			It("should remove a stored key", func() {
				removed, err := db.RemoveCredential("gsk_one")
				Expect(err).NotTo(HaveOccurred())
				Expect(removed).To(BeTrue())
				Expect(db.LoadCredentials()).To(Equal([]string{"gsk_two"}))
			})

			It("should report a missing key", func() {
				removed, err := db.RemoveCredential("gsk_missing")
				Expect(err).NotTo(HaveOccurred())
				Expect(removed).To(BeFalse())
			})
		})
	})

	Describe("batches", func() {
		var older, newer *Batch

		BeforeEach(func() {
			older = &Batch{
				ID:        "batch-1",
				State:     BatchCompleted,
				Files:     []File{{ID: "f1", Name: "a.png", Status: StatusCompleted, Record: sampleRecord(1)}},
				Messages:  []Message{{Text: "All 1 invoices exported!", Kind: MessageInfo}},
				CreatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			}
			newer = &Batch{
				ID:        "batch-2",
				State:     BatchStopped,
				Files:     []File{},
				CreatedAt: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
			}
			Expect(db.SaveBatch(older)).To(Succeed())
			Expect(db.SaveBatch(newer)).To(Succeed())
		})

		It("should round-trip a batch with its records", func() {
			got, err := db.GetBatch("batch-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.State).To(Equal(BatchCompleted))
			Expect(got.Files[0].Record).To(Equal(sampleRecord(1)))
			Expect(got.Messages).To(Equal(older.Messages))
		})

		It("should list newest first", func() {
			list, err := db.ListBatches()
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(2))
			Expect(list[0].ID).To(Equal("batch-2"))
			Expect(list[1].ID).To(Equal("batch-1"))
		})

		It("should return ErrBatchNotFound for unknown IDs", func() {
			_, err := db.GetBatch("nope")
			Expect(err).To(MatchError(ErrBatchNotFound))
		})

		It("should delete a batch", func() {
			Expect(db.DeleteBatch("batch-1")).To(Succeed())
			_, err := db.GetBatch("batch-1")
			Expect(err).To(MatchError(ErrBatchNotFound))
		})
	})
})

var _ = Describe("LocalStorage", func() {
	var (
		base    string
		storage *LocalStorage
	)

	BeforeEach(func() {
		base = filepath.Join(GinkgoT().TempDir(), "uploads")
		var err error
		storage, err = NewLocalStorage(base)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should create the base directory", func() {
		Expect(base).To(BeADirectory())
	})

	It("should save under a relative path", func() {
		rel, err := storage.Save("batch-1", "01_invoice.pdf", []byte("%PDF"))
		Expect(err).NotTo(HaveOccurred())
		Expect(rel).To(Equal(filepath.Join("batch-1", "01_invoice.pdf")))
		Expect(storage.Path(rel)).To(BeAnExistingFile())
	})

	It("should remove a saved directory", func() {
		_, err := storage.Save("batch-1", "a.png", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(storage.RemoveAll("batch-1")).To(Succeed())
		Expect(filepath.Join(base, "batch-1")).NotTo(BeAnExistingFile())
	})

	It("should refuse to remove the base or an absolute path", func() {
		Expect(storage.RemoveAll("")).NotTo(Succeed())
		Expect(storage.RemoveAll(base)).NotTo(Succeed())
		Expect(base).To(BeADirectory())
	})
})
