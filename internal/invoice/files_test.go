package invoice

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CollectFiles", func() {
	var dir string

	touch := func(rel string) string {
		path := filepath.Join(dir, rel)
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, []byte("x"), 0644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should walk folders and keep supported files sorted by name", func() {
		b := touch("march/B.pdf")
		a := touch("a.JPG")
		c := touch("march/nested/c.heic")
		touch("notes.txt")

		got, err := CollectFiles([]string{dir})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]string{a, b, c}))
	})

	It("should list a file once when named twice", func() {
		a := touch("a.png")
		got, err := CollectFiles([]string{a, dir})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]string{a}))
	})

	It("should reject an unsupported file named explicitly", func() {
		_, err := CollectFiles([]string{touch("notes.txt")})
		Expect(err).To(MatchError(ContainSubstring("unsupported file type")))
	})

	It("should fail on a missing path", func() {
		_, err := CollectFiles([]string{filepath.Join(dir, "missing.pdf")})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("NewFiles", func() {
	It("should create pending entries with unique IDs", func() {
		files := NewFiles([]string{"/in/a.png", "/in/b.pdf"})
		Expect(files).To(HaveLen(2))
		Expect(files[0].Name).To(Equal("a.png"))
		Expect(files[1].Path).To(Equal("/in/b.pdf"))
		Expect(files[0].Status).To(Equal(StatusPending))
		Expect(files[0].ID).NotTo(Equal(files[1].ID))
	})
})
