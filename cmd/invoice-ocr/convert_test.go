package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-ocr/internal/raster"
)

// stubRasterizer writes pages[name] empty page files, or fails for names in errs
type stubRasterizer struct {
	pages   map[string]int
	errs    map[string]error
	outDirs []string
}

func (s *stubRasterizer) Rasterize(ctx context.Context, pdfPath, outputDir string) ([]raster.Page, error) {
	s.outDirs = append(s.outDirs, outputDir)
	base := filepath.Base(pdfPath)
	if err := s.errs[base]; err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	stem := base[:len(base)-len(filepath.Ext(base))]
	var out []raster.Page
	for n := 1; n <= s.pages[base]; n++ {
		path := filepath.Join(outputDir, fmt.Sprintf("%s_page_%d.png", stem, n))
		if err := os.WriteFile(path, []byte("png"), 0644); err != nil {
			return nil, err
		}
		out = append(out, raster.Page{Number: n, Path: path})
	}
	return out, nil
}

var _ = Describe("convertPDFs", func() {
	var (
		dir        string
		outDir     string
		paths      []string
		rasterizer *stubRasterizer
		out        *bytes.Buffer
		ctx        context.Context
		total      int
		err        error
	)

	touch := func(name string) string {
		path := filepath.Join(dir, name)
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, []byte("data"), 0644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		outDir = ""
		paths = []string{dir}
		rasterizer = &stubRasterizer{pages: map[string]int{}, errs: map[string]error{}}
		out = &bytes.Buffer{}
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		ui := newConsole(out, &bytes.Buffer{})
		total, err = convertPDFs(ctx, rasterizer, paths, outDir, ui)
	})

	When("a folder holds PDFs and images", func() {
		BeforeEach(func() {
			touch("march.pdf")
			touch("scan.png")
			touch("2024/april.pdf")
			rasterizer.pages["march.pdf"] = 2
			rasterizer.pages["april.pdf"] = 1
		})

		It("should convert only the PDFs into a converted folder next to each one", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(3))
			Expect(rasterizer.outDirs).To(ConsistOf(
				filepath.Join(dir, "converted"),
				filepath.Join(dir, "2024", "converted"),
			))
			Expect(filepath.Join(dir, "converted", "march_page_2.png")).To(BeAnExistingFile())
			Expect(filepath.Join(dir, "2024", "converted", "april_page_1.png")).To(BeAnExistingFile())
		})

		It("should report each PDF and its pages", func() {
			Expect(out.String()).To(ContainSubstring("✓ march.pdf: Split into 2 image(s)"))
			Expect(out.String()).To(ContainSubstring("✓ april.pdf: Split into 1 image(s)"))
			Expect(out.String()).To(ContainSubstring(filepath.Join(dir, "converted", "march_page_1.png")))
		})
	})

	When("an output directory is given", func() {
		BeforeEach(func() {
			touch("march.pdf")
			rasterizer.pages["march.pdf"] = 1
			outDir = filepath.Join(dir, "review")
		})

		It("should write the pages there", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rasterizer.outDirs).To(Equal([]string{outDir}))
			Expect(filepath.Join(outDir, "march_page_1.png")).To(BeAnExistingFile())
		})
	})

	When("the folder is converted a second time", func() {
		BeforeEach(func() {
			touch("march.pdf")
			rasterizer.pages["march.pdf"] = 2
			_, firstErr := convertPDFs(ctx, rasterizer, paths, outDir, newConsole(&bytes.Buffer{}, &bytes.Buffer{}))
			Expect(firstErr).NotTo(HaveOccurred())
		})

		It("should ignore the page images from the first run", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(2))
			Expect(rasterizer.outDirs).To(HaveLen(2))
		})
	})

	When("a PDF cannot be opened", func() {
		BeforeEach(func() {
			touch("broken.pdf")
			touch("march.pdf")
			rasterizer.errs["broken.pdf"] = errors.New("opening PDF: not a PDF")
			rasterizer.pages["march.pdf"] = 1
		})

		It("should convert the others and report the failure", func() {
			Expect(err).To(MatchError("1 of 2 PDF(s) could not be converted"))
			Expect(total).To(Equal(1))
			Expect(out.String()).To(ContainSubstring("✗ broken.pdf: opening PDF: not a PDF"))
			Expect(out.String()).To(ContainSubstring("✓ march.pdf: Split into 1 image(s)"))
		})
	})

	When("a PDF has no pages", func() {
		BeforeEach(func() {
			touch("empty.pdf")
		})

		It("should warn and write nothing", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())
			Expect(out.String()).To(ContainSubstring("⚠ empty.pdf: no pages to convert"))
		})
	})

	When("no PDFs are found", func() {
		BeforeEach(func() {
			touch("scan.png")
		})

		It("should return an error", func() {
			Expect(err).To(MatchError("no PDF files found"))
			Expect(rasterizer.outDirs).To(BeEmpty())
		})
	})

	When("the context is cancelled", func() {
		BeforeEach(func() {
			touch("march.pdf")
			rasterizer.pages["march.pdf"] = 1
			cancelled, cancel := context.WithCancel(context.Background())
			cancel()
			ctx = cancelled
		})

		It("should stop before rendering", func() {
			Expect(err).To(MatchError(context.Canceled))
			Expect(rasterizer.outDirs).To(BeEmpty())
		})
	})
})
