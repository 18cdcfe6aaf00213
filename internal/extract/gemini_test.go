package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/googleapis/gax-go/v2/apierror"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ = Describe("fromAPIError", func() {
	wrap := func(code codes.Code, msg string) error {
		apiErr, ok := apierror.FromError(status.Error(code, msg))
		Expect(ok).To(BeTrue())
		return fmt.Errorf("generate: %w", apiErr)
	}

	It("should map exhausted quota to a rate limit", func() {
		httpErr := fromAPIError(wrap(codes.ResourceExhausted, "quota exceeded, retry in 12s"))
		Expect(httpErr).NotTo(BeNil())
		Expect(httpErr.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(httpErr.RateLimited()).To(BeTrue())
	})

	It("should map permission errors to unauthorized", func() {
		httpErr := fromAPIError(wrap(codes.PermissionDenied, "denied"))
		Expect(httpErr.Unauthorized()).To(BeTrue())
	})

	It("should ignore errors that are not API errors", func() {
		Expect(fromAPIError(errors.New("dial tcp: timeout"))).To(BeNil())
	})
})

var _ = Describe("NewGemini", func() {
	It("should default the model name", func() {
		Expect(NewGemini("", DefaultPrompt()).modelName).To(Equal(DefaultGeminiModel))
	})

	It("should require a credential", func() {
		_, err := NewGemini("", DefaultPrompt()).Extract(context.Background(), nil, "image/png", "")
		Expect(err).To(MatchError(ContainSubstring("api key is required")))
	})

	It("should close and drop the cached client of a forgotten key", func() {
		g := NewGemini("", DefaultPrompt())
		_, err := g.clientFor(context.Background(), "key-a")
		Expect(err).NotTo(HaveOccurred())
		_, err = g.clientFor(context.Background(), "key-b")
		Expect(err).NotTo(HaveOccurred())

		g.Forget("key-a")
		g.Forget("unknown")

		Expect(g.clients).To(HaveLen(1))
		Expect(g.clients).To(HaveKey("key-b"))
		Expect(g.Close()).To(Succeed())
		Expect(g.clients).To(BeEmpty())
	})
})
