package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-2.5-pro"

// Gemini implements the Extractor interface using Google Gemini. A client
// is opened lazily for each credential the pool hands out.
type Gemini struct {
	modelName string
	prompt    Prompt

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini creates a new Gemini extractor
func NewGemini(modelName string, prompt Prompt) *Gemini {
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	return &Gemini{
		modelName: modelName,
		prompt:    prompt,
		clients:   make(map[string]*genai.Client),
	}
}

func (g *Gemini) clientFor(ctx context.Context, credential string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[credential]; ok {
		return client, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(credential))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	g.clients[credential] = client
	return client, nil
}

// Extract analyzes an invoice image and extracts the five fields
func (g *Gemini) Extract(ctx context.Context, image []byte, mimeType, credential string) (*Record, error) {
	if credential == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := g.clientFor(ctx, credential)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	format := strings.TrimPrefix(strings.ToLower(mimeType), "image/")
	if format == "" {
		format = "png"
	}

	model := client.GenerativeModel(g.modelName)
	model.SetTemperature(0.1)
	model.SetMaxOutputTokens(500)

	resp, err := model.GenerateContent(ctx, genai.ImageData(format, image), genai.Text(g.prompt.Text()))
	if err != nil {
		if httpErr := fromAPIError(err); httpErr != nil {
			return nil, httpErr
		}
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no response from gemini", ErrParse)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	return parseRecordJSON(responseText.String())
}

// fromAPIError maps Google API failures onto HTTPError so key rotation
// treats both providers the same way.
func fromAPIError(err error) *HTTPError {
	var apiErr *apierror.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}

	status := apiErr.HTTPCode()
	if status <= 0 && apiErr.GRPCStatus() != nil {
		switch apiErr.GRPCStatus().Code() {
		case codes.ResourceExhausted:
			status = http.StatusTooManyRequests
		case codes.Unauthenticated:
			status = http.StatusUnauthorized
		case codes.PermissionDenied:
			status = http.StatusForbidden
		case codes.InvalidArgument:
			status = http.StatusBadRequest
		case codes.Unavailable:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	}
	if status <= 0 {
		return nil
	}

	body := apiErr.Error()
	if apiErr.Reason() == "API_KEY_INVALID" {
		status = http.StatusUnauthorized
		body = "api_key_invalid: " + body
	}
	return &HTTPError{StatusCode: status, Body: body, RetryAfter: ParseWaitTime(body)}
}

// Forget closes and drops the cached client for credential, if any
func (g *Gemini) Forget(credential string) {
	g.mu.Lock()
	client, ok := g.clients[credential]
	delete(g.clients, credential)
	g.mu.Unlock()

	if ok {
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close Gemini client", "error", err)
		}
	}
}

// Close closes every cached Gemini client
func (g *Gemini) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for key, client := range g.clients {
		errs = append(errs, client.Close())
		delete(g.clients, key)
	}
	return errors.Join(errs...)
}
