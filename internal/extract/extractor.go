package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Record contains the five fields extracted from an invoice
type Record struct {
	InvoiceNumber string  `json:"invoiceNumber"`
	Date          string  `json:"date"` // DD-MM-YYYY
	Vendor        string  `json:"vendor"`
	Amount        float64 `json:"amount"`
	TotalHT       float64 `json:"totalHT"`
}

// Extractor defines the interface for invoice extraction backends
type Extractor interface {
	// Extract sends one page image to the remote model and returns the parsed record
	Extract(ctx context.Context, image []byte, mimeType, credential string) (*Record, error)
}

// ErrParse is wrapped by every error caused by a malformed model response
var ErrParse = errors.New("malformed invoice response")

// ValidationError names the record field that is missing or invalid
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s field is missing or invalid", e.Field)
}

// Validate rejects blank text fields and non-positive amounts
func (r *Record) Validate() error {
	switch {
	case strings.TrimSpace(r.InvoiceNumber) == "":
		return &ValidationError{Field: "invoiceNumber"}
	case strings.TrimSpace(r.Date) == "":
		return &ValidationError{Field: "date"}
	case strings.TrimSpace(r.Vendor) == "":
		return &ValidationError{Field: "vendor"}
	case r.Amount <= 0:
		return &ValidationError{Field: "amount"}
	case r.TotalHT <= 0:
		return &ValidationError{Field: "totalHT"}
	}
	return nil
}
