package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

type recordJSON struct {
	InvoiceNumber lenientText   `json:"invoiceNumber"`
	Date          lenientText   `json:"date"`
	Vendor        lenientText   `json:"vendor"`
	Amount        lenientNumber `json:"amount"`
	TotalHT       lenientNumber `json:"totalHT"`
}

// lenientText accepts strings and bare numbers, since models sometimes
// return invoice numbers unquoted.
type lenientText string

func (t *lenientText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = lenientText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*t = lenientText(n.String())
		return nil
	}
	return fmt.Errorf("unexpected value %s", data)
}

// parseRecordJSON parses the completion text returned by the model
func parseRecordJSON(text string) (*Record, error) {
	// Remove markdown code blocks if present
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("%w: no JSON object found", ErrParse)
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("%w: unterminated JSON object", ErrParse)
	}
	text = text[startIdx : endIdx+1]

	var raw recordJSON
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	record := &Record{
		InvoiceNumber: strings.TrimSpace(string(raw.InvoiceNumber)),
		Date:          strings.TrimSpace(string(raw.Date)),
		Vendor:        strings.TrimSpace(string(raw.Vendor)),
		Amount:        float64(raw.Amount),
		TotalHT:       float64(raw.TotalHT),
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}
