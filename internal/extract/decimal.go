package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ParseDecimal parses amounts written in either US or European notation.
// "1.108,00" and "1108,00" are read as European, anything else as plain.
func ParseDecimal(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	hasComma := strings.Contains(cleaned, ",")
	hasDot := strings.Contains(cleaned, ".")

	switch {
	case hasComma && hasDot:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	case hasComma:
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing decimal %q: %w", s, err)
	}
	return v, nil
}

// lenientNumber decodes a JSON number or a numeric string. Anything it
// cannot read becomes 0 so validation reports the field by name.
type lenientNumber float64

func (n *lenientNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = lenientNumber(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		slog.Warn("Unreadable numeric value, using 0", "raw", string(data))
		*n = 0
		return nil
	}

	f, err := ParseDecimal(s)
	if err != nil {
		slog.Warn("Unreadable numeric value, using 0", "raw", s, "error", err)
		*n = 0
		return nil
	}
	*n = lenientNumber(f)
	return nil
}
