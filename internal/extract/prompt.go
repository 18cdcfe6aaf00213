package extract

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// defaultInstruction is the shared prompt used by all providers
const defaultInstruction = `EXTRACT INVOICE DATA FOR EXCEL SPREADSHEET

Extract EXACTLY these 5 fields from the invoice image:

invoiceNumber|date|vendor|amount|totalHT`

var defaultRules = []string{
	"invoiceNumber: Invoice number/ID (string, required)",
	"date: Invoice date in DD-MM-YYYY format (string, required)",
	"vendor: Company/supplier name (string, required)",
	"amount: Total amount (number, required). Use totalHT if not visible",
	"totalHT: Total before tax (number, required). Use amount if HT not visible",
}

const responseShape = `Return ONLY valid JSON with these exact field names, ready for Excel:
{"invoiceNumber":"VALUE","date":"DD-MM-YYYY","vendor":"VALUE","amount":0.00,"totalHT":0.00}

CRITICAL: All 5 fields MUST be present. Do not omit any field.
Vendor names may include special characters.
Vendor names in most cases inside logo or header area.`

// Prompt is the instruction sent alongside every image
type Prompt struct {
	Instruction string   `toml:"instruction"`
	Rules       []string `toml:"rules"`
}

// DefaultPrompt returns the built-in five-field prompt
func DefaultPrompt() Prompt {
	return Prompt{
		Instruction: defaultInstruction,
		Rules:       append([]string(nil), defaultRules...),
	}
}

// LoadPrompt reads a TOML prompt file. Missing keys keep their defaults.
func LoadPrompt(path string) (Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompt{}, fmt.Errorf("reading prompt file: %w", err)
	}

	p := DefaultPrompt()
	if err := toml.Unmarshal(data, &p); err != nil {
		return Prompt{}, fmt.Errorf("parsing prompt file: %w", err)
	}
	if strings.TrimSpace(p.Instruction) == "" {
		return Prompt{}, fmt.Errorf("prompt file %s has an empty instruction", path)
	}
	return p, nil
}

// Text renders the prompt. The JSON response shape is always appended so
// custom prompts still produce something parseRecordJSON understands.
func (p Prompt) Text() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Instruction))
	if len(p.Rules) > 0 {
		b.WriteString("\n\nRequirements:\n")
		for _, r := range p.Rules {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(r))
			b.WriteString("\n")
		}
	} else {
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(responseShape)
	return b.String()
}
