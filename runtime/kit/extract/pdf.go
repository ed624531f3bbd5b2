package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF returns the text of every page with text, pages separated by a
// blank line.
func extractPDF(data []byte) (text string, err error) {
	// The reader panics on malformed documents.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	fonts := make(map[string]*pdf.Font)
	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := p.Font(name)
				fonts[name] = &f
			}
		}
		t, err := p.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		if t = strings.TrimSpace(t); t != "" {
			pages = append(pages, t)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
