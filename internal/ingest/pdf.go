package ingest

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDFReader extracts plain text from PDF documents page by page.
type PDFReader struct{}

var _ DocumentReader = PDFReader{}

// Pages returns the plain text of each page in order. Pages with a null
// content tree come back as empty strings so page numbering stays aligned
// with the source document.
func (PDFReader) Pages(data []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	total := reader.NumPage()
	pages := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the whole book.
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}
