package ocr

import "context"

// OCRRepo turns image bytes into text lines in document order.
type OCRRepo interface {
	ExtractText(ctx context.Context, image []byte) ([]string, error)
}
