package transform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/huavcjj/mailnote/internal/apperror"
	mail_repo "github.com/huavcjj/mailnote/internal/domain/mail"
	ocr_repo "github.com/huavcjj/mailnote/internal/domain/ocr"
)

// Output is the normalized result for one attachment.
type Output struct {
	Attachment *mail_repo.Attachment
	Kind       Kind
	// Lines holds OCR text in document order (KindImage).
	Lines []string
	// Records holds parsed export rows in file order (KindTabular).
	Records []Record
	// TimedOut is set when OCR gave up; Lines is then empty.
	TimedOut bool
}

type Transformer struct {
	ocrRepo ocr_repo.OCRRepo
}

func NewTransformer(ocrRepo ocr_repo.OCRRepo) *Transformer {
	return &Transformer{
		ocrRepo: ocrRepo,
	}
}

// Transform returns (nil, nil) for unsupported attachments. An OCR timeout is
// not an error: the output is returned empty with TimedOut set.
func (t *Transformer) Transform(ctx context.Context, att *mail_repo.Attachment) (*Output, error) {
	kind := Classify(att)

	switch kind {
	case KindUnsupported:
		return nil, nil

	case KindImage:
		if t.ocrRepo == nil {
			return nil, fmt.Errorf("no ocr backend configured for %q", att.Name)
		}
		lines, err := t.ocrRepo.ExtractText(ctx, att.Data)
		if apperror.IsTimeout(err) {
			slog.Warn("ocr timed out, continuing without text", "attachment", att.Name, "error", err)
			return &Output{Attachment: att, Kind: kind, TimedOut: true}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to extract text from %q: %w", att.Name, err)
		}
		return &Output{Attachment: att, Kind: kind, Lines: lines}, nil

	case KindTabular:
		records, err := ExtractRecords(bytes.NewReader(att.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to extract records from %q: %w", att.Name, err)
		}
		return &Output{Attachment: att, Kind: kind, Records: records}, nil

	default:
		return nil, fmt.Errorf("unknown attachment kind %d", kind)
	}
}
