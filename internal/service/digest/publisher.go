package digest

import (
	"context"
	"fmt"

	mail_repo "github.com/huavcjj/mailnote/internal/domain/mail"
	notes_repo "github.com/huavcjj/mailnote/internal/domain/notes"
)

type Publisher struct {
	notesRepo notes_repo.NotesRepo
}

func NewPublisher(notesRepo notes_repo.NotesRepo) *Publisher {
	return &Publisher{
		notesRepo: notesRepo,
	}
}

// Publish uploads the rendered digest together with the original
// attachments. Failures are returned as-is and never retried here.
func (p *Publisher) Publish(ctx context.Context, title, htmlBody string, attachments []*mail_repo.Attachment) error {
	page := &notes_repo.Page{
		Title:       title,
		HTMLBody:    htmlBody,
		Attachments: attachments,
	}

	if err := p.notesRepo.CreatePage(ctx, page); err != nil {
		return fmt.Errorf("failed to publish digest %q: %w", title, err)
	}
	return nil
}
