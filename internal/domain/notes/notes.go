package notes

import (
	"context"

	mail_repo "github.com/huavcjj/mailnote/internal/domain/mail"
)

type Page struct {
	Title       string
	HTMLBody    string
	Attachments []*mail_repo.Attachment
}

type NotesRepo interface {
	CreatePage(ctx context.Context, page *Page) error
}
