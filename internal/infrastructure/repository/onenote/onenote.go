package onenote

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/huavcjj/mailnote/internal/apperror"
	notes_repo "github.com/huavcjj/mailnote/internal/domain/notes"
	"github.com/huavcjj/mailnote/internal/infrastructure/auth"
)

const defaultTimeout = 60 * time.Second

type Config struct {
	BaseURL    string
	UserID     string
	SectionID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type onenoteRepo struct {
	pagesURL string
	tokens   auth.TokenProvider
	client   *http.Client
	timeout  time.Duration
}

var _ notes_repo.NotesRepo = (*onenoteRepo)(nil)

func NewOneNoteRepo(cfg Config, tokens auth.TokenProvider) (notes_repo.NotesRepo, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("notes user is empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token provider is nil")
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.microsoft.com/v1.0"
	}
	pagesURL := fmt.Sprintf("%s/users/%s/onenote/pages", base, url.PathEscape(cfg.UserID))
	if cfg.SectionID != "" {
		pagesURL = fmt.Sprintf("%s/users/%s/onenote/sections/%s/pages", base, url.PathEscape(cfg.UserID), url.PathEscape(cfg.SectionID))
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &onenoteRepo{
		pagesURL: pagesURL,
		tokens:   tokens,
		client:   client,
		timeout:  timeout,
	}, nil
}

// CreatePage uploads the page as multipart/form-data: a "Presentation" part
// with the page HTML, followed by one binary part per attachment which the
// HTML references by part name.
func (r *onenoteRepo) CreatePage(ctx context.Context, page *notes_repo.Page) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return err
	}

	body, contentType, err := buildMultipart(page)
	if err != nil {
		return fmt.Errorf("failed to build page body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.pagesURL, body)
	if err != nil {
		return fmt.Errorf("failed to build page request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return apperror.NewTransportError("create page", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &apperror.AuthError{Op: "create page", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperror.NewProviderError("create page", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(snippet))))
	}

	return nil
}

func buildMultipart(page *notes_repo.Page) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	presentation, err := w.CreatePart(partHeader("Presentation", "text/html"))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(presentation, presentationHTML(page)); err != nil {
		return nil, "", err
	}

	for i, att := range page.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		part, err := w.CreatePart(partHeader(partName(i), contentType))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func presentationHTML(page *notes_repo.Page) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<title>")
	b.WriteString(html.EscapeString(page.Title))
	b.WriteString("</title>\n<meta name=\"created\" content=\"")
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteString("\" />\n</head>\n<body>\n")
	b.WriteString(page.HTMLBody)

	for i, att := range page.Attachments {
		name := html.EscapeString(att.Name)
		if strings.HasPrefix(strings.ToLower(att.ContentType), "image/") {
			fmt.Fprintf(&b, "<img src=\"name:%s\" alt=\"%s\" />\n", partName(i), name)
		}
		fmt.Fprintf(&b, "<object data-attachment=\"%s\" data=\"name:%s\" type=\"%s\" />\n",
			name, partName(i), html.EscapeString(att.ContentType))
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func partName(i int) string {
	return fmt.Sprintf("attachment%d", i+1)
}

func partHeader(name, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, name))
	h.Set("Content-Type", contentType)
	return h
}
