package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/huavcjj/mailnote/internal/apperror"
	mail_repo "github.com/huavcjj/mailnote/internal/domain/mail"
	"github.com/huavcjj/mailnote/internal/infrastructure/auth"
	"github.com/sony/gobreaker"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	defaultTimeout = 30 * time.Second
	pageSize       = 50
	// maxPages bounds ListUnread so a misbehaving nextLink cannot loop forever.
	maxPages = 100
)

type Config struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
	// Timeout applies to every call whose context carries no deadline.
	Timeout time.Duration
}

type graphRepo struct {
	baseURL string
	userID  string
	tokens  auth.TokenProvider
	client  *http.Client
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

var _ mail_repo.MailRepo = (*graphRepo)(nil)

func NewGraphRepo(cfg Config, tokens auth.TokenProvider) (mail_repo.MailRepo, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("mail user is empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token provider is nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	settings := gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &graphRepo{
		baseURL: baseURL,
		userID:  cfg.UserID,
		tokens:  tokens,
		client:  client,
		timeout: timeout,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}, nil
}

type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	IsRead           bool      `json:"isRead"`
	HasAttachments   bool      `json:"hasAttachments"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes []byte `json:"contentBytes"`
}

type graphSubscription struct {
	ID                 string    `json:"id,omitempty"`
	ChangeType         string    `json:"changeType,omitempty"`
	NotificationURL    string    `json:"notificationUrl,omitempty"`
	Resource           string    `json:"resource,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

type collection[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (r *graphRepo) userPath() string {
	return "/users/" + url.PathEscape(r.userID)
}

func (r *graphRepo) ListUnread(ctx context.Context, folderID string) ([]*mail_repo.Message, error) {
	query := url.Values{}
	query.Set("$filter", "isRead eq false")
	query.Set("$select", "id,subject,body,isRead,hasAttachments,receivedDateTime")
	query.Set("$top", fmt.Sprintf("%d", pageSize))

	next := fmt.Sprintf("%s/mailFolders/%s/messages?%s", r.userPath(), url.PathEscape(folderID), query.Encode())

	var messages []*mail_repo.Message
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			slog.Warn("unread listing truncated", "folder_id", folderID, "pages", page)
			break
		}

		var result collection[graphMessage]
		if err := r.do(ctx, "list unread", http.MethodGet, next, nil, &result); err != nil {
			return nil, fmt.Errorf("unable to retrieve unread messages: %w", err)
		}

		for _, m := range result.Value {
			if m.IsRead {
				continue
			}
			messages = append(messages, &mail_repo.Message{
				ID:             m.ID,
				Subject:        m.Subject,
				Body:           m.Body.Content,
				IsRead:         m.IsRead,
				HasAttachments: m.HasAttachments,
				ReceivedAt:     m.ReceivedDateTime,
			})
		}
		next = result.NextLink
	}

	return messages, nil
}

func (r *graphRepo) GetAttachments(ctx context.Context, folderID, messageID string) ([]*mail_repo.Attachment, error) {
	path := fmt.Sprintf("%s/mailFolders/%s/messages/%s/attachments",
		r.userPath(), url.PathEscape(folderID), url.PathEscape(messageID))

	var result collection[graphAttachment]
	if err := r.do(ctx, "get attachments", http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("unable to retrieve attachments: %w", err)
	}

	attachments := make([]*mail_repo.Attachment, 0, len(result.Value))
	for _, a := range result.Value {
		// Item and reference attachments carry no bytes.
		if a.ODataType != "" && a.ODataType != "#microsoft.graph.fileAttachment" {
			slog.Debug("skipping non-file attachment", "message_id", messageID, "name", a.Name, "type", a.ODataType)
			continue
		}
		attachments = append(attachments, &mail_repo.Attachment{
			ID:          a.ID,
			Name:        a.Name,
			ContentType: a.ContentType,
			Data:        a.ContentBytes,
		})
	}

	return attachments, nil
}

func (r *graphRepo) MarkRead(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("%s/messages/%s", r.userPath(), url.PathEscape(messageID))
	body := map[string]bool{"isRead": true}

	if err := r.do(ctx, "mark read", http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("unable to mark message read: %w", err)
	}
	return nil
}

func (r *graphRepo) CreateSubscription(ctx context.Context, spec mail_repo.SubscriptionSpec) (*mail_repo.RemoteSubscription, error) {
	req := graphSubscription{
		ChangeType:         spec.ChangeType,
		NotificationURL:    spec.NotificationURL,
		Resource:           spec.Resource,
		ExpirationDateTime: spec.Expiration.UTC(),
		ClientState:        spec.ClientState,
	}

	var resp graphSubscription
	if err := r.do(ctx, "create subscription", http.MethodPost, "/subscriptions", req, &resp); err != nil {
		return nil, fmt.Errorf("unable to create subscription: %w", err)
	}
	if resp.ID == "" {
		return nil, apperror.NewProviderError("create subscription", http.StatusOK, fmt.Errorf("response carries no subscription id"))
	}

	return toRemote(resp), nil
}

func (r *graphRepo) RenewSubscription(ctx context.Context, id string, expiration time.Time) (*mail_repo.RemoteSubscription, error) {
	req := graphSubscription{ExpirationDateTime: expiration.UTC()}

	var resp graphSubscription
	path := "/subscriptions/" + url.PathEscape(id)
	if err := r.do(ctx, "renew subscription", http.MethodPatch, path, req, &resp); err != nil {
		return nil, fmt.Errorf("unable to renew subscription: %w", err)
	}
	if resp.ID == "" {
		resp.ID = id
	}
	if resp.ExpirationDateTime.IsZero() {
		resp.ExpirationDateTime = expiration.UTC()
	}

	return toRemote(resp), nil
}

func toRemote(s graphSubscription) *mail_repo.RemoteSubscription {
	return &mail_repo.RemoteSubscription{
		ID:          s.ID,
		Resource:    s.Resource,
		Expiration:  s.ExpirationDateTime.UTC(),
		ClientState: s.ClientState,
	}
}

// do issues one authenticated call. pathOrURL is either relative to the base
// URL or an absolute nextLink returned by a previous page.
func (r *graphRepo) do(ctx context.Context, op, method, pathOrURL string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return err
	}

	target := pathOrURL
	if !strings.HasPrefix(pathOrURL, "http://") && !strings.HasPrefix(pathOrURL, "https://") {
		target = r.baseURL + pathOrURL
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	// Client errors are reported outside the breaker so they never trip it.
	var clientErr error
	_, err = r.cb.Execute(func() (interface{}, error) {
		callErr := r.send(ctx, op, method, target, token, payload, out)
		if callErr != nil && !apperror.IsTransient(callErr) {
			clientErr = callErr
			return nil, nil
		}
		return nil, callErr
	})
	if clientErr != nil {
		return clientErr
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperror.NewTransportError(op, err)
	}
	return err
}

func (r *graphRepo) send(ctx context.Context, op, method, target, token string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return apperror.NewTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &apperror.AuthError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, readSnippet(resp.Body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperror.NewProviderError(op, resp.StatusCode, fmt.Errorf("%s", readSnippet(resp.Body)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
