package subscription

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/huavcjj/mailnote/internal/apperror"
	mail_repo "github.com/huavcjj/mailnote/internal/domain/mail"
	"github.com/huavcjj/mailnote/internal/service/digest"
	"github.com/huavcjj/mailnote/internal/service/transform"
)

const untitled = "(no subject)"

type OutcomeKind int

const (
	OutcomeHandshake OutcomeKind = iota
	OutcomeProcessed
)

type Outcome struct {
	Kind OutcomeKind
	// Echo is the validation token to return verbatim (OutcomeHandshake).
	Echo   string
	Report ProcessReport
}

type ProcessReport struct {
	Listed    int
	Published int
	// Skipped counts messages with nothing to publish; they are still marked read.
	Skipped int
	Failed  int
	// Busy counts messages held by a concurrent sweep or acknowledged since
	// this sweep's listing was taken.
	Busy int
}

type notificationEnvelope struct {
	Value []notificationItem `json:"value"`
}

type notificationItem struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// ProcessNotification handles one webhook callback. A non-empty validation
// token is a handshake and is echoed without touching anything else. Otherwise
// the body must carry at least one item whose client state matches a known
// subscription, after which a single sweep processes every unread message.
func (m *Manager) ProcessNotification(ctx context.Context, validationToken string, body []byte) (Outcome, error) {
	if validationToken != "" {
		slog.Info("subscription validation handshake")
		return Outcome{Kind: OutcomeHandshake, Echo: validationToken}, nil
	}

	var envelope notificationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Outcome{}, &apperror.ValidationError{Reason: fmt.Sprintf("malformed notification body: %v", err)}
	}
	if len(envelope.Value) == 0 {
		return Outcome{}, &apperror.ValidationError{Reason: "notification carries no items"}
	}

	valid := 0
	for _, item := range envelope.Value {
		if !m.clientStateMatches(ctx, item) {
			slog.Warn("rejecting notification item", "subscription_id", item.SubscriptionID, "resource", item.Resource)
			continue
		}
		valid++
		slog.Info("received mail notification",
			"subscription_id", item.SubscriptionID,
			"change_type", item.ChangeType,
			"message_id", item.ResourceData.ID,
		)
	}
	if valid == 0 {
		return Outcome{}, &apperror.ValidationError{Reason: "client state does not match any subscription"}
	}

	// One sweep covers every item in the batch; listing unread mail picks up
	// each referenced message along with anything a lost notification missed.
	report, err := m.Sweep(ctx)
	return Outcome{Kind: OutcomeProcessed, Report: report}, err
}

func (m *Manager) clientStateMatches(ctx context.Context, item notificationItem) bool {
	if item.ClientState == "" {
		return false
	}
	if item.SubscriptionID != "" {
		sub, ok := m.registry.Get(ctx, item.SubscriptionID)
		return ok && constantTimeEqual(sub.ClientState, item.ClientState)
	}
	for _, sub := range m.registry.Snapshot(ctx) {
		if constantTimeEqual(sub.ClientState, item.ClientState) {
			return true
		}
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Sweep lists unread mail in the monitored folder and publishes each message.
// A failure on one message leaves it unread and moves on to the next.
func (m *Manager) Sweep(ctx context.Context) (ProcessReport, error) {
	var report ProcessReport

	messages, err := m.mailRepo.ListUnread(ctx, m.cfg.FolderID)
	if err != nil {
		return report, fmt.Errorf("failed to list unread messages: %w", err)
	}
	report.Listed = len(messages)

	for _, message := range messages {
		if ctx.Err() != nil {
			slog.Warn("sweep interrupted", "error", ctx.Err())
			break
		}
		if !m.claims.acquire(message.ID, m.now()) {
			report.Busy++
			slog.Debug("message already in progress", "message_id", message.ID)
			continue
		}

		published, err := m.processMessage(ctx, message)
		m.claims.release(message.ID, err == nil, m.now())

		switch {
		case err != nil:
			report.Failed++
			slog.Error("failed to process message; left unread",
				"message_id", message.ID,
				"subject", message.Subject,
				"error", err,
			)
		case published:
			report.Published++
		default:
			report.Skipped++
		}
	}

	slog.Info("mail sweep finished",
		"listed", report.Listed,
		"published", report.Published,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"busy", report.Busy,
	)
	return report, nil
}

func (m *Manager) processMessage(ctx context.Context, message *mail_repo.Message) (bool, error) {
	var attachments []*mail_repo.Attachment
	if message.HasAttachments {
		var err error
		attachments, err = m.mailRepo.GetAttachments(ctx, m.cfg.FolderID, message.ID)
		if err != nil {
			return false, err
		}
	}

	outputs := make([]*transform.Output, 0, len(attachments))
	bundle := make([]*mail_repo.Attachment, 0, len(attachments))
	for _, att := range attachments {
		out, err := m.transformer.Transform(ctx, att)
		if err != nil {
			return false, err
		}
		if out == nil {
			slog.Debug("skipping unsupported attachment", "message_id", message.ID, "name", att.Name, "content_type", att.ContentType)
			continue
		}
		outputs = append(outputs, out)
		bundle = append(bundle, att)
	}

	if len(outputs) == 0 {
		if err := m.mailRepo.MarkRead(ctx, message.ID); err != nil {
			return false, err
		}
		slog.Info("no supported attachments; marked read", "message_id", message.ID, "subject", message.Subject)
		return false, nil
	}

	htmlBody, err := digest.Render(outputs)
	if err != nil {
		return false, err
	}

	title := strings.TrimSpace(message.Subject)
	if title == "" {
		title = untitled
	}

	if err := m.publisher.Publish(ctx, title, htmlBody, bundle); err != nil {
		return false, err
	}

	// A failure here means the next sweep publishes the message again.
	if err := m.mailRepo.MarkRead(ctx, message.ID); err != nil {
		return false, fmt.Errorf("published but not acknowledged: %w", err)
	}

	slog.Info("message published", "message_id", message.ID, "title", title, "attachments", len(bundle))
	return true, nil
}

// claimSet tracks message ids currently being processed, plus recently
// acknowledged ids. A sweep that listed a message before another sweep
// acknowledged it must not publish it a second time. An acknowledgement only
// shadows its id for window; after that an unread message is processed again.
type claimSet struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
	done     map[string]time.Time
	order    []acknowledgement
	window   time.Duration
	limit    int
}

type acknowledgement struct {
	id string
	at time.Time
}

const acknowledgedHistory = 4096

func newClaimSet(window time.Duration) *claimSet {
	return &claimSet{
		inFlight: make(map[string]struct{}),
		done:     make(map[string]time.Time),
		window:   window,
		limit:    acknowledgedHistory,
	}
}

func (c *claimSet) acquire(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[id]; ok {
		return false
	}
	if at, ok := c.done[id]; ok {
		if now.Sub(at) < c.window {
			return false
		}
		delete(c.done, id)
	}
	c.inFlight[id] = struct{}{}
	return true
}

// release drops the claim. acknowledged records the id so later sweeps
// working from an older listing skip it.
func (c *claimSet) release(id string, acknowledged bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, id)
	if acknowledged {
		c.done[id] = now
		c.order = append(c.order, acknowledgement{id: id, at: now})
	}
	c.prune(now)
}

func (c *claimSet) prune(now time.Time) {
	for len(c.order) > 0 {
		oldest := c.order[0]
		if len(c.order) <= c.limit && now.Sub(oldest.at) < c.window {
			return
		}
		// A later acknowledgement of the same id has its own entry.
		if at, ok := c.done[oldest.id]; ok && at.Equal(oldest.at) {
			delete(c.done, oldest.id)
		}
		c.order = c.order[1:]
	}
}
