package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	line_repo "github.com/huavcjj/mailnote/internal/domain/line"
	sub_repo "github.com/huavcjj/mailnote/internal/domain/subscription"
	"github.com/huavcjj/mailnote/internal/service/subscription"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

const (
	helpMessage = "Commands:\n• status - list subscriptions\n• subscribe - create a subscription\n• sweep - process unread mail now"

	sweepStartedMessage = "Sweep started. The result will follow."
	pushTimeout         = 30 * time.Second
)

// Operator is the part of the subscription manager exposed to the LINE bot.
type Operator interface {
	Subscribe(ctx context.Context) (*sub_repo.Subscription, error)
	Subscriptions(ctx context.Context) []sub_repo.Subscription
	Sweep(ctx context.Context) (subscription.ProcessReport, error)
}

type LineWebhookHandler struct {
	operator      Operator
	lineRepo      line_repo.LineRepo
	channelSecret string
	// operatorID is the only LINE user allowed to run commands. Without it
	// every command is ignored.
	operatorID string
	// timeout bounds a sweep started from chat.
	timeout  time.Duration
	inflight sync.WaitGroup
	now      func() time.Time
}

func NewLineWebhookHandler(operator Operator, lineRepo line_repo.LineRepo, channelSecret, operatorID string, timeout time.Duration) *LineWebhookHandler {
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	return &LineWebhookHandler{
		operator:      operator,
		lineRepo:      lineRepo,
		channelSecret: channelSecret,
		operatorID:    operatorID,
		timeout:       timeout,
		now:           time.Now,
	}
}

func (h *LineWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	// Allow GET for verification
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse webhook request (includes signature validation)
	cb, err := webhook.ParseRequest(h.channelSecret, r)
	if err != nil {
		slog.Error("failed to parse webhook request", "error", err)
		http.Error(w, "Failed to parse request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	for _, event := range cb.Events {
		switch e := event.(type) {
		case webhook.MessageEvent:
			h.handleMessageEvent(ctx, e)
		default:
			slog.Info("received unhandled event", "type", fmt.Sprintf("%T", event))
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (h *LineWebhookHandler) handleMessageEvent(ctx context.Context, event webhook.MessageEvent) {
	message, ok := event.Message.(webhook.TextMessageContent)
	if !ok {
		slog.Info("received unhandled message type", "type", fmt.Sprintf("%T", event.Message))
		return
	}

	userID := sourceUserID(event.Source)
	if h.operatorID == "" {
		slog.Warn("no operator configured; ignoring command", "user_id", userID)
		return
	}
	if userID != h.operatorID {
		slog.Warn("ignoring command from unknown user", "user_id", userID)
		return
	}

	slog.Info("received operator command", "user_id", userID, "text", message.Text)

	reply := h.runCommand(ctx, userID, message.Text)
	if err := h.lineRepo.ReplyMessage(ctx, event.ReplyToken, reply); err != nil {
		slog.Error("failed to reply to operator", "user_id", userID, "error", err)
	}
}

// sourceUserID works for user, group and room sources alike.
func sourceUserID(source webhook.SourceInterface) string {
	data, err := json.Marshal(source)
	if err != nil {
		return ""
	}
	var fields struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	return fields.UserID
}

func (h *LineWebhookHandler) runCommand(ctx context.Context, userID, text string) string {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "status":
		return h.statusText(ctx)

	case "subscribe":
		sub, err := h.operator.Subscribe(ctx)
		if err != nil {
			slog.Error("operator subscribe failed", "error", err)
			return "Subscription failed: " + err.Error()
		}
		return fmt.Sprintf("Subscribed: %s\nExpires %s", sub.ID, sub.Expiration.Format(time.RFC3339))

	case "sweep":
		h.inflight.Add(1)
		go h.sweep(userID)
		return sweepStartedMessage

	default:
		return helpMessage
	}
}

// sweep can run for minutes of OCR polling, longer than the reply token
// lives, so the result is pushed when it is ready.
func (h *LineWebhookHandler) sweep(userID string) {
	defer h.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var text string
	report, err := h.operator.Sweep(ctx)
	if err != nil {
		slog.Error("operator sweep failed", "error", err)
		text = "Sweep failed: " + err.Error()
	} else {
		text = fmt.Sprintf("Sweep done: %d listed, %d published, %d skipped, %d failed",
			report.Listed, report.Published, report.Skipped, report.Failed)
	}

	pushCtx, pushCancel := context.WithTimeout(context.Background(), pushTimeout)
	defer pushCancel()
	if err := h.lineRepo.PushMessage(pushCtx, userID, text); err != nil {
		slog.Error("failed to push sweep result", "user_id", userID, "error", err)
	}
}

// Wait blocks until sweeps started from chat finish or ctx is done.
func (h *LineWebhookHandler) Wait(ctx context.Context) error {
	return waitInflight(ctx, &h.inflight)
}

func (h *LineWebhookHandler) statusText(ctx context.Context) string {
	subs := h.operator.Subscriptions(ctx)
	if len(subs) == 0 {
		return "No subscriptions."
	}

	now := h.now()
	var b strings.Builder
	fmt.Fprintf(&b, "Subscriptions (%d)", len(subs))
	for _, sub := range subs {
		fmt.Fprintf(&b, "\n\n%s [%s]\nexpires %s (in %s)",
			sub.ID, sub.State, sub.Expiration.Format(time.RFC3339), sub.Remaining(now).Truncate(time.Minute))
		if sub.LastRenewalError != "" {
			fmt.Fprintf(&b, "\nlast renewal error: %s", sub.LastRenewalError)
		}
	}
	return b.String()
}
