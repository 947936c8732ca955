package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/huavcjj/mailnote/internal/apperror"
	"github.com/huavcjj/mailnote/internal/service/subscription"
)

const (
	maxNotificationBytes     = 1 << 20
	defaultProcessingTimeout = 5 * time.Minute
)

type NotificationProcessor interface {
	ProcessNotification(ctx context.Context, validationToken string, body []byte) (subscription.Outcome, error)
}

// GraphWebhookHandler receives mail change notifications. The provider expects
// an answer within a few seconds, so notifications are acknowledged first and
// processed in the background.
type GraphWebhookHandler struct {
	processor NotificationProcessor
	timeout   time.Duration
	inflight  sync.WaitGroup
}

func NewGraphWebhookHandler(processor NotificationProcessor, timeout time.Duration) *GraphWebhookHandler {
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	return &GraphWebhookHandler{
		processor: processor,
		timeout:   timeout,
	}
}

func (h *GraphWebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handshake(w, r, token)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	h.inflight.Add(1)
	go h.process(body)

	w.WriteHeader(http.StatusAccepted)
}

func (h *GraphWebhookHandler) handshake(w http.ResponseWriter, r *http.Request, token string) {
	outcome, err := h.processor.ProcessNotification(r.Context(), token, nil)
	if err != nil {
		slog.Error("validation handshake failed", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, outcome.Echo)
}

// process outlives the request, so it runs on its own deadline rather than
// the request context.
func (h *GraphWebhookHandler) process(body []byte) {
	defer h.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	outcome, err := h.processor.ProcessNotification(ctx, "", body)
	if apperror.IsValidation(err) {
		slog.Warn("notification rejected", "error", err)
		return
	}
	if err != nil {
		slog.Error("failed to process notification", "error", err)
		return
	}

	slog.Info("notification processed",
		"published", outcome.Report.Published,
		"failed", outcome.Report.Failed,
	)
}

// Wait blocks until background processing finishes or ctx is done.
func (h *GraphWebhookHandler) Wait(ctx context.Context) error {
	return waitInflight(ctx, &h.inflight)
}

func waitInflight(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background processing still running: %w", ctx.Err())
	}
}
