package subscription

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/huavcjj/mailnote/internal/apperror"
	sub_repo "github.com/huavcjj/mailnote/internal/domain/subscription"
)

type Service interface {
	Subscribe(ctx context.Context) (*sub_repo.Subscription, error)
	Subscriptions(ctx context.Context) []sub_repo.Subscription
}

type subscriptionView struct {
	ID               string    `json:"id"`
	Resource         string    `json:"resource"`
	NotificationURL  string    `json:"notificationUrl"`
	Expiration       time.Time `json:"expiration"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"createdAt"`
	RenewedAt        time.Time `json:"renewedAt,omitempty"`
	LastRenewalError string    `json:"lastRenewalError,omitempty"`
	ReplacedBy       string    `json:"replacedBy,omitempty"`
}

func toView(sub sub_repo.Subscription) subscriptionView {
	return subscriptionView{
		ID:               sub.ID,
		Resource:         sub.Resource,
		NotificationURL:  sub.NotificationURL,
		Expiration:       sub.Expiration,
		State:            sub.State.String(),
		CreatedAt:        sub.CreatedAt,
		RenewedAt:        sub.RenewedAt,
		LastRenewalError: sub.LastRenewalError,
		ReplacedBy:       sub.ReplacedBy,
	}
}

// SubscriptionHandler lets an operator inspect and recreate subscriptions.
// When a token is configured every request must carry it, either as a bearer
// token or as the token query parameter used by alert links.
type SubscriptionHandler struct {
	service Service
	token   string
}

func NewSubscriptionHandler(service Service, token string) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: service,
		token:   token,
	}
}

// HandleSubscriptions serves GET (list) and POST (create).
func (h *SubscriptionHandler) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleCreate creates a subscription on GET as well, so the button in a
// lapse alert can recreate one straight from a chat client.
func (h *SubscriptionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.create(w, r)
}

func (h *SubscriptionHandler) list(w http.ResponseWriter, r *http.Request) {
	subs := h.service.Subscriptions(r.Context())

	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, toView(sub))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *SubscriptionHandler) create(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.Subscribe(r.Context())
	if err != nil {
		slog.Error("failed to create subscription", "error", err)
		status := http.StatusBadGateway
		if apperror.IsAuth(err) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, toView(*sub))
}

func (h *SubscriptionHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		presented = bearer
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
