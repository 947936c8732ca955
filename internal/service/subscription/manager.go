package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	line_repo "github.com/huavcjj/mailnote/internal/domain/line"
	mail_repo "github.com/huavcjj/mailnote/internal/domain/mail"
	sub_repo "github.com/huavcjj/mailnote/internal/domain/subscription"
	"github.com/huavcjj/mailnote/internal/service/digest"
	"github.com/huavcjj/mailnote/internal/service/transform"
)

// MaxLifetime is the longest subscription the mail provider accepts for
// message resources. Requests above it are clamped.
const MaxLifetime = 4230 * time.Minute

const (
	changeTypeCreated   = "created"
	defaultInitialDelay = 5 * time.Second
	defaultAckWindow    = 10 * time.Minute
)

var errStopped = errors.New("subscription manager is stopped")

type Config struct {
	UserID   string
	FolderID string
	// Filter is an optional OData filter appended to the subscribed resource.
	Filter          string
	NotificationURL string
	Lifetime        time.Duration
	// RenewalThreshold must be larger than SweepInterval, otherwise a
	// subscription can expire between two sweeps.
	RenewalThreshold   time.Duration
	SweepInterval      time.Duration
	InitialDelay       time.Duration
	ResubscribeOnLapse bool
	AlertUserID        string
	// AckWindow is how long an acknowledged message is skipped by sweeps
	// working from a listing taken before the acknowledgement. It should
	// cover the longest sweep.
	AckWindow time.Duration
	// OperatorURL is linked from lapse alerts so a subscription can be recreated by hand.
	OperatorURL string
}

// Resource is the provider path this manager subscribes to.
func (c Config) Resource() string {
	resource := fmt.Sprintf("/users/%s/mailFolders/%s/messages", c.UserID, c.FolderID)
	if c.Filter != "" {
		resource += "?$filter=" + url.QueryEscape(c.Filter)
	}
	return resource
}

// Manager owns the push subscription lifecycle and drives the
// fetch, transform, publish, acknowledge pipeline for every notification.
type Manager struct {
	cfg         Config
	mailRepo    mail_repo.MailRepo
	registry    sub_repo.Registry
	transformer *transform.Transformer
	publisher   *digest.Publisher
	lineRepo    line_repo.LineRepo
	claims      *claimSet

	now            func() time.Time
	newClientState func() string

	mu      sync.Mutex
	running bool
	stopped bool
	// subscribePending is set while a Subscribe call has failed and nothing
	// replaced it; renewal sweeps retry until one succeeds.
	subscribePending bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(
	cfg Config,
	mailRepo mail_repo.MailRepo,
	registry sub_repo.Registry,
	transformer *transform.Transformer,
	publisher *digest.Publisher,
	lineRepo line_repo.LineRepo,
) (*Manager, error) {
	if cfg.FolderID == "" {
		return nil, fmt.Errorf("folder id is empty")
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	if cfg.RenewalThreshold <= cfg.SweepInterval {
		return nil, fmt.Errorf("renewal threshold (%s) must be larger than sweep interval (%s)", cfg.RenewalThreshold, cfg.SweepInterval)
	}
	cfg.Lifetime = clampLifetime(cfg.Lifetime)
	if cfg.RenewalThreshold >= cfg.Lifetime {
		return nil, fmt.Errorf("renewal threshold (%s) must be shorter than subscription lifetime (%s)", cfg.RenewalThreshold, cfg.Lifetime)
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.AckWindow <= 0 {
		cfg.AckWindow = defaultAckWindow
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:            cfg,
		mailRepo:       mailRepo,
		registry:       registry,
		transformer:    transformer,
		publisher:      publisher,
		lineRepo:       lineRepo,
		claims:         newClaimSet(cfg.AckWindow),
		now:            time.Now,
		newClientState: uuid.NewString,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}, nil
}

func clampLifetime(d time.Duration) time.Duration {
	if d <= 0 || d > MaxLifetime {
		return MaxLifetime
	}
	return d
}

// Subscribe creates a subscription for the configured folder and callback.
// When the provider call fails, renewal sweeps keep retrying while no active
// subscription exists, and the operator is alerted once.
func (m *Manager) Subscribe(ctx context.Context) (*sub_repo.Subscription, error) {
	sub, err := m.CreateSubscription(ctx, m.cfg.Resource(), m.cfg.NotificationURL, m.cfg.Lifetime)
	if sub == nil {
		if !m.setSubscribePending(true) {
			m.alert(ctx, fmt.Sprintf("Mail subscription could not be created: %v. Retrying every %s.", err, m.cfg.SweepInterval))
		}
		return nil, err
	}
	m.setSubscribePending(false)
	return sub, err
}

// setSubscribePending stores pending and returns the previous value.
func (m *Manager) setSubscribePending(pending bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.subscribePending
	m.subscribePending = pending
	return previous
}

func (m *Manager) isSubscribePending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribePending
}

// CreateSubscription registers a push subscription with the provider and
// records it. Nothing is recorded when the provider call fails, and the call
// is not retried here.
func (m *Manager) CreateSubscription(ctx context.Context, resource, callbackURL string, lifetime time.Duration) (*sub_repo.Subscription, error) {
	if resource == "" || callbackURL == "" {
		return nil, fmt.Errorf("resource and callback url are required")
	}

	lifetime = clampLifetime(lifetime)
	now := m.now().UTC()
	clientState := m.newClientState()

	slog.Info("creating subscription", "resource", resource, "notification_url", callbackURL, "lifetime", lifetime)

	remote, err := m.mailRepo.CreateSubscription(ctx, mail_repo.SubscriptionSpec{
		ChangeType:      changeTypeCreated,
		Resource:        resource,
		NotificationURL: callbackURL,
		Expiration:      now.Add(lifetime),
		ClientState:     clientState,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	expiration := remote.Expiration
	if expiration.IsZero() {
		expiration = now.Add(lifetime)
	}
	if !expiration.After(now) {
		return nil, fmt.Errorf("provider returned subscription %s already expired at %s", remote.ID, expiration)
	}

	sub := sub_repo.Subscription{
		ID:              remote.ID,
		Resource:        resource,
		NotificationURL: callbackURL,
		Expiration:      expiration.UTC(),
		ClientState:     clientState,
		State:           sub_repo.StateActive,
		CreatedAt:       now,
	}
	if err := m.registry.Put(ctx, sub); err != nil {
		slog.Error("failed to record subscription; notifications for it will be rejected", "subscription_id", remote.ID, "error", err)
		return nil, fmt.Errorf("failed to record subscription: %w", err)
	}

	if err := m.Start(); err != nil {
		slog.Error("renewal timer not running; subscription will lapse", "subscription_id", sub.ID, "error", err)
		return &sub, fmt.Errorf("failed to start renewal timer: %w", err)
	}

	slog.Info("subscribed", "subscription_id", sub.ID, "expiration", sub.Expiration)
	return &sub, nil
}

// Subscriptions returns a copy of every known subscription.
func (m *Manager) Subscriptions(ctx context.Context) []sub_repo.Subscription {
	return m.registry.Snapshot(ctx)
}

// Start launches the renewal timer. Calling it again is a no-op; calling it
// after Stop is an error.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return errStopped
	}
	if m.running {
		return nil
	}
	m.running = true

	go m.renewalLoop()

	slog.Info("renewal timer started", "interval", m.cfg.SweepInterval, "threshold", m.cfg.RenewalThreshold)
	return nil
}

// Stop halts the renewal timer and waits for an in-progress sweep to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	wasRunning := m.running
	m.mu.Unlock()

	m.cancel()
	if wasRunning {
		<-m.done
	}
	slog.Info("subscription manager stopped")
}

func (m *Manager) renewalLoop() {
	defer close(m.done)

	timer := time.NewTimer(m.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
			report := m.RenewalSweep(m.ctx)
			slog.Info("renewal sweep finished",
				"checked", report.Checked,
				"renewed", report.Renewed,
				"failed", report.Failed,
				"lapsed", report.Lapsed,
				"recreated", report.Recreated,
			)
			timer.Reset(m.cfg.SweepInterval)
		}
	}
}
