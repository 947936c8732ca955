package subscription

import (
	"context"
	"fmt"
	"log/slog"

	sub_repo "github.com/huavcjj/mailnote/internal/domain/subscription"
)

type SweepReport struct {
	Checked   int
	Renewed   int
	Failed    int
	Lapsed    int
	Recreated int
}

// RenewalSweep renews every active subscription whose remaining lifetime is
// below the renewal threshold. Each subscription gets at most one renewal call
// per sweep; a failed call is retried on the next sweep. Expired subscriptions
// are marked lapsed and reported to the operator once. A failed Subscribe is
// retried while no subscription is active.
func (m *Manager) RenewalSweep(ctx context.Context) SweepReport {
	var report SweepReport

	for _, sub := range m.registry.Snapshot(ctx) {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		switch sub.State {
		case sub_repo.StateActive:
			m.checkActive(ctx, sub, &report)
		case sub_repo.StateLapsed:
			if m.cfg.ResubscribeOnLapse && sub.ReplacedBy == "" {
				m.resubscribe(ctx, sub, &report)
			}
		}
	}

	if ctx.Err() == nil && m.isSubscribePending() && !m.hasActive(ctx) {
		m.retrySubscribe(ctx, &report)
	}

	return report
}

func (m *Manager) hasActive(ctx context.Context) bool {
	for _, sub := range m.registry.Snapshot(ctx) {
		if sub.State == sub_repo.StateActive {
			return true
		}
	}
	return false
}

func (m *Manager) retrySubscribe(ctx context.Context, report *SweepReport) {
	sub, err := m.Subscribe(ctx)
	if sub == nil {
		report.Failed++
		slog.Error("subscription still missing; will retry next sweep", "error", err)
		return
	}
	report.Recreated++
	slog.Info("subscription created after earlier failure", "subscription_id", sub.ID)
}

func (m *Manager) checkActive(ctx context.Context, sub sub_repo.Subscription, report *SweepReport) {
	now := m.now().UTC()
	remaining := sub.Remaining(now)

	if remaining <= 0 {
		m.lapse(ctx, sub)
		report.Lapsed++
		if m.cfg.ResubscribeOnLapse {
			m.resubscribe(ctx, sub, report)
		}
		return
	}
	if remaining >= m.cfg.RenewalThreshold {
		return
	}

	slog.Info("renewing subscription", "subscription_id", sub.ID, "remaining", remaining)

	remote, err := m.mailRepo.RenewSubscription(ctx, sub.ID, now.Add(m.cfg.Lifetime))
	if err != nil {
		report.Failed++
		slog.Error("failed to renew subscription; will retry next sweep",
			"subscription_id", sub.ID, "expiration", sub.Expiration, "error", err)
		m.registry.Update(ctx, sub.ID, func(s *sub_repo.Subscription) {
			s.LastRenewalError = err.Error()
		})
		return
	}

	expiration := remote.Expiration.UTC()
	if !expiration.After(sub.Expiration) {
		report.Failed++
		slog.Error("renewal did not extend subscription",
			"subscription_id", sub.ID, "expiration", sub.Expiration, "returned", expiration)
		m.registry.Update(ctx, sub.ID, func(s *sub_repo.Subscription) {
			s.LastRenewalError = fmt.Sprintf("expiration not extended: %s", expiration)
		})
		return
	}

	m.registry.Update(ctx, sub.ID, func(s *sub_repo.Subscription) {
		s.Expiration = expiration
		s.RenewedAt = now
		s.LastRenewalError = ""
	})
	report.Renewed++

	slog.Info("subscription renewed", "subscription_id", sub.ID, "expiration", expiration)
}

func (m *Manager) lapse(ctx context.Context, sub sub_repo.Subscription) {
	m.registry.Update(ctx, sub.ID, func(s *sub_repo.Subscription) {
		s.State = sub_repo.StateLapsed
	})

	slog.Error("subscription lapsed; notifications have stopped",
		"subscription_id", sub.ID,
		"resource", sub.Resource,
		"expiration", sub.Expiration,
		"last_renewal_error", sub.LastRenewalError,
	)

	m.alert(ctx, fmt.Sprintf("Mail subscription %s expired at %s. New mail will not be processed until it is recreated.",
		sub.ID, sub.Expiration.Format("2006-01-02 15:04 MST")))
}

func (m *Manager) resubscribe(ctx context.Context, lapsed sub_repo.Subscription, report *SweepReport) {
	created, err := m.CreateSubscription(ctx, lapsed.Resource, lapsed.NotificationURL, m.cfg.Lifetime)
	if err != nil {
		slog.Error("failed to recreate lapsed subscription", "subscription_id", lapsed.ID, "error", err)
		return
	}

	m.registry.Update(ctx, lapsed.ID, func(s *sub_repo.Subscription) {
		s.ReplacedBy = created.ID
	})
	report.Recreated++

	slog.Info("lapsed subscription recreated", "lapsed_id", lapsed.ID, "subscription_id", created.ID)
}

// alert notifies the operator over LINE when an alert recipient is configured.
func (m *Manager) alert(ctx context.Context, text string) {
	if m.lineRepo == nil || m.cfg.AlertUserID == "" {
		return
	}

	var err error
	if m.cfg.OperatorURL != "" {
		err = m.lineRepo.SendButtonMessage(ctx, m.cfg.AlertUserID, text, "Resubscribe", m.cfg.OperatorURL)
	} else {
		err = m.lineRepo.PushMessage(ctx, m.cfg.AlertUserID, text)
	}
	if err != nil {
		slog.Error("failed to send operator alert", "error", err)
	}
}
