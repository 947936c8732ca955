package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	sub_repo "github.com/huavcjj/mailnote/internal/domain/subscription"
)

var errEmptyID = errors.New("subscription id is empty")

// memoryRegistry keeps subscriptions in process memory only; everything is
// lost on restart and the provider-side subscriptions are abandoned.
type memoryRegistry struct {
	mu   sync.RWMutex
	subs map[string]sub_repo.Subscription
}

var _ sub_repo.Registry = (*memoryRegistry)(nil)

func NewMemoryRegistry() sub_repo.Registry {
	return &memoryRegistry{
		subs: make(map[string]sub_repo.Subscription),
	}
}

func (r *memoryRegistry) Put(ctx context.Context, sub sub_repo.Subscription) error {
	if sub.ID == "" {
		return errEmptyID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	return nil
}

func (r *memoryRegistry) Get(ctx context.Context, id string) (sub_repo.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

func (r *memoryRegistry) Update(ctx context.Context, id string, fn func(*sub_repo.Subscription)) (sub_repo.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return sub_repo.Subscription{}, false
	}
	fn(&sub)
	// fn must not change the key.
	sub.ID = id
	r.subs[id] = sub
	return sub, true
}

// Snapshot is ordered by creation time so sweeps are deterministic.
func (r *memoryRegistry) Snapshot(ctx context.Context) []sub_repo.Subscription {
	r.mu.RLock()
	subs := make([]sub_repo.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs
}
