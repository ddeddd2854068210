package reward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Teamial/CineaMate/pkg/bandit"
	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/store"
)

// Invalidator drops a cached policy-state entry after a write-through.
type Invalidator interface {
	InvalidateStates(ctx context.Context, experimentID, policyID, contextKey string)
}

// Updater drains the reward_updates queue into policy state. Updates to
// one (experiment, policy, arm, context_key) row run strictly in order on
// a single lane; across keys they run in parallel. The CAS in the store is
// the backstop against a second process on the same key.
type Updater struct {
	store  *store.Store
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
	batch  int

	mu      sync.Mutex
	engines map[string]bandit.Policy
}

// UpdaterOption customizes an Updater.
type UpdaterOption func(*Updater)

// WithUpdaterClock injects a clock for tests.
func WithUpdaterClock(now func() time.Time) UpdaterOption {
	return func(u *Updater) { u.now = now }
}

// WithInvalidator wires the cache hook.
func WithInvalidator(c Invalidator) UpdaterOption {
	return func(u *Updater) { u.cache = c }
}

// NewUpdater builds an Updater over the store.
func NewUpdater(s *store.Store, opts ...UpdaterOption) *Updater {
	u := &Updater{
		store:   s,
		logger:  slog.Default().With("component", "reward_updater"),
		now:     func() time.Time { return time.Now().UTC() },
		batch:   200,
		engines: make(map[string]bandit.Policy),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Tick claims due tasks and applies them, one lane per state key.
func (u *Updater) Tick(ctx context.Context) error {
	now := u.now()
	tasks, err := u.store.DequeueRewardUpdates(ctx, now, u.batch)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	lanes := make(map[contracts.StateKey][]*store.RewardUpdate)
	for _, task := range tasks {
		key := task.Key()
		lanes[key] = append(lanes[key], task)
	}

	var wg sync.WaitGroup
	for key, lane := range lanes {
		wg.Add(1)
		go func(key contracts.StateKey, lane []*store.RewardUpdate) {
			defer wg.Done()
			for _, task := range lane {
				u.apply(ctx, key, task)
			}
		}(key, lane)
	}
	wg.Wait()
	return nil
}

func (u *Updater) apply(ctx context.Context, key contracts.StateKey, task *store.RewardUpdate) {
	engine, err := u.engine(ctx, key)
	if err != nil {
		u.logger.Error("reward update has no engine", "key", key.String(), "error", err)
		u.retry(ctx, task)
		return
	}
	value := ClampForUpdate(task.Reward)
	_, err = u.store.UpdateState(ctx, key, func(st *contracts.ArmState) error {
		return engine.Update(st, value, u.now())
	})
	if err != nil {
		u.logger.Error("reward update failed", "key", key.String(), "event", task.EventID, "error", err)
		u.retry(ctx, task)
		return
	}
	if u.cache != nil {
		u.cache.InvalidateStates(ctx, key.ExperimentID, key.PolicyID, key.ContextKey)
	}
	if err := u.store.CompleteRewardUpdate(ctx, task.ID); err != nil {
		u.logger.Error("reward update completion failed", "event", task.EventID, "error", err)
	}
}

func (u *Updater) retry(ctx context.Context, task *store.RewardUpdate) {
	if err := u.store.RetryRewardUpdate(ctx, task, u.now()); err != nil {
		u.logger.Error("reward update reschedule failed", "event", task.EventID, "error", err)
	}
}

func (u *Updater) engine(ctx context.Context, key contracts.StateKey) (bandit.Policy, error) {
	id := key.ExperimentID + "/" + key.PolicyID
	u.mu.Lock()
	if e, ok := u.engines[id]; ok {
		u.mu.Unlock()
		return e, nil
	}
	u.mu.Unlock()

	cfg, err := u.store.GetPolicy(ctx, key.ExperimentID, key.PolicyID)
	if err != nil {
		return nil, err
	}
	e, err := bandit.New(*cfg, nil)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.engines[id] = e
	u.mu.Unlock()
	return e, nil
}
