// Package experiment owns the experiment lifecycle: the status machine,
// traffic configuration, prior seeding on activation, and the admin
// mutation surface. All transitions are atomic; a partially-transitioned
// experiment is never observable.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Teamial/CineaMate/pkg/bandit"
	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/store"
)

// Invalidator is the cache hook called after every mutation so routing
// reacts immediately instead of waiting out the TTL.
type Invalidator interface {
	InvalidateExperiment(ctx context.Context, id string)
}

// Manager drives experiment lifecycle and configuration.
type Manager struct {
	store  *store.Store
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCache wires the invalidation hook.
func WithCache(c Invalidator) Option { return func(m *Manager) { m.cache = c } }

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager builds a Manager over the store.
func NewManager(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		logger: slog.Default().With("component", "experiment_manager"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists a draft experiment with its policies and pinned catalog.
// Everything is validated up front; a Configuration error rejects the whole
// mutation.
func (m *Manager) Create(ctx context.Context, exp *contracts.Experiment, policies []*contracts.Policy, catalog *contracts.Catalog) error {
	if err := exp.Validate(); err != nil {
		return contracts.NewError(contracts.ErrorKindConfiguration, "create experiment", err)
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return contracts.NewError(contracts.ErrorKindConfiguration, "create experiment", err)
		}
	}
	if err := catalog.Validate(); err != nil {
		return contracts.NewError(contracts.ErrorKindConfiguration, "create experiment", err)
	}
	exp.Status = contracts.StatusDraft
	now := m.now()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = now
	}
	exp.UpdatedAt = now
	if err := m.store.SaveExperiment(ctx, exp); err != nil {
		return err
	}
	for _, p := range policies {
		p.ExperimentID = exp.ID
		if err := m.store.SavePolicy(ctx, p); err != nil {
			return err
		}
	}
	if err := m.store.SaveCatalog(ctx, catalog); err != nil {
		return err
	}
	m.logger.Info("experiment created", "experiment", exp.ID, "policies", len(policies), "arms", len(catalog.Arms))
	return nil
}

// Start transitions draft → active and seeds priors for every
// (policy, arm) pair in the pinned catalog. Re-seeding an existing key is
// a no-op, so a retried Start cannot clobber live statistics.
func (m *Manager) Start(ctx context.Context, experimentID string) error {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, exp, contracts.StatusActive); err != nil {
		return err
	}
	if err := m.seedPriors(ctx, exp); err != nil {
		return err
	}
	m.logger.Info("experiment started", "experiment", experimentID)
	return nil
}

// Pause suspends serving through the experiment.
func (m *Manager) Pause(ctx context.Context, experimentID string) error {
	return m.adminTransition(ctx, experimentID, contracts.StatusPaused)
}

// Resume reactivates a paused experiment.
func (m *Manager) Resume(ctx context.Context, experimentID string) error {
	return m.adminTransition(ctx, experimentID, contracts.StatusActive)
}

// End finishes an experiment normally. State rows are retained.
func (m *Manager) End(ctx context.Context, experimentID string) error {
	return m.adminTransition(ctx, experimentID, contracts.StatusEnded)
}

// Kill terminates an experiment immediately. New serves bypass it from the
// next request on; the guardrail monitor calls this on rollback.
func (m *Manager) Kill(ctx context.Context, experimentID, reason string) error {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, exp, contracts.StatusKilled); err != nil {
		return err
	}
	m.logger.Warn("experiment killed", "experiment", experimentID, "reason", reason)
	return nil
}

func (m *Manager) adminTransition(ctx context.Context, experimentID string, to contracts.ExperimentStatus) error {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, exp, to); err != nil {
		return err
	}
	m.logger.Info("experiment transitioned", "experiment", experimentID, "to", string(to))
	return nil
}

func (m *Manager) transition(ctx context.Context, exp *contracts.Experiment, to contracts.ExperimentStatus) error {
	if !contracts.CanTransition(exp.Status, to) {
		return contracts.NewError(contracts.ErrorKindConfiguration, "transition",
			fmt.Errorf("cannot transition %s from %s to %s", exp.ID, exp.Status, to))
	}
	if err := m.store.TransitionStatus(ctx, exp.ID, exp.Status, to, m.now()); err != nil {
		return err
	}
	exp.Status = to
	if m.cache != nil {
		m.cache.InvalidateExperiment(ctx, exp.ID)
	}
	return nil
}

// seedPriors writes the prior row for every (policy, arm) of the pinned
// catalog, non-contextual key only; contextual keys seed lazily on first
// update.
func (m *Manager) seedPriors(ctx context.Context, exp *contracts.Experiment) error {
	policies, err := m.store.ListPolicies(ctx, exp.ID)
	if err != nil {
		return err
	}
	catalog, err := m.store.GetCatalog(ctx, exp.ID, exp.CatalogVersion)
	if err != nil {
		return err
	}
	now := m.now()
	for _, p := range policies {
		alpha0, beta0 := p.Params.Alpha0, p.Params.Beta0
		if alpha0 <= 0 {
			alpha0 = 1
		}
		if beta0 <= 0 {
			beta0 = 1
		}
		for _, arm := range catalog.Arms {
			st := &contracts.ArmState{
				ExperimentID: exp.ID,
				PolicyID:     p.ID,
				ArmID:        arm.ArmID,
				Alpha:        alpha0,
				Beta:         beta0,
				UpdatedAt:    now,
			}
			if err := m.store.SeedState(ctx, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetTrafficFraction updates the ramp. While the experiment is active the
// fraction may only grow; shrinking it would evict users already in the
// experiment, breaking assignment stability.
func (m *Manager) SetTrafficFraction(ctx context.Context, experimentID string, fraction float64) error {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if fraction < 0 || fraction > 1 {
		return contracts.NewError(contracts.ErrorKindConfiguration, "set traffic fraction",
			fmt.Errorf("traffic_fraction out of [0,1]: %v", fraction))
	}
	if exp.Status == contracts.StatusActive && fraction < exp.TrafficFraction {
		return contracts.NewError(contracts.ErrorKindConfiguration, "set traffic fraction",
			fmt.Errorf("traffic_fraction may only grow while active: %v < %v", fraction, exp.TrafficFraction))
	}
	exp.TrafficFraction = fraction
	return m.save(ctx, exp)
}

// SetTrafficPlan replaces the plan. Shares must sum to 1.
func (m *Manager) SetTrafficPlan(ctx context.Context, experimentID string, plan contracts.TrafficPlan) error {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return contracts.NewError(contracts.ErrorKindConfiguration, "set traffic plan", err)
	}
	exp.TrafficPlan = plan
	return m.save(ctx, exp)
}

// ChangeSalt rotates the assignment salt and resets memoized assignments,
// so every user re-buckets on their next serve.
func (m *Manager) ChangeSalt(ctx context.Context, experimentID, salt string) error {
	if salt == "" {
		return contracts.NewError(contracts.ErrorKindConfiguration, "change salt",
			fmt.Errorf("salt is empty"))
	}
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	exp.Salt = salt
	if err := m.save(ctx, exp); err != nil {
		return err
	}
	if err := m.store.ResetAssignments(ctx, experimentID); err != nil {
		return err
	}
	m.logger.Info("experiment salt rotated", "experiment", experimentID)
	return nil
}

// SetGuardrails replaces the guardrail thresholds.
func (m *Manager) SetGuardrails(ctx context.Context, experimentID string, cfg contracts.GuardrailConfig) error {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	exp.Guardrails = cfg
	return m.save(ctx, exp)
}

// SetDecision replaces the decision criteria.
func (m *Manager) SetDecision(ctx context.Context, experimentID string, cfg contracts.DecisionConfig) error {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	exp.Decision = cfg
	return m.save(ctx, exp)
}

func (m *Manager) save(ctx context.Context, exp *contracts.Experiment) error {
	if err := exp.Validate(); err != nil {
		return contracts.NewError(contracts.ErrorKindConfiguration, "save experiment", err)
	}
	exp.UpdatedAt = m.now()
	if err := m.store.SaveExperiment(ctx, exp); err != nil {
		return err
	}
	if m.cache != nil {
		m.cache.InvalidateExperiment(ctx, exp.ID)
	}
	return nil
}

// PolicyEngine constructs the bandit policy for one configured lane.
// Shared by the serve pipeline, the reward updater, and offline replay so
// online and offline semantics cannot drift.
func PolicyEngine(p *contracts.Policy, seed int64) (bandit.Policy, error) {
	var rng = bandit.SeededRand(seed)
	return bandit.New(*p, rng)
}
