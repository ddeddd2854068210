package reward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/store"
)

// Attributor maps downstream signals onto open serve events within each
// experiment's attribution window. It is driven by event_id and fully
// idempotent: re-running over the same events is a no-op unless a new
// signal changes the outcome, and nothing is writable after window close.
type Attributor struct {
	store   *store.Store
	logger  *slog.Logger
	now     func() time.Time
	batch   int
	mu      sync.Mutex
	mappers map[string]*Mapper // experiment id → compiled mapper
}

// AttributorOption customizes an Attributor.
type AttributorOption func(*Attributor)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) AttributorOption {
	return func(a *Attributor) { a.now = now }
}

// WithBatchSize bounds how many open events one tick scans per experiment.
func WithBatchSize(n int) AttributorOption {
	return func(a *Attributor) {
		if n > 0 {
			a.batch = n
		}
	}
}

// NewAttributor builds an Attributor over the store.
func NewAttributor(s *store.Store, opts ...AttributorOption) *Attributor {
	a := &Attributor{
		store:   s,
		logger:  slog.Default().With("component", "reward_attributor"),
		now:     func() time.Time { return time.Now().UTC() },
		batch:   500,
		mappers: make(map[string]*Mapper),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest records one downstream signal. Unknown kinds and out-of-range
// values are rejected. When the signal references a serve event directly,
// a closed attribution window rejects it with AttributionClosed; the event
// is then attributed immediately so rewards land without waiting a tick.
func (a *Attributor) Ingest(ctx context.Context, sig *contracts.RewardEvent) error {
	if err := sig.Validate(); err != nil {
		return contracts.NewError(contracts.ErrorKindConfiguration, "ingest", err)
	}
	if sig.EventID == "" && (sig.UserID == "" || sig.ArmID == "") {
		return contracts.NewError(contracts.ErrorKindConfiguration, "ingest",
			fmt.Errorf("signal needs event_id or (user_id, arm_id)"))
	}
	if sig.EventID == "" {
		// Triple-addressed signal: matched lazily by the window scan.
		return a.store.AppendRewardEvent(ctx, sig)
	}

	event, err := a.store.GetServeEvent(ctx, sig.EventID)
	if err != nil {
		return err
	}
	exp, err := a.store.GetExperiment(ctx, event.ExperimentID)
	if err != nil {
		return err
	}
	if sig.At.After(event.ServedAt.Add(exp.Window())) {
		a.logger.Info("signal after window close discarded",
			"event", sig.EventID, "kind", string(sig.Kind))
		return contracts.ErrAttributionClosed
	}
	if err := a.store.AppendRewardEvent(ctx, sig); err != nil {
		return err
	}
	return a.attributeEvent(ctx, exp, event)
}

// Tick runs one attribution pass over every non-draft experiment.
func (a *Attributor) Tick(ctx context.Context) error {
	exps, err := a.store.ListExperiments(ctx)
	if err != nil {
		return err
	}
	for _, exp := range exps {
		if exp.Status == contracts.StatusDraft {
			continue
		}
		if err := a.Run(ctx, exp); err != nil {
			a.logger.Error("attribution pass failed", "experiment", exp.ID, "error", err)
		}
	}
	return nil
}

// Run attributes open events of one experiment: events whose window is
// still open get a reward only if a qualifying signal exists; events past
// window close are finalized: to the composed value if signals arrived in
// time, to 0 otherwise.
func (a *Attributor) Run(ctx context.Context, exp *contracts.Experiment) error {
	events, err := a.store.OpenEvents(ctx, exp.ID, a.batch)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := a.attributeEvent(ctx, exp, event); err != nil {
			a.logger.Error("attribution failed", "event", event.EventID, "error", err)
		}
	}
	return nil
}

func (a *Attributor) attributeEvent(ctx context.Context, exp *contracts.Experiment, event *contracts.ServeEvent) error {
	if event.Reward != nil {
		return nil // already finalized
	}
	now := a.now()
	window := exp.Window()
	windowEnd := event.ServedAt.Add(window)

	// Signals only count inside [served_at, served_at + W].
	scanEnd := windowEnd
	if now.Before(scanEnd) {
		scanEnd = now
	}
	signals, err := a.store.RewardEventsFor(ctx, event.EventID, event.UserID, event.ArmID, event.ServedAt, scanEnd)
	if err != nil {
		return err
	}
	mapper, err := a.mapper(exp)
	if err != nil {
		return err
	}
	value, qualified, err := mapper.Compose(signals)
	if err != nil {
		return err
	}
	windowClosed := now.After(windowEnd)
	if !qualified {
		if !windowClosed {
			return nil // wait for a signal or window close
		}
		value = 0 // no qualifying signal by close
	}

	if err := a.store.WriteReward(ctx, event.EventID, value, now, event.AttributionVersion); err != nil {
		return err
	}
	update := &store.RewardUpdate{
		EventID:      event.EventID,
		ExperimentID: event.ExperimentID,
		PolicyID:     event.PolicyID,
		ArmID:        event.ArmID,
		ContextKey:   event.ContextKey,
		Reward:       value,
	}
	return a.store.EnqueueRewardUpdate(ctx, update, now)
}

func (a *Attributor) mapper(exp *contracts.Experiment) (*Mapper, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.mappers[exp.ID]; ok {
		return m, nil
	}
	m, err := NewMapper(exp)
	if err != nil {
		return nil, err
	}
	a.mappers[exp.ID] = m
	return m, nil
}
