// Package serve is the hot path: request → experiment → assignment →
// policy selection → append-only serve event. Reads are bounded-stale,
// selection has a hard deadline with a control fallback, and event logging
// degrades to a best-effort queue rather than ever failing the caller.
package serve

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Teamial/CineaMate/pkg/assign"
	"github.com/Teamial/CineaMate/pkg/bandit"
	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/store"
)

// Reader is the bounded-stale read surface the pipeline needs. Both
// *store.Store and *store.Cache satisfy it; production wires the cache.
type Reader interface {
	GetCatalog(ctx context.Context, experimentID string, version int) (*contracts.Catalog, error)
	GetStates(ctx context.Context, experimentID, policyID, contextKey string) (map[string]*contracts.ArmState, error)
}

// Recommendation is one entry of the ranked result list.
type Recommendation struct {
	ArmID        string  `json:"arm_id"`
	Position     int     `json:"position"`
	Propensity   float64 `json:"propensity"`
	Score        float64 `json:"score"`
	ExperimentID string  `json:"experiment_id"`
	PolicyID     string  `json:"policy_id"`
	EventID      string  `json:"event_id"`
}

// Default call deadlines. PolicyDeadline bounds in-memory selection plus
// the state read; ServeDeadline bounds the whole call including logging.
const (
	DefaultPolicyDeadline = 50 * time.Millisecond
	DefaultServeDeadline  = 120 * time.Millisecond
)

// Pipeline serves recommendation requests.
type Pipeline struct {
	store  *store.Store
	reader Reader
	logger *slog.Logger
	now    func() time.Time

	policyDeadline time.Duration
	serveDeadline  time.Duration

	mu       sync.Mutex
	policies map[string]bandit.Policy // (experiment/policy) → engine

	queue *eventQueue

	metrics Metrics
}

// Metrics receives serve-path measurements; the observability provider
// implements it, and a nil value disables reporting.
type Metrics interface {
	RecordServe(ctx context.Context, experimentID, policyID string, latency time.Duration, failed bool)
	// TrackServe brackets one in-flight serve and returns the closer.
	TrackServe(ctx context.Context, experimentID string) (context.Context, func())
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithDeadlines overrides the policy and end-to-end deadlines.
func WithDeadlines(policy, serveCall time.Duration) Option {
	return func(p *Pipeline) {
		if policy > 0 {
			p.policyDeadline = policy
		}
		if serveCall > 0 {
			p.serveDeadline = serveCall
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithMetrics wires serve-path telemetry.
func WithMetrics(m Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// New builds a Pipeline. reader may equal s for cache-less deployments.
func New(s *store.Store, reader Reader, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:          s,
		reader:         reader,
		logger:         slog.Default().With("component", "serve_pipeline"),
		now:            func() time.Time { return time.Now().UTC() },
		policyDeadline: DefaultPolicyDeadline,
		serveDeadline:  DefaultServeDeadline,
		policies:       make(map[string]bandit.Policy),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = newEventQueue(s, p.logger)
	return p
}

// Close drains the best-effort event queue.
func (p *Pipeline) Close() { p.queue.close() }

// Recommend runs one serve: picks the governing experiment for the
// surface, assigns the user, selects up to k arms, and logs one event per
// returned position. It never returns a policy failure to the caller;
// logic and transient errors degrade to the control arm and are recorded
// for the guardrail monitor.
func (p *Pipeline) Recommend(ctx context.Context, userID, surface string, reqCtx contracts.Context, k int) ([]Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, p.serveDeadline)
	defer cancel()
	if k < 1 {
		k = 1
	}

	exps, err := p.store.ActiveExperiments(ctx, surface)
	if err != nil {
		return nil, contracts.NewError(contracts.ErrorKindTransient, "load experiments", err)
	}
	if len(exps) == 0 {
		return nil, contracts.ErrNoActiveExperiment
	}
	exp := exps[0] // precedence: priority, then most recent start

	if p.metrics != nil {
		var done func()
		ctx, done = p.metrics.TrackServe(ctx, exp.ID)
		defer done()
	}

	started := p.now()
	route := assign.Route(exp, userID)
	if route.InExperiment {
		// Audit row; the hash stays the source of truth, so a write
		// failure here is not a serve failure.
		if err := p.store.RecordAssignment(ctx, assign.Record(exp, userID, route, started)); err != nil {
			p.logger.Warn("assignment write failed", "experiment", exp.ID, "error", err)
		}
	}

	catalog, err := p.reader.GetCatalog(ctx, exp.ID, exp.CatalogVersion)
	if err != nil {
		return nil, contracts.ErrUnavailableCatalog
	}
	arms := catalog.EligibleArmIDs(started)
	if len(arms) == 0 {
		return nil, contracts.ErrNoEligibleArm
	}

	policyCfg, err := p.store.GetPolicy(ctx, exp.ID, route.PolicyID)
	if err != nil {
		return nil, contracts.NewError(contracts.ErrorKindLogic, "load policy", err)
	}
	contextKey := ""
	if policyCfg.Params.Contextual {
		contextKey = contracts.MustContextKey(reqCtx)
	}

	sel, timedOut, errKind := p.selectWithDeadline(ctx, exp, policyCfg, reqCtx, contextKey, arms)
	latency := p.now().Sub(started)
	if p.metrics != nil {
		p.metrics.RecordServe(ctx, exp.ID, sel.policyID, latency, errKind != "")
	}

	recs := make([]Recommendation, 0, k)
	for pos, entry := range sel.ranked {
		if pos >= k {
			break
		}
		eventID := uuid.NewString()
		event := &contracts.ServeEvent{
			EventID:       eventID,
			ExperimentID:  exp.ID,
			UserID:        userID,
			PolicyID:      sel.policyID,
			ArmID:         entry.armID,
			Position:      pos,
			Context:       reqCtx,
			ContextKey:    contextKey,
			Propensity:    entry.propensity,
			Score:         entry.score,
			LatencyMs:     int(latency.Milliseconds()),
			ServedAt:      started,
			PolicyTimeout: timedOut,
			ErrorKind:     errKind,
			SchemaVersion: contracts.ServeEventSchemaVersion,
		}
		p.logEvent(ctx, event)
		recs = append(recs, Recommendation{
			ArmID:        entry.armID,
			Position:     pos,
			Propensity:   entry.propensity,
			Score:        entry.score,
			ExperimentID: exp.ID,
			PolicyID:     sel.policyID,
			EventID:      eventID,
		})
	}
	return recs, nil
}

type rankedArm struct {
	armID      string
	propensity float64
	score      float64
}

type selection struct {
	policyID string
	ranked   []rankedArm
}

// selectWithDeadline runs policy selection under the policy deadline. On
// timeout or a policy failure it degrades to the control ranking and
// reports what happened for the guardrail counters.
func (p *Pipeline) selectWithDeadline(ctx context.Context, exp *contracts.Experiment, cfg *contracts.Policy, reqCtx contracts.Context, contextKey string, arms []string) (selection, bool, string) {
	type outcome struct {
		sel selection
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sel, err := p.rank(ctx, exp, cfg, reqCtx, contextKey, arms)
		done <- outcome{sel, err}
	}()

	start := time.Now()
	timer := time.NewTimer(p.policyDeadline)
	defer timer.Stop()
	select {
	case out := <-done:
		if time.Since(start) > p.policyDeadline {
			return p.controlSelection(exp, arms), true, string(contracts.ErrorKindTransient)
		}
		if out.err != nil {
			kind := contracts.KindOf(out.err)
			p.logger.Error("policy selection failed", "experiment", exp.ID,
				"policy", cfg.ID, "kind", string(kind), "error", out.err)
			return p.controlSelection(exp, arms), false, string(kind)
		}
		return out.sel, false, ""
	case <-timer.C:
		return p.controlSelection(exp, arms), true, string(contracts.ErrorKindTransient)
	case <-ctx.Done():
		return p.controlSelection(exp, arms), true, string(contracts.ErrorKindTransient)
	}
}

// rank loads bounded-stale state, selects the head arm, and orders the tail
// by selection probability.
func (p *Pipeline) rank(ctx context.Context, exp *contracts.Experiment, cfg *contracts.Policy, reqCtx contracts.Context, contextKey string, arms []string) (selection, error) {
	states, err := p.reader.GetStates(ctx, exp.ID, cfg.ID, contextKey)
	if err != nil {
		return selection{}, contracts.NewError(contracts.ErrorKindTransient, "read policy state", err)
	}
	engine, err := p.engine(exp.ID, cfg)
	if err != nil {
		return selection{}, err
	}
	res, err := engine.Select(reqCtx, arms, states)
	if err != nil {
		return selection{}, err
	}
	probs, err := engine.Probabilities(reqCtx, arms, states)
	if err != nil {
		return selection{}, err
	}

	ranked := []rankedArm{{armID: res.ArmID, propensity: res.Propensity, score: res.Score}}
	rest := make([]rankedArm, 0, len(arms)-1)
	for _, armID := range arms {
		if armID == res.ArmID {
			continue
		}
		prop := probs[armID]
		if prop <= 0 {
			// Deterministic policies put 0 on unchosen arms; the logged
			// row still needs a propensity inside (0,1].
			prop = fallbackTailPropensity
		}
		rest = append(rest, rankedArm{armID: armID, propensity: prop, score: probs[armID]})
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].propensity != rest[j].propensity {
			return rest[i].propensity > rest[j].propensity
		}
		return rest[i].armID < rest[j].armID
	})
	return selection{policyID: cfg.ID, ranked: append(ranked, rest...)}, nil
}

// fallbackTailPropensity keeps tail positions of the degraded ranking
// inside (0,1]; the head arm carries the deterministic propensity of 1.
const fallbackTailPropensity = 1e-6

// controlSelection is the degradation path: deterministic first-arm pick
// with propensity 1, attributed to the experiment's default policy.
func (p *Pipeline) controlSelection(exp *contracts.Experiment, arms []string) selection {
	ranked := make([]rankedArm, 0, len(arms))
	ordered := make([]string, len(arms))
	copy(ordered, arms)
	sort.Strings(ordered)
	for i, armID := range ordered {
		prop := 1.0
		if i > 0 {
			prop = fallbackTailPropensity
		}
		ranked = append(ranked, rankedArm{armID: armID, propensity: prop})
	}
	return selection{policyID: exp.DefaultPolicyID, ranked: ranked}
}

// engine returns the cached policy engine for one lane, constructing it on
// first use. Engines are stateless between calls apart from their RNG, so
// one instance serves all requests.
func (p *Pipeline) engine(experimentID string, cfg *contracts.Policy) (bandit.Policy, error) {
	key := experimentID + "/" + cfg.ID
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.policies[key]; ok {
		return e, nil
	}
	e, err := bandit.New(*cfg, nil)
	if err != nil {
		return nil, err
	}
	p.policies[key] = e
	return e, nil
}

// logEvent appends the serve event, exactly-once per event_id. A storage
// failure hands the event to the best-effort queue; only when the queue is
// also full does the event get marked dropped.
func (p *Pipeline) logEvent(ctx context.Context, event *contracts.ServeEvent) {
	if err := p.store.AppendServeEvent(ctx, event); err == nil {
		return
	}
	if p.queue.offer(event) {
		return
	}
	event.Dropped = true
	event.ErrorKind = string(contracts.ErrorKindTransient)
	p.logger.Error("serve event dropped", "event", event.EventID, "experiment", event.ExperimentID)
}

// eventQueue retries serve-event appends off the hot path.
type eventQueue struct {
	store  *store.Store
	logger *slog.Logger
	ch     chan *contracts.ServeEvent
	done   chan struct{}
	once   sync.Once
}

func newEventQueue(s *store.Store, logger *slog.Logger) *eventQueue {
	q := &eventQueue{
		store:  s,
		logger: logger,
		ch:     make(chan *contracts.ServeEvent, 1024),
		done:   make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *eventQueue) offer(e *contracts.ServeEvent) bool {
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

func (q *eventQueue) drain() {
	defer close(q.done)
	for e := range q.ch {
		// Appends are idempotent per event_id, so blind retries are safe.
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err = q.store.AppendServeEvent(ctx, e)
			cancel()
			if err == nil {
				break
			}
			time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
		}
		if err != nil {
			q.logger.Error("queued serve event lost", "event", e.EventID, "error", err)
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() {
		close(q.ch)
		<-q.done
	})
}
