// Package analytics is the read-only reporting layer: experiment summaries,
// time series, arm and cohort breakdowns, event paging, and raw export.
// Nothing here mutates state.
package analytics

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/stats"
	"github.com/Teamial/CineaMate/pkg/store"
)

// Service answers reporting queries against the store.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// NewService builds a Service.
func NewService(s *store.Store) *Service {
	return &Service{store: s, logger: slog.Default().With("component", "analytics")}
}

// Summary is the headline view of one experiment.
type Summary struct {
	ExperimentID string                     `json:"experiment_id"`
	Name         string                     `json:"name"`
	Status       contracts.ExperimentStatus `json:"status"`
	Policies     int                        `json:"policies"`
	Serves       int                        `json:"serves"`
	Attributed   int                        `json:"attributed"`
	MeanReward   float64                    `json:"mean_reward"`
	CTR          float64                    `json:"ctr"`
	LatencyP95Ms float64                    `json:"latency_p95_ms"`
	LastServeAt  time.Time                  `json:"last_serve_at,omitempty"`
}

// Summary computes the headline numbers over position-0 serves.
func (s *Service) Summary(ctx context.Context, experimentID string) (*Summary, error) {
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	policies, err := s.store.ListPolicies(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	out := &Summary{
		ExperimentID: exp.ID,
		Name:         exp.Name,
		Status:       exp.Status,
		Policies:     len(policies),
	}

	db := s.store.DB()
	var lastServe string
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN reward IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(reward), 0),
		       COALESCE(MAX(served_at), '')
		FROM serve_events WHERE experiment_id = ? AND position = 0`,
		experimentID).Scan(&out.Serves, &out.Attributed, &out.MeanReward, &lastServe)
	if err != nil {
		return nil, fmt.Errorf("summary for %s: %w", experimentID, err)
	}
	if lastServe != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastServe); err == nil {
			out.LastServeAt = t
		}
	}

	if out.Serves > 0 {
		var clicks int
		err = db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM serve_events e
			WHERE e.experiment_id = ? AND e.position = 0
			  AND EXISTS (SELECT 1 FROM reward_events r
			              WHERE r.event_id = e.event_id AND r.kind = 'click')`,
			experimentID).Scan(&clicks)
		if err != nil {
			return nil, fmt.Errorf("summary clicks for %s: %w", experimentID, err)
		}
		out.CTR = float64(clicks) / float64(out.Serves)
	}

	latencies, err := s.latencies(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	out.LatencyP95Ms = stats.Percentile(latencies, 95)
	return out, nil
}

func (s *Service) latencies(ctx context.Context, experimentID string) ([]float64, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT latency_ms FROM serve_events
		WHERE experiment_id = ? AND position = 0`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("latencies for %s: %w", experimentID, err)
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var ms float64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// Metric names for Timeseries.
type Metric string

const (
	MetricServes     Metric = "serves"
	MetricReward     Metric = "reward"
	MetricLatencyP95 Metric = "latency_p95"
	MetricCTR        Metric = "ctr"
)

// Bucket granularities for Timeseries.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// Point is one time-series sample.
type Point struct {
	Bucket string  `json:"bucket"`
	Value  float64 `json:"value"`
}

// Timeseries buckets position-0 serves in [from, to) and computes the
// metric per bucket, in bucket order.
func (s *Service) Timeseries(ctx context.Context, experimentID string, metric Metric, bucket Bucket, from, to time.Time) ([]Point, error) {
	var layout string
	switch bucket {
	case BucketHour:
		layout = "2006-01-02T15"
	case BucketDay:
		layout = "2006-01-02"
	default:
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}

	events, err := s.store.ServeEventsBetween(ctx, experimentID, from, to)
	if err != nil {
		return nil, err
	}
	clicked, err := s.clickedEvents(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	type agg struct {
		serves    int
		clicks    int
		rewardSum float64
		rewarded  int
		latencies []float64
	}
	buckets := make(map[string]*agg)
	for _, ev := range events {
		if ev.Position != 0 {
			continue
		}
		key := ev.ServedAt.UTC().Format(layout)
		a := buckets[key]
		if a == nil {
			a = &agg{}
			buckets[key] = a
		}
		a.serves++
		if clicked[ev.EventID] {
			a.clicks++
		}
		if ev.Reward != nil {
			a.rewardSum += *ev.Reward
			a.rewarded++
		}
		a.latencies = append(a.latencies, float64(ev.LatencyMs))
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Point, 0, len(keys))
	for _, k := range keys {
		a := buckets[k]
		p := Point{Bucket: k}
		switch metric {
		case MetricServes:
			p.Value = float64(a.serves)
		case MetricReward:
			if a.rewarded > 0 {
				p.Value = a.rewardSum / float64(a.rewarded)
			}
		case MetricLatencyP95:
			p.Value = stats.Percentile(a.latencies, 95)
		case MetricCTR:
			if a.serves > 0 {
				p.Value = float64(a.clicks) / float64(a.serves)
			}
		default:
			return nil, fmt.Errorf("unknown metric %q", metric)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) clickedEvents(ctx context.Context, experimentID string) (map[string]bool, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT DISTINCT r.event_id FROM reward_events r
		JOIN serve_events e ON e.event_id = r.event_id
		WHERE e.experiment_id = ? AND r.kind = 'click'`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("clicked events for %s: %w", experimentID, err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ArmBreakdown is per-(policy, arm) serve and reward totals.
type ArmBreakdown struct {
	PolicyID   string  `json:"policy_id"`
	ArmID      string  `json:"arm_id"`
	Serves     int     `json:"serves"`
	Share      float64 `json:"share"`
	MeanReward float64 `json:"mean_reward"`
}

// Arms breaks position-0 serves down by policy and arm.
func (s *Service) Arms(ctx context.Context, experimentID string) ([]ArmBreakdown, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT policy_id, arm_id, COUNT(*), COALESCE(AVG(reward), 0)
		FROM serve_events
		WHERE experiment_id = ? AND position = 0
		GROUP BY policy_id, arm_id
		ORDER BY policy_id, arm_id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("arms for %s: %w", experimentID, err)
	}
	defer rows.Close()
	var out []ArmBreakdown
	total := 0
	for rows.Next() {
		var b ArmBreakdown
		if err := rows.Scan(&b.PolicyID, &b.ArmID, &b.Serves, &b.MeanReward); err != nil {
			return nil, err
		}
		total += b.Serves
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Share = float64(out[i].Serves) / float64(total)
	}
	return out, nil
}

// Breakdown selects the cohort grouping dimension.
type Breakdown string

const (
	ByContextKey Breakdown = "context_key"
	ByPolicy     Breakdown = "policy"
	ByArm        Breakdown = "arm"
)

// Cohort is per-group serve and reward totals for one breakdown key.
type Cohort struct {
	Key        string  `json:"key"`
	Serves     int     `json:"serves"`
	MeanReward float64 `json:"mean_reward"`
}

// Cohorts breaks position-0 serves down by the requested dimension. The
// default is the canonical context key, where the empty key is the
// non-contextual cohort.
func (s *Service) Cohorts(ctx context.Context, experimentID string, by Breakdown) ([]Cohort, error) {
	var col string
	switch by {
	case ByContextKey, "":
		col = "context_key"
	case ByPolicy:
		col = "policy_id"
	case ByArm:
		col = "arm_id"
	default:
		return nil, contracts.NewError(contracts.ErrorKindConfiguration,
			fmt.Sprintf("unknown breakdown %q", by), nil)
	}
	rows, err := s.store.DB().QueryContext(ctx, fmt.Sprintf(`
		SELECT %[1]s, COUNT(*), COALESCE(AVG(reward), 0)
		FROM serve_events
		WHERE experiment_id = ? AND position = 0
		GROUP BY %[1]s
		ORDER BY COUNT(*) DESC, %[1]s`, col), experimentID)
	if err != nil {
		return nil, fmt.Errorf("cohorts for %s: %w", experimentID, err)
	}
	defer rows.Close()
	var out []Cohort
	for rows.Next() {
		var c Cohort
		if err := rows.Scan(&c.Key, &c.Serves, &c.MeanReward); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EventsPage is one keyset page of serve events, newest first.
type EventsPage struct {
	Events     []*contracts.ServeEvent `json:"events"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

// Events pages through an experiment's serve log. An empty cursor starts
// from the newest event; the returned cursor is empty on the last page.
func (s *Service) Events(ctx context.Context, experimentID, cursor string, limit int) (*EventsPage, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		before   time.Time
		beforeID string
	)
	if cursor != "" {
		var err error
		before, beforeID, err = decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
	}
	events, err := s.store.ServeEventsPage(ctx, experimentID, before, beforeID, limit)
	if err != nil {
		return nil, err
	}
	page := &EventsPage{Events: events}
	if len(events) == limit {
		last := events[len(events)-1]
		page.NextCursor = encodeCursor(last.ServedAt, last.EventID)
	}
	return page, nil
}

func encodeCursor(servedAt time.Time, eventID string) string {
	raw := servedAt.UTC().Format(time.RFC3339Nano) + "|" + eventID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("bad cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("bad cursor %q", cursor)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("bad cursor timestamp: %w", err)
	}
	return at, id, nil
}

// Guardrails returns the latest guardrail audit rows.
func (s *Service) Guardrails(ctx context.Context, experimentID string, limit int) ([]contracts.GuardrailCheck, error) {
	return s.store.ListGuardrailChecks(ctx, experimentID, limit)
}

// Decisions returns the latest decision rows.
func (s *Service) Decisions(ctx context.Context, experimentID string, limit int) ([]*contracts.Decision, error) {
	return s.store.ListDecisions(ctx, experimentID, limit)
}

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	ExportCSV   ExportFormat = "csv"
	ExportJSONL ExportFormat = "jsonl"
)

// Export streams an experiment's serve events in [from, to) to w and
// returns the number of rows written.
func (s *Service) Export(ctx context.Context, w io.Writer, experimentID string, format ExportFormat, from, to time.Time) (int, error) {
	events, err := s.store.ServeEventsBetween(ctx, experimentID, from, to)
	if err != nil {
		return 0, err
	}
	switch format {
	case ExportCSV:
		return exportCSV(w, events)
	case ExportJSONL:
		return exportJSONL(w, events)
	default:
		return 0, fmt.Errorf("unknown export format %q", format)
	}
}

func exportCSV(w io.Writer, events []*contracts.ServeEvent) (int, error) {
	cw := csv.NewWriter(w)
	header := []string{"event_id", "user_id", "policy_id", "arm_id", "position",
		"context_key", "propensity", "reward", "latency_ms", "served_at"}
	if err := cw.Write(header); err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		reward := ""
		if ev.Reward != nil {
			reward = strconv.FormatFloat(*ev.Reward, 'g', -1, 64)
		}
		row := []string{
			ev.EventID, ev.UserID, ev.PolicyID, ev.ArmID,
			strconv.Itoa(ev.Position), ev.ContextKey,
			strconv.FormatFloat(ev.Propensity, 'g', -1, 64), reward,
			strconv.Itoa(ev.LatencyMs),
			ev.ServedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return n, err
		}
		n++
	}
	cw.Flush()
	return n, cw.Error()
}

func exportJSONL(w io.Writer, events []*contracts.ServeEvent) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
