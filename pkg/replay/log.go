// Package replay evaluates candidate policies offline against logged
// interactions, running the same policy engines the serve path uses so
// online and offline behavior cannot drift apart.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// Interaction is one logged (user, arm, reward) record, one JSON object
// per line in the log file.
type Interaction struct {
	UserID     string            `json:"user_id"`
	ArmID      string            `json:"arm_id"`
	Reward     float64           `json:"reward"`
	Propensity float64           `json:"propensity,omitempty"`
	Context    contracts.Context `json:"context,omitempty"`
	At         time.Time         `json:"at"`
}

// Validate rejects records the estimators cannot use.
func (it *Interaction) Validate() error {
	if it.ArmID == "" {
		return fmt.Errorf("interaction missing arm id")
	}
	if it.Reward < -1 || it.Reward > 1 {
		return fmt.Errorf("interaction reward %v outside [-1,1]", it.Reward)
	}
	if it.Propensity < 0 || it.Propensity > 1 {
		return fmt.Errorf("interaction propensity %v outside [0,1]", it.Propensity)
	}
	if it.At.IsZero() {
		return fmt.Errorf("interaction missing timestamp")
	}
	return nil
}

// maxLogLine bounds a single JSONL record.
const maxLogLine = 1 << 20

// LoadLogs reads a JSONL interaction log, sorted by timestamp. Records
// without a logged propensity get 1 (deterministic legacy ranker).
func LoadLogs(r io.Reader) ([]Interaction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	var out []Interaction
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var it Interaction
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, fmt.Errorf("log line %d: %w", line, err)
		}
		if it.Propensity == 0 {
			it.Propensity = 1
		}
		if err := it.Validate(); err != nil {
			return nil, fmt.Errorf("log line %d: %w", line, err)
		}
		out = append(out, it)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// LoadLogsFile is LoadLogs over a file path.
func LoadLogsFile(path string) ([]Interaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	return LoadLogs(f)
}

// LogStats summarizes a loaded log for the load-logs command.
type LogStats struct {
	Events int
	Arms   []string
	From   time.Time
	To     time.Time
	Days   int
}

// Stats computes the log summary.
func Stats(interactions []Interaction) LogStats {
	s := LogStats{Events: len(interactions)}
	if len(interactions) == 0 {
		return s
	}
	arms := make(map[string]bool)
	s.From, s.To = interactions[0].At, interactions[0].At
	for _, it := range interactions {
		arms[it.ArmID] = true
		if it.At.Before(s.From) {
			s.From = it.At
		}
		if it.At.After(s.To) {
			s.To = it.At
		}
	}
	for arm := range arms {
		s.Arms = append(s.Arms, arm)
	}
	sort.Strings(s.Arms)
	s.Days = int(s.To.Sub(s.From).Hours()/24) + 1
	return s
}
