package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testProfile = `
experiment:
  id: replay-test
  name: replay test
  surface: home
  salt: salt-1
  traffic_fraction: 1.0
  traffic_plan:
    ts: 1.0
  default_policy_id: baseline
policies:
  - id: ts
    kind: thompson
  - id: baseline
    kind: control
    params:
      fixed_arm_id: svd
arms:
  - arm_id: svd
  - arm_id: item_cf
`

func writeTestLog(t *testing.T, days int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "interactions.jsonl")
	var b strings.Builder
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days*100; i++ {
		arm, reward := "svd", 0
		if i%2 == 0 {
			arm = "item_cf"
		}
		if i%3 == 0 {
			reward = 1
		}
		at := t0.AddDate(0, 0, i/100).Add(time.Duration(i%100) * time.Minute)
		fmt.Fprintf(&b, `{"user_id":"u%d","arm_id":%q,"reward":%d,"propensity":0.5,"at":%q}`+"\n",
			i, arm, reward, at.Format(time.RFC3339))
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"banditd", "frobnicate"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "unknown command")
}

func TestLoadLogsCommand(t *testing.T) {
	logPath := writeTestLog(t, 14)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"banditd", "load-logs", "-log", logPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var stats struct {
		Events int
		Arms   []string
		Days   int
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Equal(t, 1400, stats.Events)
	require.Equal(t, []string{"item_cf", "svd"}, stats.Arms)
	require.Equal(t, 14, stats.Days)
}

func TestSelectWindowCommand(t *testing.T) {
	logPath := writeTestLog(t, 20)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"banditd", "select-window", "-log", logPath, "-days", "14"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "Score")
}

func TestReplayCommand(t *testing.T) {
	logPath := writeTestLog(t, 14)
	profilePath := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte(testProfile), 0o644))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"banditd", "replay",
		"-log", logPath, "-profile", profilePath, "-seed", "7"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var results []struct {
		PolicyID string
		Matched  int
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &results))
	require.Len(t, results, 2)
	require.Greater(t, results[0].Matched, 0)
}

func TestReplayCommandRequiresFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"banditd", "replay"}, &stdout, &stderr)
	require.Equal(t, 2, code)
}
