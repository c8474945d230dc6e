// Package deploylog persists one JSON record per deploy run.
package deploylog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

type Step struct {
	Step   string `json:"step"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Record struct {
	ID              string    `json:"id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Mode            string    `json:"mode"`
	Steps           []Step    `json:"steps"`
	Status          Status    `json:"status,omitempty"`
	Error           string    `json:"error,omitempty"`
	DurationSeconds float64   `json:"durationSeconds"`
	BuildID         string    `json:"buildId,omitempty"`
}

// Add appends a step outcome.
func (r *Record) Add(step string, status Status, err error) {
	s := Step{Step: step, Status: status}
	if err != nil {
		s.Error = err.Error()
	}
	r.Steps = append(r.Steps, s)
}

const prefix = "deploy-"

// FileName is the log file name for a record started at t, e.g.
// deploy-2025-03-01T09-30-00-000Z.json.
func FileName(t time.Time) string {
	ts := t.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return prefix + ts + ".json"
}

// Save writes rec to dir, creating the directory, and returns the file path.
func Save(dir string, rec Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(rec.Timestamp))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write deploy log: %w", err)
	}
	return path, nil
}

// List returns the records in dir, newest first. Unreadable files are
// skipped; a missing directory yields no records.
func List(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var rec Record
		if json.Unmarshal(b, &rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

type Summary struct {
	Total   int
	Success int
	Failed  int
	Last    time.Time
}

// Summarize counts outcomes of records as returned by List.
func Summarize(recs []Record) Summary {
	s := Summary{Total: len(recs)}
	for _, r := range recs {
		switch r.Status {
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		}
		if r.Timestamp.After(s.Last) {
			s.Last = r.Timestamp
		}
	}
	return s
}
