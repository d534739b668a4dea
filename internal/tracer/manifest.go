package tracer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// ManifestName is the file written into the output directory at session end.
const ManifestName = "session.json"

// ThreadSummary describes one thread's trace once its stream is closed.
type ThreadSummary struct {
	TID         uint32 `json:"tid"`
	File        string `json:"file"`
	Records     uint64 `json:"records"`
	Spans       uint64 `json:"roi_spans"`
	WriteErrors uint64 `json:"write_errors,omitempty"`
	Error       string `json:"error,omitempty"`
	ExitCode    int32  `json:"exit_code"`
	// ClosedInRoi is set when the thread ended while recording.
	ClosedInRoi bool `json:"closed_in_roi,omitempty"`
	// Abandoned is set when the thread never reported its own fini.
	Abandoned bool `json:"abandoned,omitempty"`
}

// Manifest indexes the trace files of one session.
type Manifest struct {
	SessionID   string          `json:"session_id"`
	Format      Format          `json:"format"`
	Compression Compression     `json:"compression"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	ExitCode    int32           `json:"exit_code"`
	Threads     []ThreadSummary `json:"threads"`
}

// WriteManifest writes m as indented JSON into dir.
func WriteManifest(dir string, m *Manifest) error {
	sort.Slice(m.Threads, func(i, j int) bool { return m.Threads[i].TID < m.Threads[j].TID })
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
