package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phuslu/log"

	"roitracer/internal/tracer"
)

func quietLogs(t *testing.T) {
	t.Helper()
	saved := log.DefaultLogger
	t.Cleanup(func() { log.DefaultLogger = saved })
	t.Setenv("ROITRACE_LOG_LEVEL", "error")
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no arguments", nil},
		{"two feeds", []string{"a.jsonl", "b.jsonl"}},
		{"unknown flag", []string{"-nope", "a.jsonl"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, nil, &stdout, &stderr); code != exitUsage {
				t.Errorf("run() = %d, want %d", code, exitUsage)
			}
			if !strings.Contains(stderr.String(), "Usage: roitracer") {
				t.Errorf("usage not printed: %q", stderr.String())
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-version"}, nil, &stdout, &stderr); code != exitOK {
		t.Fatalf("run() = %d", code)
	}
	if !strings.Contains(stdout.String(), version) {
		t.Errorf("version missing: %q", stdout.String())
	}
}

func TestRunInvalidConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-format", "xml", "feed.jsonl"}, nil, &stdout, &stderr); code != exitFatal {
		t.Fatalf("run() = %d, want %d", code, exitFatal)
	}
}

func TestRunMissingFeed(t *testing.T) {
	quietLogs(t)
	var stdout, stderr bytes.Buffer
	args := []string{"-out", t.TempDir(), filepath.Join(t.TempDir(), "missing.jsonl")}
	if code := run(args, nil, &stdout, &stderr); code != exitFatal {
		t.Fatalf("run() = %d, want %d", code, exitFatal)
	}
}

const stdinFeed = `{"ev":"thread_start","tid":0}
{"ev":"call","tid":0,"routine":"main.__begin_pin_roi"}
{"ev":"ins","tid":0,"addr":16,"op":1,"mem":[{"ea":4096,"r":true},{"ea":8192,"w":true}]}
{"ev":"call","tid":0,"routine":"main.__end_pin_roi"}
{"ev":"thread_fini","tid":0}
{"ev":"exit","code":0}
`

func TestRunFromStdin(t *testing.T) {
	quietLogs(t)
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := run([]string{"-format", "event", "-out", dir, "-"}, strings.NewReader(stdinFeed), &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("run() = %d, stderr: %s", code, stderr.String())
	}

	data, err := os.ReadFile(filepath.Join(dir, "thread_0.trace"))
	if err != nil {
		t.Fatal(err)
	}
	want := "BeginRoi\ninstrCount:1\nR:0x1000\nW:0x2000\nEndRoi\n"
	if string(data) != want {
		t.Errorf("trace = %q, want %q", data, want)
	}

	m, err := tracer.ReadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Format != tracer.FormatEvent || len(m.Threads) != 1 {
		t.Errorf("unexpected manifest %+v", m)
	}
}

func TestRunPropagatesFatalExit(t *testing.T) {
	quietLogs(t)
	dir := t.TempDir()
	feed := `{"ev":"ins","tid":3,"addr":16,"op":1}` + "\n"
	var stdout, stderr bytes.Buffer

	code := run([]string{"-out", dir, "-"}, strings.NewReader(feed), &stdout, &stderr)
	if code != exitFatal {
		t.Fatalf("run() = %d, want %d", code, exitFatal)
	}
}
