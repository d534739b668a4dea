// Package tracer records per-thread instruction traces limited to regions of
// interest delimited by calls to marker routines.
package tracer

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	plog "github.com/phuslu/log"

	"roitracer/internal/config"
	"roitracer/internal/engine"
	"roitracer/internal/logger"
)

// Options configures a Session.
type Options struct {
	OutputDir     string
	FilePattern   string
	Format        Format
	Compression   Compression
	BufferSize    int
	SyncOnEnd     bool
	MaxThreads    int
	Registry      string
	WriteManifest bool
	Matcher       Matcher

	// OnFatal runs before the engine is asked to terminate the process.
	OnFatal func(reason string)
}

// OptionsFromConfig converts the [tracer] configuration section.
func OptionsFromConfig(cfg *config.TracerConfig) (Options, error) {
	m, err := NewMatcher(MatchPolicy(cfg.Markers.Match), cfg.Markers.Begin, cfg.Markers.End)
	if err != nil {
		return Options{}, err
	}
	return Options{
		OutputDir:     cfg.OutputDir,
		FilePattern:   cfg.FilePattern,
		Format:        Format(cfg.Format),
		Compression:   Compression(cfg.Compression),
		BufferSize:    cfg.BufferSize,
		SyncOnEnd:     cfg.SyncOnEnd,
		MaxThreads:    cfg.MaxThreads,
		Registry:      cfg.Registry,
		WriteManifest: cfg.WriteManifest,
		Matcher:       m,
	}, nil
}

// Session owns the tracing state of one traced process: the thread registry,
// the recorder and the ROI gate. Its methods are the engine callbacks.
type Session struct {
	id   uuid.UUID
	opts Options

	registry   *Registry
	serializer Serializer
	recorder   *Recorder
	gate       *Gate

	exit   func(code int32)
	log    plog.Logger
	errLog *logger.SampledLogger

	threadsStarted  atomic.Uint64
	threadsFinished atomic.Uint64
	closedRecords   atomic.Uint64
	writeErrors     atomic.Uint64

	startedAt time.Time
	finiOnce  sync.Once

	mu        sync.Mutex
	summaries []ThreadSummary
	manifest  *Manifest
}

// NewSession validates opts, creates the output directory and returns a
// session ready to be attached to an engine.
func NewSession(opts Options) (*Session, error) {
	if opts.FilePattern == "" {
		opts.FilePattern = "thread_%d.trace"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if opts.Compression != CompressionNone && opts.Compression != CompressionLZ4 {
		return nil, fmt.Errorf("unknown compression %q", opts.Compression)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	if opts.Matcher == nil {
		m, err := NewMatcher(MatchSubstring, "__begin_pin_roi", "__end_pin_roi")
		if err != nil {
			return nil, err
		}
		opts.Matcher = m
	}
	serializer, err := NewSerializer(opts.Format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	s := &Session{
		id:         uuid.New(),
		opts:       opts,
		registry:   NewRegistry(opts.Registry, opts.MaxThreads),
		serializer: serializer,
		exit:       func(code int32) { os.Exit(int(code)) },
		log:        logger.NewLoggerWithContext("session"),
		errLog:     logger.NewSampledLoggerCtx("session"),
		startedAt:  time.Now(),
	}
	s.recorder = NewRecorder(s.lookup, serializer)
	s.gate = NewGate(opts.Matcher, s.lookup, serializer, opts.SyncOnEnd)

	s.log.Debug().
		Str("session_id", s.id.String()).
		Str("output_dir", opts.OutputDir).
		Str("format", string(opts.Format)).
		Str("compression", string(opts.Compression)).
		Str("registry", opts.Registry).
		Msg("- Session created")
	return s, nil
}

// Attach registers the session's callbacks with e. Fatal conditions are
// routed to e.ExitProcess from then on.
func (s *Session) Attach(e engine.Engine) {
	s.exit = e.ExitProcess
	e.AddThreadStartFunction(s.ThreadStart)
	e.AddThreadFiniFunction(s.ThreadFini)
	e.AddInstrumentFunction(s.recorder.Instrument)
	e.AddRoutineInstrumentFunction(s.gate.InstrumentRoutine)
	e.AddFiniFunction(s.Fini)
}

// ThreadStart opens the thread's trace file and registers its state.
func (s *Session) ThreadStart(tid engine.ThreadID, ctx *engine.Context, flags int32) {
	if _, ok := s.registry.Lookup(tid); ok {
		// Checked before opening so the live thread's file is not truncated.
		s.fatal(fmt.Sprintf("cannot register thread %d: %v", tid, ErrThreadRegistered))
		return
	}
	path := tracePath(s.opts.OutputDir, s.opts.FilePattern, s.opts.Compression, tid)
	out, err := openStream(path, s.opts.Compression, s.opts.BufferSize)
	if err != nil {
		s.fatal(fmt.Sprintf("cannot open trace file for thread %d: %v", tid, err))
		return
	}
	st := newThreadState(tid, path, out, s.onWriteError)
	if err := s.registry.Register(st); err != nil {
		out.close()
		s.fatal(fmt.Sprintf("cannot register thread %d: %v", tid, err))
		return
	}
	s.threadsStarted.Add(1)

	e := s.log.Info()
	if ctx != nil && ctx.OSThreadID != 0 {
		e = e.Int("os_tid", ctx.OSThreadID)
	}
	e.Str("file", path).Msgf("Thread %d started", tid)
}

// ThreadFini closes the thread's trace. A thread ending inside its region of
// interest gets the end sentinel first.
func (s *Session) ThreadFini(tid engine.ThreadID, ctx *engine.Context, code int32) {
	st, ok := s.registry.Unregister(tid)
	if !ok {
		s.log.Warn().Uint32("tid", uint32(tid)).Msg("Fini for unknown thread, ignored")
		return
	}
	s.closeThread(st, code, false)
}

// Fini runs once at process exit. It closes the traces of threads that never
// reported their own fini and writes the manifest.
func (s *Session) Fini(code int32) {
	s.finiOnce.Do(func() {
		s.log.Info().Msgf("Number of threads: %d", s.threadsStarted.Load())

		var abandoned []*ThreadState
		s.registry.Range(func(st *ThreadState) bool {
			abandoned = append(abandoned, st)
			return true
		})
		for _, st := range abandoned {
			if _, ok := s.registry.Unregister(st.tid); ok {
				s.log.Warn().Uint32("tid", uint32(st.tid)).Msg("Thread did not finish before process exit")
				s.closeThread(st, code, true)
			}
		}

		m := s.buildManifest(code)
		s.mu.Lock()
		s.manifest = m
		s.mu.Unlock()
		if s.opts.WriteManifest {
			if err := WriteManifest(s.opts.OutputDir, m); err != nil {
				s.log.Error().Err(err).Msg("Failed to write session manifest")
			}
		}
		s.log.Info().
			Str("session_id", s.id.String()).
			Int32("exit_code", code).
			Uint64("records", s.closedRecords.Load()).
			Msg("✅ Trace session finished")
	})
}

func (s *Session) closeThread(st *ThreadState, code int32, abandoned bool) {
	closedInRoi := st.roiActive
	if closedInRoi {
		s.log.Warn().Uint32("tid", uint32(st.tid)).Msg("Thread ended inside ROI, closing span")
		s.gate.leave(st)
	}
	if err := st.out.close(); err != nil {
		st.fail(err)
	}

	sum := ThreadSummary{
		TID:         uint32(st.tid),
		File:        st.path,
		Records:     st.Records(),
		Spans:       st.Spans(),
		WriteErrors: st.WriteErrors(),
		ExitCode:    code,
		ClosedInRoi: closedInRoi,
		Abandoned:   abandoned,
	}
	if st.firstErr != nil {
		sum.Error = st.firstErr.Error()
	}
	s.mu.Lock()
	s.summaries = append(s.summaries, sum)
	s.mu.Unlock()

	s.closedRecords.Add(sum.Records)
	s.threadsFinished.Add(1)
	s.log.Info().Uint64("records", sum.Records).Msgf("Thread %d finished", st.tid)
}

// lookup returns the state of tid. A thread executing instrumented code
// without state is unrecoverable.
func (s *Session) lookup(tid engine.ThreadID) *ThreadState {
	st, ok := s.registry.Lookup(tid)
	if !ok {
		s.fatal(fmt.Sprintf("no trace state for thread %d", tid))
		return nil
	}
	return st
}

func (s *Session) fatal(reason string) {
	s.log.Error().Str("session_id", s.id.String()).Msg("❌ " + reason)
	if s.opts.OnFatal != nil {
		s.opts.OnFatal(reason)
	}
	s.exit(1)
}

func (s *Session) onWriteError(st *ThreadState, err error) {
	s.writeErrors.Add(1)
	s.errLog.SampledError("trace_write").
		Uint32("tid", uint32(st.tid)).
		Str("file", st.path).
		Err(err).
		Msg("Trace write failed")
}

func (s *Session) buildManifest(code int32) *Manifest {
	s.mu.Lock()
	threads := append([]ThreadSummary(nil), s.summaries...)
	s.mu.Unlock()
	return &Manifest{
		SessionID:   s.id.String(),
		Format:      s.serializer.Format(),
		Compression: s.opts.Compression,
		StartedAt:   s.startedAt,
		FinishedAt:  time.Now(),
		ExitCode:    code,
		Threads:     threads,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id.String() }

// OutputDir returns the directory receiving the trace files.
func (s *Session) OutputDir() string { return s.opts.OutputDir }

// ThreadCount returns the number of threads started so far.
func (s *Session) ThreadCount() uint64 { return s.threadsStarted.Load() }

// Manifest returns the manifest built at Fini, or nil before that.
func (s *Session) Manifest() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// Stats is a point-in-time view of the session counters.
type Stats struct {
	ThreadsStarted  uint64
	ThreadsFinished uint64
	ThreadsLive     int
	Records         uint64
	WriteErrors     uint64
	RoiBegins       uint64
	RoiEnds         uint64
	Instrumented    uint64
}

// Stats collects the current counters. Records include live threads.
func (s *Session) Stats() Stats {
	st := Stats{
		ThreadsStarted:  s.threadsStarted.Load(),
		ThreadsFinished: s.threadsFinished.Load(),
		ThreadsLive:     s.registry.Len(),
		Records:         s.closedRecords.Load(),
		WriteErrors:     s.writeErrors.Load(),
		Instrumented:    s.recorder.Instrumented(),
	}
	s.registry.Range(func(ts *ThreadState) bool {
		st.Records += ts.Records()
		return true
	})
	st.RoiBegins, st.RoiEnds = s.gate.Transitions()
	return st
}
