package tracer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pierrec/lz4/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roitracer/internal/engine"
	"roitracer/internal/engine/enginetest"
)

type harness struct {
	t       *testing.T
	dir     string
	session *Session
	engine  *enginetest.Engine
	begin   *enginetest.Routine
	end     *enginetest.Routine
	fatals  []string
}

func newHarness(t *testing.T, format Format, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), engine: &enginetest.Engine{}}
	opts := Options{
		OutputDir:     h.dir,
		Format:        format,
		SyncOnEnd:     true,
		WriteManifest: true,
		OnFatal:       func(reason string) { h.fatals = append(h.fatals, reason) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	s.Attach(h.engine)
	h.session = s

	h.begin = h.engine.InstrumentRoutine(&enginetest.Routine{Symbol: "__begin_pin_roi"})
	h.end = h.engine.InstrumentRoutine(&enginetest.Routine{Symbol: "__end_pin_roi"})
	return h
}

func (h *harness) instrument(ins *enginetest.Instruction) *enginetest.Instruction {
	// Copy so each harness owns its spliced calls.
	c := *ins
	c.Calls = nil
	return h.engine.InstrumentInstruction(&c)
}

func (h *harness) trace(tid engine.ThreadID) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, fmt.Sprintf("thread_%d.trace", tid)))
	require.NoError(h.t, err)
	return string(data)
}

func TestSingleThreadEventTrace(t *testing.T) {
	h := newHarness(t, FormatEvent, nil)
	load := h.instrument(loadIns)

	h.engine.StartThread(0)
	load.Execute(0, 0x1111) // before the region, not recorded
	h.begin.Call(0, nil)
	load.Execute(0, 0x7ffc10)
	h.end.Call(0, nil)
	load.Execute(0, 0x2222) // after the region, not recorded
	h.engine.FiniThread(0, 0)
	h.engine.Exit(0)

	want := "BeginRoi\ninstrCount:1\nR:0x7ffc10\nEndRoi\n"
	if diff := cmp.Diff(want, h.trace(0)); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, h.fatals)
	assert.Empty(t, h.engine.Exits())
}

func TestMarkerBodiesAreNotTraced(t *testing.T) {
	h := newHarness(t, FormatInstruction, nil)
	alu := h.instrument(aluIns)

	h.engine.StartThread(0)
	h.begin.Call(0, func() { alu.Execute(0) })
	alu.Execute(0)
	h.end.Call(0, func() { alu.Execute(0) })
	h.engine.FiniThread(0, 0)

	require.Equal(t, "\nBeginRoi\n3;;13 ;13 ;;\nEndRoi", h.trace(0))
}

func TestRepeatedMarkersAreIdempotent(t *testing.T) {
	h := newHarness(t, FormatEvent, nil)
	load := h.instrument(loadIns)

	h.engine.StartThread(0)
	h.end.Call(0, nil) // end while idle
	h.begin.Call(0, nil)
	h.begin.Call(0, nil)
	load.Execute(0, 0x10)
	h.end.Call(0, nil)
	h.end.Call(0, nil)
	h.engine.FiniThread(0, 0)

	require.Equal(t, "BeginRoi\ninstrCount:1\nR:0x10\nEndRoi\n", h.trace(0))
	begins, ends := h.session.gate.Transitions()
	assert.EqualValues(t, 1, begins)
	assert.EqualValues(t, 1, ends)
}

func TestMultipleSpansResetCounter(t *testing.T) {
	h := newHarness(t, FormatEvent, nil)
	load, alu := h.instrument(loadIns), h.instrument(aluIns)

	h.engine.StartThread(0)
	h.begin.Call(0, nil)
	alu.Execute(0)
	alu.Execute(0)
	h.end.Call(0, nil)
	h.begin.Call(0, nil)
	load.Execute(0, 0x20)
	h.end.Call(0, nil)
	h.engine.FiniThread(0, 0)

	require.Equal(t, "BeginRoi\nEndRoi\nBeginRoi\ninstrCount:1\nR:0x20\nEndRoi\n", h.trace(0))
}

func TestThreadsAreIsolated(t *testing.T) {
	h := newHarness(t, FormatEvent, nil)
	load := h.instrument(loadIns)

	h.engine.StartThread(0)
	h.engine.StartThread(1)
	h.begin.Call(1, nil)
	load.Execute(0, 0xa) // thread 0 never entered its region
	load.Execute(1, 0xb)
	h.end.Call(1, nil)
	h.engine.FiniThread(1, 0)
	h.engine.FiniThread(0, 0)
	h.engine.Exit(0)

	assert.Equal(t, "", h.trace(0))
	assert.Equal(t, "BeginRoi\ninstrCount:1\nR:0xb\nEndRoi\n", h.trace(1))
	assert.EqualValues(t, 2, h.session.ThreadCount())
}

func TestThreadExitInsideRoiClosesSpan(t *testing.T) {
	h := newHarness(t, FormatInstruction, nil)
	alu := h.instrument(aluIns)

	h.engine.StartThread(3)
	h.begin.Call(3, nil)
	alu.Execute(3)
	h.engine.FiniThread(3, 0)
	h.engine.Exit(0)

	require.Equal(t, "\nBeginRoi\n3;;13 ;13 ;;\nEndRoi", h.trace(3))
	m := h.session.Manifest()
	require.NotNil(t, m)
	require.Len(t, m.Threads, 1)
	assert.True(t, m.Threads[0].ClosedInRoi)
	assert.False(t, m.Threads[0].Abandoned)
}

func TestFiniClosesAbandonedThreads(t *testing.T) {
	h := newHarness(t, FormatEvent, nil)
	load := h.instrument(loadIns)

	h.engine.StartThread(0)
	h.engine.StartThread(1)
	h.begin.Call(1, nil)
	load.Execute(1, 0x99)
	h.engine.FiniThread(0, 0)
	h.engine.Exit(2)

	assert.Equal(t, "BeginRoi\ninstrCount:1\nR:0x99\nEndRoi\n", h.trace(1))

	m, err := ReadManifest(h.dir)
	require.NoError(t, err)
	assert.Equal(t, h.session.ID(), m.SessionID)
	assert.EqualValues(t, 2, m.ExitCode)
	assert.Equal(t, FormatEvent, m.Format)
	require.Len(t, m.Threads, 2)
	assert.EqualValues(t, 0, m.Threads[0].TID)
	assert.False(t, m.Threads[0].Abandoned)
	assert.EqualValues(t, 1, m.Threads[1].TID)
	assert.True(t, m.Threads[1].Abandoned)
	assert.EqualValues(t, 1, m.Threads[1].Records)
	assert.EqualValues(t, 1, m.Threads[1].Spans)

	// Fini runs once.
	h.engine.Exit(0)
	m2, err := ReadManifest(h.dir)
	require.NoError(t, err)
	assert.EqualValues(t, 2, m2.ExitCode)
}

func TestMissingStateIsFatal(t *testing.T) {
	h := newHarness(t, FormatEvent, nil)
	load := h.instrument(loadIns)

	exit := enginetest.Catch(func() { load.Execute(5, 0x10) })
	require.NotNil(t, exit)
	assert.EqualValues(t, 1, exit.Code)
	require.Len(t, h.fatals, 1)
	assert.Contains(t, h.fatals[0], "thread 5")

	exit = enginetest.Catch(func() { h.begin.Call(6, nil) })
	require.NotNil(t, exit)
	assert.Equal(t, []int32{1, 1}, h.engine.Exits())
}

func TestRegistrationFailuresAreFatal(t *testing.T) {
	h := newHarness(t, FormatEvent, func(o *Options) { o.MaxThreads = 1 })

	h.engine.StartThread(0)

	exit := enginetest.Catch(func() { h.engine.StartThread(0) })
	require.NotNil(t, exit)
	assert.Contains(t, h.fatals[0], ErrThreadRegistered.Error())

	exit = enginetest.Catch(func() { h.engine.StartThread(1) })
	require.NotNil(t, exit)
	assert.Contains(t, h.fatals[1], ErrRegistryFull.Error())
	assert.EqualValues(t, 1, h.session.ThreadCount())

	// Capacity is released at fini.
	h.engine.FiniThread(0, 0)
	h.engine.StartThread(1)
	assert.EqualValues(t, 2, h.session.ThreadCount())
}

func TestFiniForUnknownThreadIsIgnored(t *testing.T) {
	h := newHarness(t, FormatEvent, nil)
	require.Nil(t, enginetest.Catch(func() { h.engine.FiniThread(9, 0) }))
	assert.Empty(t, h.fatals)
}

func TestWriteErrorsAreCountedNotFatal(t *testing.T) {
	h := newHarness(t, FormatInstruction, func(o *Options) { o.BufferSize = 1 })
	alu := h.instrument(aluIns)

	h.engine.StartThread(0)
	st, ok := h.session.registry.Lookup(0)
	require.True(t, ok)
	require.NoError(t, st.out.file.Close())

	h.begin.Call(0, nil)
	alu.Execute(0)
	alu.Execute(0)
	h.end.Call(0, nil)

	assert.Empty(t, h.fatals)
	assert.NotNil(t, st.Err())
	assert.Greater(t, h.session.Stats().WriteErrors, uint64(0))
	assert.EqualValues(t, 0, st.Records())

	h.engine.FiniThread(0, 0)
	m := h.session.buildManifest(0)
	require.Len(t, m.Threads, 1)
	assert.NotEmpty(t, m.Threads[0].Error)
}

func TestLZ4Compression(t *testing.T) {
	h := newHarness(t, FormatEvent, func(o *Options) { o.Compression = CompressionLZ4 })
	load := h.instrument(loadIns)

	h.engine.StartThread(0)
	h.begin.Call(0, nil)
	for i := 0; i < 100; i++ {
		load.Execute(0, uint64(0x1000+8*i))
	}
	h.end.Call(0, nil)
	h.engine.FiniThread(0, 0)

	f, err := os.Open(filepath.Join(h.dir, "thread_0.trace.lz4"))
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(lz4.NewReader(f))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 202)
	assert.Equal(t, "BeginRoi", lines[0])
	assert.Equal(t, "R:0x1000", lines[2])
	assert.Equal(t, "EndRoi", lines[201])
}

func TestCustomMarkers(t *testing.T) {
	m, err := NewMatcher(MatchExact, "roi_on", "roi_off")
	require.NoError(t, err)
	h := newHarness(t, FormatEvent, func(o *Options) { o.Matcher = m })
	load := h.instrument(loadIns)
	on := h.engine.InstrumentRoutine(&enginetest.Routine{Symbol: "roi_on"})
	off := h.engine.InstrumentRoutine(&enginetest.Routine{Symbol: "roi_off"})

	// The default names are not markers here.
	assert.Empty(t, h.begin.After)
	assert.Empty(t, h.end.Before)

	h.engine.StartThread(0)
	on.Call(0, nil)
	load.Execute(0, 0x1)
	off.Call(0, nil)
	h.engine.FiniThread(0, 0)
	require.Equal(t, "BeginRoi\ninstrCount:1\nR:0x1\nEndRoi\n", h.trace(0))
}

func TestCollector(t *testing.T) {
	h := newHarness(t, FormatEvent, nil)
	load := h.instrument(loadIns)

	h.engine.StartThread(0)
	h.begin.Call(0, nil)
	load.Execute(0, 0x1)
	load.Execute(0, 0x2)

	c := NewCollector(h.session)
	assert.Equal(t, 8, testutil.CollectAndCount(c))

	expected := `
# HELP roitracer_records_written_total Total number of instruction records written.
# TYPE roitracer_records_written_total counter
roitracer_records_written_total{format="event"} 2
# HELP roitracer_threads_active Number of traced threads currently registered.
# TYPE roitracer_threads_active gauge
roitracer_threads_active{format="event"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"roitracer_records_written_total", "roitracer_threads_active"))

	h.end.Call(0, nil)
	h.engine.FiniThread(0, 0)
	st := h.session.Stats()
	assert.EqualValues(t, 2, st.Records)
	assert.EqualValues(t, 0, st.ThreadsLive)
	assert.EqualValues(t, 1, st.ThreadsFinished)
	assert.EqualValues(t, 1, st.RoiBegins)
	assert.EqualValues(t, 1, st.RoiEnds)
	assert.EqualValues(t, 1, st.Instrumented)
}

func TestNewSessionRejectsBadOptions(t *testing.T) {
	_, err := NewSession(Options{OutputDir: t.TempDir(), Format: "xml"})
	require.Error(t, err)
	_, err = NewSession(Options{OutputDir: t.TempDir(), Format: FormatEvent, Compression: "gzip"})
	require.Error(t, err)
}
