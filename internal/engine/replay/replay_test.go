package replay_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roitracer/internal/engine"
	"roitracer/internal/engine/replay"
	"roitracer/internal/tracer"
)

func openFeed(t *testing.T, name string) replay.Source {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", name))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return replay.NewDecoder(f)
}

func traceSession(t *testing.T, e *replay.Engine, format tracer.Format) (*tracer.Session, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := tracer.NewSession(tracer.Options{
		OutputDir:     dir,
		Format:        format,
		SyncOnEnd:     true,
		WriteManifest: true,
	})
	require.NoError(t, err)
	s.Attach(e)
	return s, dir
}

func readTrace(t *testing.T, dir string, tid int) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("thread_%d.trace", tid)))
	require.NoError(t, err)
	return string(data)
}

func TestReplaySingleRoi(t *testing.T) {
	tests := []struct {
		format tracer.Format
		want   string
	}{
		{tracer.FormatEvent, "BeginRoi\ninstrCount:1\nR:0x7fffffffdc00\nEndRoi\n"},
		{tracer.FormatInstruction, "\nBeginRoi\n412;7fffffffdc00 ;;10 ;;\nEndRoi"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			e := replay.New(replay.Options{})
			_, dir := traceSession(t, e, tt.format)

			code, err := e.Run(context.Background(), openFeed(t, "single_roi.jsonl"))
			require.NoError(t, err)
			assert.EqualValues(t, 0, code)
			assert.EqualValues(t, 8-1, e.Events()) // exit is not delivered to a thread

			if diff := cmp.Diff(tt.want, readTrace(t, dir, 0)); diff != "" {
				t.Errorf("trace mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplayWithoutMarkers(t *testing.T) {
	e := replay.New(replay.Options{})
	s, dir := traceSession(t, e, tracer.FormatEvent)

	_, err := e.Run(context.Background(), openFeed(t, "no_markers.jsonl"))
	require.NoError(t, err)

	assert.Equal(t, "", readTrace(t, dir, 0))
	m, err := tracer.ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, m.Threads, 1)
	assert.EqualValues(t, 0, m.Threads[0].Records)
	assert.EqualValues(t, 1, s.ThreadCount())
}

func TestReplayTwoThreads(t *testing.T) {
	e := replay.New(replay.Options{ChannelSize: 4})
	_, dir := traceSession(t, e, tracer.FormatEvent)

	_, err := e.Run(context.Background(), openFeed(t, "two_threads.jsonl"))
	require.NoError(t, err)

	for tid := 0; tid < 2; tid++ {
		lines := strings.Split(strings.TrimSuffix(readTrace(t, dir, tid), "\n"), "\n")
		require.Len(t, lines, 2+2*50, "thread %d", tid)
		assert.Equal(t, "BeginRoi", lines[0])
		assert.Equal(t, "EndRoi", lines[len(lines)-1])

		base := 0x10000 * (tid + 1)
		for i := 0; i < 50; i++ {
			count := "instrCount:2"
			if i == 0 {
				count = "instrCount:1"
			}
			assert.Equal(t, count, lines[1+2*i], "thread %d record %d", tid, i)
			assert.Equal(t, fmt.Sprintf("R:0x%x", base+8*i), lines[2+2*i], "thread %d record %d", tid, i)
		}
	}
}

// recorder counts engine callbacks without tracing anything.
type recorder struct {
	mu           sync.Mutex
	instrumented []uint64
	routines     []string
	started      []engine.ThreadID
	finished     []engine.ThreadID
	fini         []int32
	executed     atomic.Uint64
}

func (r *recorder) attach(e *replay.Engine) {
	e.AddInstrumentFunction(func(ins engine.Instruction) {
		r.mu.Lock()
		r.instrumented = append(r.instrumented, ins.Address())
		r.mu.Unlock()
		ins.InsertCall(engine.IPointBefore, func(engine.ThreadID, *engine.Execution) {
			r.executed.Add(1)
		})
	})
	e.AddRoutineInstrumentFunction(func(rtn engine.Routine) {
		r.mu.Lock()
		r.routines = append(r.routines, rtn.Name())
		r.mu.Unlock()
	})
	e.AddThreadStartFunction(func(tid engine.ThreadID, _ *engine.Context, _ int32) {
		r.mu.Lock()
		r.started = append(r.started, tid)
		r.mu.Unlock()
	})
	e.AddThreadFiniFunction(func(tid engine.ThreadID, _ *engine.Context, _ int32) {
		r.mu.Lock()
		r.finished = append(r.finished, tid)
		r.mu.Unlock()
	})
	e.AddFiniFunction(func(code int32) {
		r.fini = append(r.fini, code)
	})
}

func TestInstrumentationIsCached(t *testing.T) {
	e := replay.New(replay.Options{Cache: "sharded"})
	r := &recorder{}
	r.attach(e)

	_, err := e.Run(context.Background(), openFeed(t, "two_threads.jsonl"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []uint64{0x401000, 0x401007}, r.instrumented)
	assert.ElementsMatch(t, []string{"__begin_pin_roi", "__end_pin_roi"}, r.routines)
	assert.EqualValues(t, 2*2*50, r.executed.Load())
	assert.ElementsMatch(t, []engine.ThreadID{0, 1}, r.started)
	assert.ElementsMatch(t, []engine.ThreadID{0, 1}, r.finished)
	assert.Equal(t, []int32{0}, r.fini)
}

func TestExitEventCode(t *testing.T) {
	e := replay.New(replay.Options{})
	r := &recorder{}
	r.attach(e)

	code, err := e.Run(context.Background(), &replay.SliceSource{Events: []replay.Event{
		{Ev: replay.EvThreadStart, TID: 0},
		{Ev: replay.EvExit, Code: 3},
		{Ev: replay.EvThreadStart, TID: 1}, // never read
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, code)
	assert.Equal(t, []int32{3}, r.fini)
	assert.Equal(t, []engine.ThreadID{0}, r.started)
}

func TestExitProcessFromCallback(t *testing.T) {
	e := replay.New(replay.Options{})
	r := &recorder{}
	r.attach(e)
	e.AddThreadStartFunction(func(tid engine.ThreadID, _ *engine.Context, _ int32) {
		if tid == 1 {
			e.ExitProcess(4)
		}
	})

	code, err := e.Run(context.Background(), &replay.SliceSource{Events: []replay.Event{
		{Ev: replay.EvThreadStart, TID: 0},
		{Ev: replay.EvThreadStart, TID: 1},
	}})
	var exitErr *replay.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.EqualValues(t, 4, exitErr.Code)
	assert.EqualValues(t, 4, code)
	assert.Equal(t, []int32{4}, r.fini)
}

func TestInstructionOnUnknownThreadIsFatal(t *testing.T) {
	e := replay.New(replay.Options{})
	var fatal string
	dir := t.TempDir()
	s, err := tracer.NewSession(tracer.Options{
		OutputDir: dir,
		Format:    tracer.FormatEvent,
		OnFatal:   func(reason string) { fatal = reason },
	})
	require.NoError(t, err)
	s.Attach(e)

	code, err := e.Run(context.Background(), &replay.SliceSource{Events: []replay.Event{
		{Ev: replay.EvIns, TID: 7, Addr: 0x10, Op: 1, Mem: []replay.MemOperand{{EA: 0x20, R: true}}},
	}})
	var exitErr *replay.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.EqualValues(t, 1, code)
	assert.Contains(t, fatal, "thread 7")
}

func TestThreadIDReuse(t *testing.T) {
	e := replay.New(replay.Options{})
	s, dir := traceSession(t, e, tracer.FormatEvent)

	_, err := e.Run(context.Background(), &replay.SliceSource{Events: []replay.Event{
		{Ev: replay.EvThreadStart, TID: 0},
		{Ev: replay.EvThreadFini, TID: 0},
		{Ev: replay.EvThreadStart, TID: 0},
		{Ev: replay.EvCall, TID: 0, Routine: "__begin_pin_roi"},
		{Ev: replay.EvIns, TID: 0, Addr: 0x10, Mem: []replay.MemOperand{{EA: 0x20, W: true}}},
		{Ev: replay.EvThreadFini, TID: 0},
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.ThreadCount())
	// The second incarnation owns the file and closed its span at fini.
	assert.Equal(t, "BeginRoi\ninstrCount:1\nW:0x20\nEndRoi\n", readTrace(t, dir, 0))
}

func TestPredicatedOperandNotExecuted(t *testing.T) {
	e := replay.New(replay.Options{})
	_, dir := traceSession(t, e, tracer.FormatEvent)
	no := false

	_, err := e.Run(context.Background(), &replay.SliceSource{Events: []replay.Event{
		{Ev: replay.EvThreadStart, TID: 0},
		{Ev: replay.EvCall, TID: 0, Routine: "__begin_pin_roi"},
		{Ev: replay.EvIns, TID: 0, Addr: 0x10, Mem: []replay.MemOperand{{EA: 0x30, R: true, Pred: true, Exec: &no}}},
		{Ev: replay.EvIns, TID: 0, Addr: 0x10, Mem: []replay.MemOperand{{EA: 0x38, R: true, Pred: true}}},
		{Ev: replay.EvCall, TID: 0, Routine: "__end_pin_roi"},
		{Ev: replay.EvThreadFini, TID: 0},
	}})
	require.NoError(t, err)
	assert.Equal(t, "BeginRoi\ninstrCount:2\nR:0x38\nEndRoi\n", readTrace(t, dir, 0))
}

func TestMalformedFeed(t *testing.T) {
	tests := []struct {
		name string
		feed string
	}{
		{"bad json", "{\"ev\":\"thread_start\",\"tid\":0}\n{\"ev\": nope}\n"},
		{"unknown kind", "{\"ev\":\"syscall\",\"tid\":0}\n"},
		{"call without routine", "{\"ev\":\"call\",\"tid\":0}\n"},
		{"memory operand without access", "{\"ev\":\"ins\",\"tid\":0,\"mem\":[{\"ea\":1}]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := replay.New(replay.Options{})
			r := &recorder{}
			r.attach(e)

			code, err := e.Run(context.Background(), replay.NewDecoder(strings.NewReader(tt.feed)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "event feed")
			assert.EqualValues(t, 1, code)
			assert.Equal(t, []int32{1}, r.fini)
		})
	}
}

func TestCancelledContext(t *testing.T) {
	e := replay.New(replay.Options{})
	r := &recorder{}
	r.attach(e)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, err := e.Run(ctx, &replay.SliceSource{Events: []replay.Event{
		{Ev: replay.EvThreadStart, TID: 0},
	}})
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, code)
	assert.Equal(t, []int32{1}, r.fini)
}
