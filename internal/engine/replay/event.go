package replay

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// Event kinds.
const (
	EvThreadStart = "thread_start"
	EvThreadFini  = "thread_fini"
	EvCall        = "call"
	EvIns         = "ins"
	EvExit        = "exit"
)

// Event is one line of a replay feed. Which fields are used depends on Ev:
//
//	{"ev":"thread_start","tid":0,"os_tid":4242}
//	{"ev":"call","tid":0,"routine":"__begin_pin_roi"}
//	{"ev":"ins","tid":0,"addr":4198400,"op":412,"mn":"mov","regs":[{"reg":10,"w":true}],"mem":[{"ea":140737488346112,"r":true}]}
//	{"ev":"thread_fini","tid":0,"code":0}
//	{"ev":"exit","code":0}
type Event struct {
	Ev      string       `json:"ev"`
	TID     uint32       `json:"tid"`
	OSTID   int          `json:"os_tid,omitempty"`
	Code    int32        `json:"code,omitempty"`
	Routine string       `json:"routine,omitempty"`
	Addr    uint64       `json:"addr,omitempty"`
	Op      uint32       `json:"op,omitempty"`
	Mn      string       `json:"mn,omitempty"`
	Regs    []RegOperand `json:"regs,omitempty"`
	Mem     []MemOperand `json:"mem,omitempty"`
}

// RegOperand is a register operand of an "ins" event.
type RegOperand struct {
	Reg uint32 `json:"reg"`
	R   bool   `json:"r,omitempty"`
	W   bool   `json:"w,omitempty"`
}

// MemOperand is a memory operand of an "ins" event. Exec defaults to true;
// a predicated operand whose condition was false carries "exec":false.
type MemOperand struct {
	EA   uint64 `json:"ea"`
	R    bool   `json:"r,omitempty"`
	W    bool   `json:"w,omitempty"`
	Pred bool   `json:"pred,omitempty"`
	Exec *bool  `json:"exec,omitempty"`
}

func (m MemOperand) executed() bool { return m.Exec == nil || *m.Exec }

// Validate checks that e carries what its kind needs.
func (e *Event) Validate() error {
	switch e.Ev {
	case EvThreadStart, EvThreadFini, EvExit:
	case EvCall:
		if e.Routine == "" {
			return fmt.Errorf("call event for thread %d has no routine", e.TID)
		}
	case EvIns:
		for i, m := range e.Mem {
			if !m.R && !m.W {
				return fmt.Errorf("ins event at %#x: memory operand %d is neither read nor written", e.Addr, i)
			}
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Ev)
	}
	return nil
}

// Source yields feed events in order. Next returns io.EOF at the end.
type Source interface {
	Next() (Event, error)
}

// Decoder reads a JSON-lines feed.
type Decoder struct {
	dec  *json.Decoder
	line int
}

// NewDecoder returns a Source reading JSON-lines events from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

func (d *Decoder) Next() (Event, error) {
	var ev Event
	d.line++
	if err := d.dec.Decode(&ev); err != nil {
		if errors.Is(err, io.EOF) {
			return ev, io.EOF
		}
		return ev, fmt.Errorf("event %d: %w", d.line, err)
	}
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("event %d: %w", d.line, err)
	}
	return ev, nil
}

// SliceSource replays events from memory.
type SliceSource struct {
	Events []Event
	pos    int
}

func (s *SliceSource) Next() (Event, error) {
	if s.pos >= len(s.Events) {
		return Event{}, io.EOF
	}
	ev := s.Events[s.pos]
	s.pos++
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("event %d: %w", s.pos, err)
	}
	return ev, nil
}
