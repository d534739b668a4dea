package tracer

import (
	"fmt"
	"regexp"
	"strings"
)

// Boundary is the set of ROI markers a routine name matches.
type Boundary uint8

const (
	BoundaryBegin Boundary = 1 << iota
	BoundaryEnd
)

func (b Boundary) Has(x Boundary) bool { return b&x != 0 }

// Matcher classifies routine names as ROI markers.
type Matcher interface {
	Match(name string) Boundary
}

// MatchPolicy names a Matcher implementation.
type MatchPolicy string

const (
	MatchSubstring MatchPolicy = "substring"
	MatchExact     MatchPolicy = "exact"
	MatchRegexp    MatchPolicy = "regexp"
)

// NewMatcher builds a matcher for the begin and end markers.
func NewMatcher(policy MatchPolicy, begin, end string) (Matcher, error) {
	if begin == "" || end == "" {
		return nil, fmt.Errorf("marker names cannot be empty")
	}
	switch policy {
	case MatchSubstring, "":
		return substringMatcher{begin: begin, end: end}, nil
	case MatchExact:
		return exactMatcher{begin: begin, end: end}, nil
	case MatchRegexp:
		b, err := regexp.Compile(begin)
		if err != nil {
			return nil, fmt.Errorf("begin marker: %w", err)
		}
		e, err := regexp.Compile(end)
		if err != nil {
			return nil, fmt.Errorf("end marker: %w", err)
		}
		return regexpMatcher{begin: b, end: e}, nil
	default:
		return nil, fmt.Errorf("unknown marker match policy %q", policy)
	}
}

// substringMatcher matches any name containing a marker, so decorated or
// versioned symbols (e.g. "__begin_pin_roi@plt") are still recognized.
type substringMatcher struct{ begin, end string }

func (m substringMatcher) Match(name string) Boundary {
	var b Boundary
	if strings.Contains(name, m.begin) {
		b |= BoundaryBegin
	}
	if strings.Contains(name, m.end) {
		b |= BoundaryEnd
	}
	return b
}

type exactMatcher struct{ begin, end string }

func (m exactMatcher) Match(name string) Boundary {
	var b Boundary
	if name == m.begin {
		b |= BoundaryBegin
	}
	if name == m.end {
		b |= BoundaryEnd
	}
	return b
}

type regexpMatcher struct{ begin, end *regexp.Regexp }

func (m regexpMatcher) Match(name string) Boundary {
	var b Boundary
	if m.begin.MatchString(name) {
		b |= BoundaryBegin
	}
	if m.end.MatchString(name) {
		b |= BoundaryEnd
	}
	return b
}
