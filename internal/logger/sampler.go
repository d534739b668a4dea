package logger

import (
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

const (
	// DefaultSampleEvery is the steady-state interval between two entries
	// sharing a key.
	DefaultSampleEvery = time.Second
	// DefaultSampleBurst entries per key pass before sampling starts.
	DefaultSampleBurst = 5
)

type sampleKey struct {
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// SampledLogger rate limits entries per key. A suppressed entry is returned
// as nil, which phuslu/log treats as a no-op, so call sites chain as usual:
//
//	s.SampledError("write").Err(err).Msg("trace write failed")
//
// The first entry let through after suppression carries a "suppressed" count.
type SampledLogger struct {
	base  *log.Logger
	every rate.Limit
	burst int
	keys  *xsync.Map[string, *sampleKey]
}

// NewSampledLogger wraps base with a per-key token bucket refilled once every
// interval, holding up to burst tokens.
func NewSampledLogger(base *log.Logger, every time.Duration, burst int) *SampledLogger {
	if burst < 1 {
		burst = 1
	}
	return &SampledLogger{
		base:  base,
		every: rate.Every(every),
		burst: burst,
		keys:  xsync.NewMap[string, *sampleKey](),
	}
}

func (s *SampledLogger) allow(key string) (uint64, bool) {
	k, _ := s.keys.LoadOrCompute(key, func() (*sampleKey, bool) {
		return &sampleKey{limiter: rate.NewLimiter(s.every, s.burst)}, false
	})
	if !k.limiter.Allow() {
		k.suppressed.Add(1)
		return 0, false
	}
	return k.suppressed.Swap(0), true
}

func (s *SampledLogger) sampled(key string, level log.Level) *log.Entry {
	if level < s.base.Level {
		// Level disabled, don't spend a token.
		return nil
	}
	n, ok := s.allow(key)
	if !ok {
		return nil
	}
	var e *log.Entry
	if level == log.WarnLevel {
		e = s.base.Warn()
	} else {
		e = s.base.Error()
	}
	e = e.Str("sample_key", key)
	if n > 0 {
		e = e.Uint64("suppressed", n)
	}
	return e
}

// SampledError starts an error entry for key, or returns nil when sampled out.
func (s *SampledLogger) SampledError(key string) *log.Entry {
	return s.sampled(key, log.ErrorLevel)
}

// SampledWarn starts a warning entry for key, or returns nil when sampled out.
func (s *SampledLogger) SampledWarn(key string) *log.Entry {
	return s.sampled(key, log.WarnLevel)
}

// Suppressed returns the number of entries currently held back for key.
func (s *SampledLogger) Suppressed(key string) uint64 {
	if k, ok := s.keys.Load(key); ok {
		return k.suppressed.Load()
	}
	return 0
}

// Logger returns the underlying unsampled logger.
func (s *SampledLogger) Logger() *log.Logger { return s.base }
