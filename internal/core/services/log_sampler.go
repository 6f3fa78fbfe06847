package services

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// logSampler bounds how often a repeated log line reaches the sink and
// counts the lines it drops.
type logSampler struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
	field      string
}

func newLogSampler(perSecond float64, burst int, field string) *logSampler {
	return &logSampler{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		field:   field,
	}
}

// allow reports whether the line may be written. When it may, fields gains
// the number of lines dropped since the last one written.
func (s *logSampler) allow(fields []zap.Field) (bool, []zap.Field) {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return false, fields
	}
	if n := s.suppressed.Swap(0); n > 0 {
		fields = append(fields, zap.Int64(s.field, n))
	}
	return true, fields
}
