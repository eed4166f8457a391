package download

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// throttledReader caps the read rate of a response body.
type throttledReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

func newLimiter(bytesPerSecond int64, bufferSize int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if burst < bufferSize {
		burst = bufferSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	n, err := tr.reader.Read(p)
	if n > 0 {
		if werr := tr.limiter.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// progressGate throttles progress events: one fires only once both the byte
// and time thresholds have been exceeded since the previous one.
type progressGate struct {
	minBytes    int64
	minInterval time.Duration

	lastBytes int64
	lastTime  time.Time
}

func (g *progressGate) ready(downloaded int64, now time.Time) bool {
	if downloaded-g.lastBytes <= g.minBytes || now.Sub(g.lastTime) <= g.minInterval {
		return false
	}
	g.lastBytes = downloaded
	g.lastTime = now
	return true
}
