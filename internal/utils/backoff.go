package utils

import (
	"context"
	"time"
)

// PollBackoff spaces out sync passes. Passes that make progress keep the base
// interval; each idle pass doubles the wait up to the ceiling.
type PollBackoff struct {
	base    time.Duration
	ceiling time.Duration
	current time.Duration
	idle    int
}

// NewPollBackoff returns a PollBackoff waiting base between productive passes.
// A ceiling below base is raised to base.
func NewPollBackoff(base, ceiling time.Duration) *PollBackoff {
	if ceiling < base {
		ceiling = base
	}
	return &PollBackoff{base: base, ceiling: ceiling, current: base}
}

// Observe records the outcome of a pass and returns the wait before the next one
func (p *PollBackoff) Observe(progress bool) time.Duration {
	if progress {
		p.idle = 0
		p.current = p.base
		return p.current
	}
	p.idle++
	if next := p.current * 2; next < p.ceiling {
		p.current = next
	} else {
		p.current = p.ceiling
	}
	return p.current
}

// Interval is the wait chosen by the last Observe
func (p *PollBackoff) Interval() time.Duration {
	return p.current
}

// IdlePasses is the number of consecutive passes without progress
func (p *PollBackoff) IdlePasses() int {
	return p.idle
}

// Wait blocks for the current interval. It returns ctx.Err() if ctx ends first.
func (p *PollBackoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(p.current)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
