package cmd

import "time"

// governorVerdict says whether the job may keep going and, if not, which
// ceiling stopped it.
type governorVerdict int

const (
	governorProceed governorVerdict = iota
	governorRequestCap
	governorDurationCap
)

// ResourceGovernor enforces the job-wide ceilings on requests issued and
// elapsed wall-clock time. It is checked before every channel and before
// every page; a breach is a cooperative stopping condition, not a failure,
// and in-flight work is still flushed and checkpointed.
type ResourceGovernor struct {
	requestCap  int64
	durationCap time.Duration
	startedAt   time.Time

	// now is stubbed in tests
	now func() time.Time
}

// NewResourceGovernor creates a governor with the configured ceilings
// (0 disables the corresponding cap) and starts its clock.
func NewResourceGovernor(requestCap int64, durationCap time.Duration) *ResourceGovernor {
	g := &ResourceGovernor{
		requestCap:  requestCap,
		durationCap: durationCap,
		now:         time.Now,
	}
	g.startedAt = g.now()
	return g
}

// Check compares cumulative requests and elapsed time against the ceilings.
func (g *ResourceGovernor) Check(requests int64) governorVerdict {
	if g.requestCap > 0 && requests >= g.requestCap {
		return governorRequestCap
	}
	if g.durationCap > 0 && g.now().Sub(g.startedAt) >= g.durationCap {
		return governorDurationCap
	}
	return governorProceed
}

// Elapsed returns wall-clock time since the governor started.
func (g *ResourceGovernor) Elapsed() time.Duration {
	return g.now().Sub(g.startedAt)
}
