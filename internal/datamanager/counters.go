package datamanager

import (
	"log"
	"time"

	"vaultd/internal/overlay"
)

// StatusLogInterval is the 120s status-log cadence of §3/§5.
const StatusLogInterval = 120 * time.Second

// Counters tracks per-kind stored chunk counts and the client-Get total,
// logged periodically rather than on every mutation (§3). Grounded on
// the teacher's cmd/server main loop, which logs a coarse periodic
// summary rather than per-request lines.
type Counters struct {
	StoredByKind  map[overlay.DataKind]int
	ClientGets    uint64
	lastStatusLog time.Time
}

// NewCounters builds a zeroed Counters, seeding lastStatusLog so the
// first CheckStatusLog call after construction doesn't immediately fire.
func NewCounters(now time.Time) *Counters {
	return &Counters{
		StoredByKind:  make(map[overlay.DataKind]int),
		lastStatusLog: now,
	}
}

// IncrementClientGet bumps the client-Get counter.
func (c *Counters) IncrementClientGet() {
	c.ClientGets++
}

// IncrementStored records one more stored chunk of kind.
func (c *Counters) IncrementStored(kind overlay.DataKind) {
	c.StoredByKind[kind]++
}

// DecrementStored records one fewer stored chunk of kind, floored at 0.
func (c *Counters) DecrementStored(kind overlay.DataKind) {
	if c.StoredByKind[kind] > 0 {
		c.StoredByKind[kind]--
	}
}

// Total returns the sum of StoredByKind.
func (c *Counters) Total() int {
	total := 0
	for _, n := range c.StoredByKind {
		total += n
	}
	return total
}

// CheckStatusLog logs a summary line via logger and advances the
// cadence marker if StatusLogInterval has elapsed since the last log.
func (c *Counters) CheckStatusLog(now time.Time, logger *log.Logger, used, max uint64) {
	if now.Sub(c.lastStatusLog) < StatusLogInterval {
		return
	}
	c.lastStatusLog = now
	logger.Printf("status: stored=%d client_gets=%d used=%d/%d bytes", c.Total(), c.ClientGets, used, max)
}
