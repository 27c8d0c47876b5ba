// Package hlc stamps commit records with hybrid logical clock timestamps so
// that records written across a failover still order after the ones the
// previous coordinator wrote.
package hlc

import (
	"sync"
	"time"
)

// Clock implements a Hybrid Logical Clock
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	mu       sync.Mutex
	now      func() int64
}

// Timestamp represents a point in time across the cluster
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a new HLC instance
func NewClock(nodeID uint64) *Clock {
	return newClockWithSource(nodeID, func() int64 { return time.Now().UnixNano() })
}

func newClockWithSource(nodeID uint64, now func() int64) *Clock {
	return &Clock{
		nodeID:   nodeID,
		wallTime: now(),
		now:      now,
	}
}

// Now generates a timestamp strictly greater than every timestamp this clock
// has produced or observed.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.now()
	if physical > c.wallTime {
		c.wallTime = physical
		c.logical = 0
	} else {
		c.logical++
	}

	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Observe advances the clock past a timestamp read from storage or a peer.
func (c *Clock) Observe(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// node ids do not order an observed timestamp against the local one
	local := Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: remote.NodeID}
	if Compare(remote, local) > 0 {
		c.wallTime = remote.WallTime
		c.logical = remote.Logical
	}
}

// Compare compares two timestamps
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime != b.WallTime:
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	case a.Logical != b.Logical:
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	case a.NodeID != b.NodeID:
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// IsZero reports whether the timestamp was never set
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}
