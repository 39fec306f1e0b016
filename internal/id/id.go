package id

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMax         = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// Generator produces unique, time-sortable job IDs (Snowflake layout).
type Generator struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
}

func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > nodeMax {
		return nil, errors.New("node ID too large")
	}
	return &Generator{nodeID: nodeID}, nil
}

// Next returns a new ID rendered as an opaque base-36 string.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < g.timestamp {
		// Clock regressed, hold the last timestamp to prevent duplicates
		now = g.timestamp
	}

	if now == g.timestamp {
		g.step = (g.step + 1) & stepMax
		if g.step == 0 {
			// Sequence exhausted for this millisecond, wait for next
			for now <= g.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.step = 0
	}

	g.timestamp = now

	raw := ((now - epoch) << timeShift) | (g.nodeID << nodeShift) | g.step
	return strconv.FormatInt(raw, 36)
}
