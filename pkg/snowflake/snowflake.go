// Package snowflake generates time-ordered 63-bit ids. The client uses it
// for optimistic message ids, the api for server message ids.
package snowflake

import (
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	mu    sync.Mutex
	clock clock.Clock
	time  int64
	node  int64
	step  int64
}

func NewNode(node int64, c clock.Clock) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.Errorf("node number must be between 0 and %d", nodeMax)
	}
	if c == nil {
		c = clock.New()
	}
	return &Node{clock: c, node: node}, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now().UnixMilli()
	if now < n.time {
		// Clock moved backwards; keep issuing from the last instant.
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			// Step exhausted for this millisecond: borrow the next one
			// rather than spin on the clock.
			now++
		}
	} else {
		n.step = 0
	}
	n.time = now

	return ((now - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// String returns Generate formatted in base 10, prefixed when prefix is set.
func (n *Node) String(prefix string) string {
	return prefix + strconv.FormatInt(n.Generate(), 10)
}
