package tof

import "context"

type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// OutputPin drives a single digital line (chip enable, select).
type OutputPin interface {
	Set(ctx context.Context, level Level) error
}

// EdgeWaiter blocks until an edge is seen on a digital input or ctx is done.
type EdgeWaiter interface {
	WaitForEdge(ctx context.Context) error
}
