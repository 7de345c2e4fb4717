package gpio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
)

type fakeBoard struct {
	written map[string][]byte
	levels  []int
	reads   int
	err     error
}

func (b *fakeBoard) DigitalWrite(pin string, val byte) error {
	if b.written == nil {
		b.written = map[string][]byte{}
	}
	b.written[pin] = append(b.written[pin], val)
	return b.err
}

func (b *fakeBoard) DigitalRead(pin string) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	i := b.reads
	b.reads++
	if i >= len(b.levels) {
		return 1, nil
	}
	return b.levels[i], nil
}

func TestGobotOutput(t *testing.T) {
	board := &fakeBoard{}
	out := NewGobotOutput(board, "7")

	require.NoError(t, out.Set(context.Background(), tof.High))
	require.NoError(t, out.Set(context.Background(), tof.Low))
	assert.Equal(t, []byte{1, 0}, board.written["7"])

	board.err = errors.New("export failed")
	assert.ErrorContains(t, out.Set(context.Background(), tof.High), "could not set pin 7 high")
}

func TestGobotInterrupt(t *testing.T) {
	tests := []struct {
		name      string
		levels    []int
		fallback  time.Duration
		timeout   time.Duration
		wantErr   error
		wantReads int
	}{
		{name: "low on third read", levels: []int{1, 1, 0}, timeout: time.Second, wantReads: 3},
		{name: "already low", levels: []int{0}, timeout: time.Second, wantReads: 1},
		{name: "context done", timeout: 5 * time.Millisecond, wantErr: context.DeadlineExceeded},
		{name: "fallback", fallback: 5 * time.Millisecond, timeout: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			board := &fakeBoard{levels: tt.levels}
			irq := NewGobotInterrupt(board, "11", time.Millisecond, WithFallback(tt.fallback))
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			err := irq.WaitForEdge(ctx)

			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantReads > 0 {
				assert.Equal(t, tt.wantReads, board.reads)
			}
		})
	}
}
