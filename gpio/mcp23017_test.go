package gpio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
)

// MockI2CBus is a mock implementation of tof.I2CBus using testify/mock
type MockI2CBus struct {
	mock.Mock
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok && len(data) <= len(buffer) {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestMCP23017_Output(t *testing.T) {
	bus := &MockI2CBus{}
	ctx := context.Background()
	bus.On("WriteToAddr", ctx, byte(0x21), []byte{0x14, 0x04}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x21), []byte{0x14, 0x06}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x21), []byte{0x15, 0x80}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x21), []byte{0x14, 0x02}).Return(nil).Once()
	m := NewMCP23017(bus, DefaultMCP23017Address)

	require.NoError(t, m.Output(2).Set(ctx, tof.High))
	require.NoError(t, m.Output(1).Set(ctx, tof.High))
	require.NoError(t, m.Output(15).Set(ctx, tof.High))
	require.NoError(t, m.Output(2).Set(ctx, tof.Low))

	bus.AssertExpectations(t)
	assert.Error(t, m.SetPin(ctx, 16, tof.High))
}

func TestMCP23017_InitOutputs(t *testing.T) {
	bus := &MockI2CBus{}
	ctx := context.Background()
	for _, w := range [][]byte{{0x0A, 0x00}, {0x00, 0x00}, {0x10, 0x00}} {
		bus.On("WriteToAddr", ctx, byte(0x21), w).Return(nil).Once()
	}
	m := NewMCP23017(bus, DefaultMCP23017Address, WithBank(1))

	require.NoError(t, m.InitOutputs(ctx))
	bus.AssertExpectations(t)
}

func TestMCP23017_Retry(t *testing.T) {
	tests := []struct {
		name    string
		errs    []error
		wantErr string
		release int
	}{
		{name: "busy then ok", errs: []error{tof.ErrBusBusy, nil}, release: 1},
		{name: "busy until limit", errs: []error{tof.ErrBusBusy, tof.ErrBusBusy}, wantErr: "retry limit reached", release: 2},
		{name: "other error", errs: []error{errors.New("nack")}, wantErr: "could not initialize gpio B set: nack"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &MockI2CBus{}
			ctx := context.Background()
			for _, err := range tt.errs {
				bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x01, 0xFF}).Return(err).Once()
			}
			bus.On("Release", ctx).Return(nil)
			m := NewMCP23017(bus, 0x20, WithRetryLimit(2))

			err := m.InitB(ctx, 0xFF)

			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
			bus.AssertNumberOfCalls(t, "Release", tt.release)
		})
	}
}

func TestMCP23017_Read(t *testing.T) {
	bus := &MockI2CBus{}
	ctx := context.Background()
	bus.On("WriteToAddr", ctx, byte(0x21), []byte{0x12}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x21), []byte{0x13}).Return(nil).Once()
	bus.On("ReadFromAddr", ctx, byte(0x21), mock.Anything).Return([]byte{0xA5}, nil).Once()
	bus.On("ReadFromAddr", ctx, byte(0x21), mock.Anything).Return([]byte{0x5A}, nil).Once()
	m := NewMCP23017(bus, DefaultMCP23017Address)

	res, err := m.Read(ctx)

	require.NoError(t, err)
	assert.Equal(t, []byte{0xA5, 0x5A}, res)
}
