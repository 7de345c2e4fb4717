package tof

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	tests := []struct {
		given   uint8
		wantErr bool
	}{
		{0x00, false},
		{0x29, false},
		{0x7F, false},
		{0x80, true},
		{0xFF, true},
	}
	for _, tt := range tests {
		t.Run(Address(tt.given).String(), func(t *testing.T) {
			addr, err := NewAddress(tt.given)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Address(tt.given), addr)
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "low", Low.String())
}
