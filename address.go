package tof

import "fmt"

// Address is a 7-bit I2C device address.
type Address uint8

// DefaultAddress is the factory address of every VL53L5CX chip.
const DefaultAddress Address = 0x29

var ErrInvalidAddress = fmt.Errorf("address does not fit in 7 bits")

func NewAddress(v uint8) (Address, error) {
	if v >= 0x80 {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidAddress, v)
	}
	return Address(v), nil
}

func (a Address) String() string {
	return fmt.Sprintf("%#02x", uint8(a))
}
