package tof

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// I2CTxBus is a bus able to write then read within a single transaction
// (repeated start, no stop in between).
type I2CTxBus interface {
	I2CBus
	TxToAddr(ctx context.Context, address byte, w, r []byte) error
}

// TransferLimiter is implemented by buses with a hardware limit on the
// number of bytes moved in one transaction. Zero means no limit.
type TransferLimiter interface {
	MaxTransfer() (read int, write int)
}
