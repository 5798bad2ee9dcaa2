package kernel

import "errors"

var (
	// ErrLedgerRequired is returned by NewKernel when no ledger is
	// wired. The kernel never evaluates without an audit trail.
	ErrLedgerRequired = errors.New("kernel: decision ledger is required")

	// ErrRegistryRequired is returned by NewKernel when no action type
	// registry is wired.
	ErrRegistryRequired = errors.New("kernel: action type registry is required")

	// ErrUnknownAction is returned when an operation references an
	// action id the kernel has never evaluated.
	ErrUnknownAction = errors.New("kernel: unknown action")

	// ErrActionClosed is returned when an operation targets an action
	// whose lifecycle already finished.
	ErrActionClosed = errors.New("kernel: action lifecycle already closed")
)
