package modem

import "errors"

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if the Dialer returned no transport or if the Modem was
	// not created via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop or Start is called a second time.
	ErrLoopRunning = errors.New("modem loop already started")

	// ErrLoopNotRunning is returned by Execute before Loop or Start was called.
	ErrLoopNotRunning = errors.New("modem loop not running")

	// ErrSessionClosed is the terminal outcome of a transaction that was
	// pending, or waiting for its turn, when the session ended.
	ErrSessionClosed = errors.New("session closed")

	// ErrTimeout is the outcome of a transaction that received neither an
	// acknowledgement nor a negative acknowledgement in time.
	//
	// Callers decide whether to retry; the modem never retries on its own.
	ErrTimeout = errors.New("command timeout")

	// ErrInvalidArgument is returned when a command is rejected before
	// anything is written to the transport, for example an empty command, a
	// key of the wrong length or a port out of range.
	ErrInvalidArgument = errors.New("invalid argument")
)
