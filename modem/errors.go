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
	// This can occur if initialization failed or if the Modem was not created
	// via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrLoopRunning is returned when Loop is called while a previous Loop
	// invocation is still active.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrNotRunning is returned when an operation requires the Loop but it
	// is not running, for example after Bypass stopped it.
	ErrNotRunning = errors.New("modem loop not running")

	// ErrUnsupported is returned for operations the modem or the socket
	// state does not support, such as binding a TLS socket.
	ErrUnsupported = errors.New("operation not supported")

	// ErrNoFreeSocket is returned when all socket slots are in use.
	ErrNoFreeSocket = errors.New("no free socket")

	// ErrSocketClosed is returned when an operation is attempted on a socket
	// that was closed locally.
	ErrSocketClosed = errors.New("socket closed")

	// ErrConnectionRefused is returned when the modem reports a failed
	// connection attempt.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrConnectionReset is returned when the peer or the network dropped an
	// established connection, including the keepalive probe declaring the
	// link dead.
	ErrConnectionReset = errors.New("connection reset")

	// ErrNetworkDown is returned when an operation needs network
	// registration or an active PDP context and neither is available.
	ErrNetworkDown = errors.New("network down")

	// ErrDNSFailure is returned when a hostname cannot be resolved.
	ErrDNSFailure = errors.New("dns resolution failed")

	// ErrNoFix is returned by GNSS position queries before a fix is
	// acquired.
	ErrNoFix = errors.New("no gnss fix")
)
