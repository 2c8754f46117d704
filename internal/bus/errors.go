package bus

import "errors"

var (
	// ErrConnect reports a failure to reach or set up the broker.
	ErrConnect = errors.New("bus connect failed")
	// ErrPublish reports a publish that failed after its retry budget.
	ErrPublish = errors.New("bus publish failed")
	// ErrClosed is returned by brokers used after Close.
	ErrClosed = errors.New("bus broker closed")
	// ErrAlreadyListening is returned when Listen is called twice concurrently.
	ErrAlreadyListening = errors.New("bus adapter is already listening")
)
