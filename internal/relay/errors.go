package relay

import "fmt"

// SlowConsumer describes a connection whose transport buffer has grown
// past client_buffer_limit. The Buffer Monitor and the broadcast step's
// inline back-pressure check evict such connections directly (see evict);
// neither constructs this error.
type SlowConsumer struct {
	ConnID    string
	Buffered  int
	LimitSize int
}

func (e *SlowConsumer) Error() string {
	return fmt.Sprintf("relay: connection %s buffered %d exceeds limit %d", e.ConnID, e.Buffered, e.LimitSize)
}

// OverCapacity is raised at upgrade time when the Connection Set is already
// at connection_limit.
type OverCapacity struct {
	Limit int
}

func (e *OverCapacity) Error() string {
	return fmt.Sprintf("relay: connection limit reached (%d)", e.Limit)
}

// ClientSendError wraps a transport write failure for one connection. It is
// logged and otherwise ignored — the broadcast loop never aborts because of
// it.
type ClientSendError struct {
	ConnID string
	Err    error
}

func (e *ClientSendError) Error() string {
	return fmt.Sprintf("relay: send to %s failed: %v", e.ConnID, e.Err)
}

func (e *ClientSendError) Unwrap() error { return e.Err }

// Stopped is the reason recorded on the global stop future when the upstream
// could not be opened or a non-ignored decode error arrived; Register also
// returns it once the relay has stopped.
type Stopped struct {
	Reason string
	Err    error
}

func (e *Stopped) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay stopped: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("relay stopped: %s", e.Reason)
}

func (e *Stopped) Unwrap() error { return e.Err }
