package syncwire

import "fmt"

// RemoteError is a non-success answer from a remote sink.
// Retryable marks failures the outbox should put back on the queue.
type RemoteError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e RemoteError) Error() string {
	if e.Message != "" {
		if e.Code != "" {
			return fmt.Sprintf("%s: %s", e.Code, e.Message)
		}
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "remote sync error"
}
