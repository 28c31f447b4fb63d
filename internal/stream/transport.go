package stream

import (
	"context"
	"encoding/json"
)

// Message is one named event received from the detection service.
type Message struct {
	Event string
	Data  json.RawMessage
}

// Transport is an open connection to the detection service. Messages is
// closed when the connection ends; Err then reports why.
type Transport interface {
	Emit(event string, payload any) error
	Messages() <-chan Message
	Err() error
	Close() error
}

// Dialer opens transports. Dial must give up when ctx is done.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}
