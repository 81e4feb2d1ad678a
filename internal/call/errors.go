package call

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCallEnded is returned by blocking operations once the caller has
	// hung up or the gateway dropped the channel.
	ErrCallEnded = errors.New("call ended")
	// ErrUnimplemented marks protocol flows that are known but not built.
	ErrUnimplemented = errors.New("unimplemented")
)

// InvalidMessageError reports a gateway message of an unknown type.
type InvalidMessageError struct {
	Type    string
	Payload json.RawMessage
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("unknown message type %q: %s", e.Type, string(e.Payload))
}
