package cdp

import (
	"fmt"

	"github.com/autoaccept/cdpdriver/types"
)

// Sentinels for errors.Is. Matching is by code, so any error carrying the
// same code compares equal regardless of message or session.
var (
	ErrNoSession     = types.NewError(types.ErrNoSession, "no open session")
	ErrCallTimeout   = types.NewError(types.ErrCallTimeout, "call timed out")
	ErrSessionClosed = types.NewError(types.ErrSessionClosed, "session closed")
	ErrProtocol      = types.NewError(types.ErrProtocolError, "protocol error")
)

func noSessionError(key SessionKey) error {
	return types.NewError(types.ErrNoSession, fmt.Sprintf("no open session for %s", key)).
		WithSession(string(key))
}

func callTimeoutError(key SessionKey, id int64) error {
	return types.NewError(types.ErrCallTimeout, fmt.Sprintf("no reply to request %d", id)).
		WithSession(string(key)).
		WithRetryable(true)
}

func sessionClosedError(key SessionKey, cause error) error {
	return types.NewError(types.ErrSessionClosed, "connection closed").
		WithSession(string(key)).
		WithCause(cause)
}

func protocolError(key SessionKey, perr *ProtocolError) error {
	return types.NewError(types.ErrProtocolError, perr.Message).
		WithSession(string(key)).
		WithCause(perr)
}

func serializationError(key SessionKey, cause error) error {
	return types.NewError(types.ErrSerializationFailure, "decode evaluate result").
		WithSession(string(key)).
		WithCause(cause)
}
