package signaling

import "fmt"

// WebSocket close codes for fatal connect failures. 4xxx is the
// application-reserved range.
const (
	CloseAuthFailed   = 4001
	CloseForbidden    = 4003
	CloseRoomFull     = 4004
	CloseServerError  = 4500
	CloseNormalLeave  = 1000
	CloseGoingAwayMsg = "server shutting down"
)

// AuthenticationError means the credential was missing or invalid. Fatal to
// the connection attempt.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// PermissionError means the caller is authenticated but not allowed into the
// room. Fatal to the connection attempt.
type PermissionError struct {
	UserID string
	RoomID string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s is not authorized for room %s", e.UserID, e.RoomID)
}

// RoomFullError means the room is at capacity. Fatal to the connection
// attempt.
type RoomFullError struct {
	RoomID string
	Max    int
}

func (e *RoomFullError) Error() string {
	return fmt.Sprintf("room %s is full (max %d participants)", e.RoomID, e.Max)
}

// MalformedMessageError means an inbound message failed envelope validation.
// Recoverable: the message is dropped and the client receives a typed error.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return "malformed message: " + e.Reason
}

// BusUnavailableError wraps a transient coordination-bus failure.
type BusUnavailableError struct {
	Op  string
	Err error
}

func (e *BusUnavailableError) Error() string {
	return fmt.Sprintf("bus unavailable during %s: %v", e.Op, e.Err)
}

func (e *BusUnavailableError) Unwrap() error { return e.Err }

// FeatureDisabledError means the room's settings reject this message kind.
// Recoverable, same handling as a malformed message.
type FeatureDisabledError struct {
	RoomID  string
	Feature string
}

func (e *FeatureDisabledError) Error() string {
	return fmt.Sprintf("feature %s is disabled in room %s", e.Feature, e.RoomID)
}
