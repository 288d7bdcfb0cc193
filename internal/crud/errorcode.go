package crud

import "strconv"

// Error is a protocol error code.
type Error int32

// Protocol error codes.
const (
	ErrorFailed         = Error(1) // The store set the result bit.
	ErrorNotConnected   = Error(2) // No session is open.
	ErrorTooLarge       = Error(3) // Payload doesn't fit in the length field.
	ErrorUnknownRequest = Error(4) // Request type or opcode isn't part of the protocol.
	ErrorMalformed      = Error(5) // Message framing doesn't match the protocol.
)

var errorDescriptions = map[Error]string{
	ErrorFailed:         "operation failed",
	ErrorNotConnected:   "not connected",
	ErrorTooLarge:       "object too large",
	ErrorUnknownRequest: "unknown request",
	ErrorMalformed:      "malformed message",
}

// Error prints the description of the error.
func (e Error) Error() string {
	desc := errorDescriptions[e]
	if desc != "" {
		return desc
	}
	return "CRUD error " + strconv.Itoa(int(e))
}
