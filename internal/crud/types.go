package crud

import (
	"fmt"
	"strconv"
)

// MaxLength is the largest payload (and therefore object) size which can be
// described by the 24-bit length field.
const MaxLength = 1<<24 - 1

// ID and enum types.
type (
	// OID identifies an object in the store. 0 is never a valid object and is
	// used to mean "no object assigned".
	OID uint32

	// Op is the 4-bit operation code of a Record.
	Op uint8

	// Flags is a 3-bit side channel attached to a Record.
	Flags uint8

	// Result is the 1-bit outcome of a Record. Requests always send
	// ResultSuccess.
	Result uint8
)

// Opcodes understood by the object store.
const (
	OpInit   Op = 0 // Open a session. The client connects before sending it.
	OpCreate Op = 1 // Create a new object from the payload.
	OpRead   Op = 2 // Read a whole object.
	OpUpdate Op = 3 // Replace the contents of an object of the same size.
	OpDelete Op = 4 // Delete an object.
	OpFormat Op = 5 // Delete every object in the store.
	OpClose  Op = 6 // Close the session. The client disconnects afterwards.
)

// Flag values.
const (
	FlagNone           Flags = 0
	FlagPriorityObject Flags = 4 // Operate on the reserved priority object.
)

// Result values.
const (
	ResultSuccess Result = 0
	ResultFailure Result = 1
)

var opNames = map[Op]string{
	OpInit:   "INIT",
	OpCreate: "CREATE",
	OpRead:   "READ",
	OpUpdate: "UPDATE",
	OpDelete: "DELETE",
	OpFormat: "FORMAT",
	OpClose:  "CLOSE",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "OP(" + strconv.Itoa(int(o)) + ")"
}

// String implements fmt.Stringer.
func (f Flags) String() string {
	switch f {
	case FlagNone:
		return "none"
	case FlagPriorityObject:
		return "priority"
	default:
		return fmt.Sprintf("flags(%#x)", uint8(f))
	}
}

// String implements fmt.Stringer.
func (o OID) String() string {
	return fmt.Sprintf("oid(%d)", uint32(o))
}

// RequestHasPayload reports whether requests for op are followed by a payload.
func RequestHasPayload(op Op) bool {
	return op == OpCreate || op == OpUpdate
}

// ResponseHasPayload reports whether responses for op are followed by a
// payload.
func ResponseHasPayload(op Op) bool {
	return op == OpRead
}
