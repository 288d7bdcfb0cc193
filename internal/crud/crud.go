// Package crud implements the CRUD object store protocol. CRUD stands for
// "Create, Read, Update, Delete", the four operations the remote store
// understands besides session setup, formatting and teardown.
//
// Every message starts with a single 64-bit Record which packs five fields
// (object ID, opcode, length, flags and result) and is used as both the
// request and the response. Some messages are followed by a payload whose
// size is given by the length field of the record:
//
//   - requests carry a payload for OpCreate and OpUpdate.
//   - responses carry a payload when their opcode is OpRead.
//
// There are no other delimiters; both sides must agree on these rules. See
// the client subpackage for a transport.
package crud

// Request is used for protocol request messages which are sent to the object
// store. Each request type maps to exactly one Op.
type Request interface {
	crudRequest()
}

// Response is a decoded response from the object store. Data is only set for
// responses to OpRead.
type Response struct {
	Header Header
	Data   []byte
}

// Err returns an error if the object store reported a failure for the
// response.
func (r Response) Err() error {
	if r.Header.Result == ResultFailure {
		return &OpError{Op: r.Header.Op, OID: r.Header.OID, Err: ErrorFailed}
	}
	return nil
}

// OpError records a failure reported for a specific operation.
type OpError struct {
	Op  Op
	OID OID
	Err error
}

func (e *OpError) Error() string {
	if e.OID == 0 {
		return e.Op.String() + ": " + e.Err.Error()
	}
	return e.Op.String() + " " + e.OID.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error { return e.Err }
