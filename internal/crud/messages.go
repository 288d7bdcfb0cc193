package crud

import "fmt"

// Protocol request types. Each type carries only the fields its operation
// needs; EncodeRequest turns them into a Header and optional payload.
type (
	// InitRequest opens a session.
	InitRequest struct{}

	// FormatRequest deletes every object in the store, including the priority
	// object.
	FormatRequest struct{}

	// CloseRequest closes a session.
	CloseRequest struct{}

	CreateRequest struct {
		Flags Flags  // FlagPriorityObject to create the priority object.
		Data  []byte // Contents of the new object.
	}

	ReadRequest struct {
		OID    OID    // Object to read. Ignored for the priority object.
		Flags  Flags  // FlagPriorityObject to read the priority object.
		Length uint32 // Expected object size.
	}

	UpdateRequest struct {
		OID   OID    // Object to replace. Ignored for the priority object.
		Flags Flags  // FlagPriorityObject to update the priority object.
		Data  []byte // New contents. Must match the size of the object.
	}

	DeleteRequest struct {
		OID OID // Object to delete.
	}
)

func (*InitRequest) crudRequest()   {}
func (*FormatRequest) crudRequest() {}
func (*CloseRequest) crudRequest()  {}
func (*CreateRequest) crudRequest() {}
func (*ReadRequest) crudRequest()   {}
func (*UpdateRequest) crudRequest() {}
func (*DeleteRequest) crudRequest() {}

// GetOp returns the Op for a request type.
func GetOp(r Request) (Op, error) {
	switch r.(type) {
	case *InitRequest:
		return OpInit, nil
	case *FormatRequest:
		return OpFormat, nil
	case *CloseRequest:
		return OpClose, nil
	case *CreateRequest:
		return OpCreate, nil
	case *ReadRequest:
		return OpRead, nil
	case *UpdateRequest:
		return OpUpdate, nil
	case *DeleteRequest:
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("%T: %w", r, ErrorUnknownRequest)
	}
}

// EncodeRequest converts r into the Header to send and the payload which must
// follow it. The payload is nil for requests which don't carry one.
func EncodeRequest(r Request) (Header, []byte, error) {
	switch r := r.(type) {
	case *InitRequest:
		return Header{Op: OpInit}, nil, nil
	case *FormatRequest:
		return Header{Op: OpFormat}, nil, nil
	case *CloseRequest:
		return Header{Op: OpClose}, nil, nil

	case *CreateRequest:
		if len(r.Data) > MaxLength {
			return Header{}, nil, fmt.Errorf("create of %d bytes: %w", len(r.Data), ErrorTooLarge)
		}
		return Header{Op: OpCreate, Length: uint32(len(r.Data)), Flags: r.Flags}, r.Data, nil

	case *ReadRequest:
		if r.Length > MaxLength {
			return Header{}, nil, fmt.Errorf("read of %d bytes: %w", r.Length, ErrorTooLarge)
		}
		return Header{OID: r.OID, Op: OpRead, Length: r.Length, Flags: r.Flags}, nil, nil

	case *UpdateRequest:
		if len(r.Data) > MaxLength {
			return Header{}, nil, fmt.Errorf("update of %d bytes: %w", len(r.Data), ErrorTooLarge)
		}
		return Header{OID: r.OID, Op: OpUpdate, Length: uint32(len(r.Data)), Flags: r.Flags}, r.Data, nil

	case *DeleteRequest:
		return Header{OID: r.OID, Op: OpDelete}, nil, nil

	default:
		return Header{}, nil, fmt.Errorf("%T: %w", r, ErrorUnknownRequest)
	}
}

// DecodeRequest is the inverse of EncodeRequest. payload must be exactly
// h.Length bytes for requests which carry one and is ignored otherwise.
func DecodeRequest(h Header, payload []byte) (Request, error) {
	if RequestHasPayload(h.Op) && uint32(len(payload)) != h.Length {
		return nil, fmt.Errorf("%s payload is %d bytes, header says %d: %w", h.Op, len(payload), h.Length, ErrorMalformed)
	}

	switch h.Op {
	case OpInit:
		return &InitRequest{}, nil
	case OpFormat:
		return &FormatRequest{}, nil
	case OpClose:
		return &CloseRequest{}, nil
	case OpCreate:
		return &CreateRequest{Flags: h.Flags, Data: payload}, nil
	case OpRead:
		return &ReadRequest{OID: h.OID, Flags: h.Flags, Length: h.Length}, nil
	case OpUpdate:
		return &UpdateRequest{OID: h.OID, Flags: h.Flags, Data: payload}, nil
	case OpDelete:
		return &DeleteRequest{OID: h.OID}, nil
	default:
		return nil, fmt.Errorf("opcode %s: %w", h.Op, ErrorUnknownRequest)
	}
}
