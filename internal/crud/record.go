package crud

import "encoding/binary"

// HeaderSize is the size of an encoded Record on the wire.
const HeaderSize = 8

// Record is the packed form of a Header. From the most significant bit:
//
//	bits 63-32: object ID
//	bits 31-28: opcode
//	bits 27-4:  length
//	bits 3-1:   flags
//	bit  0:     result
type Record uint64

// Field masks and shifts.
const (
	oidShift    = 32
	opShift     = 28
	lengthShift = 4
	flagsShift  = 1

	oidMask    = 1<<32 - 1
	opMask     = 1<<4 - 1
	lengthMask = 1<<24 - 1
	flagsMask  = 1<<3 - 1
	resultMask = 1
)

// Header is the unpacked form of a Record.
type Header struct {
	OID    OID    // Object the request is for.
	Op     Op     // Operation.
	Length uint32 // Payload length. Only the low 24 bits are encoded.
	Flags  Flags  // Flags. Only the low 3 bits are encoded.
	Result Result // Outcome. Only the low bit is encoded.
}

// Encode packs the five fields into a Record. Every field is masked to its
// width first: values too wide for their field are truncated, never
// rejected.
func Encode(oid OID, op Op, length uint32, flags Flags, result Result) Record {
	r := (uint64(oid) & oidMask) << oidShift
	r |= (uint64(op) & opMask) << opShift
	r |= (uint64(length) & lengthMask) << lengthShift
	r |= (uint64(flags) & flagsMask) << flagsShift
	r |= uint64(result) & resultMask
	return Record(r)
}

// Decode unpacks r into its five fields.
func Decode(r Record) (oid OID, op Op, length uint32, flags Flags, result Result) {
	oid = OID((uint64(r) >> oidShift) & oidMask)
	op = Op((uint64(r) >> opShift) & opMask)
	length = uint32((uint64(r) >> lengthShift) & lengthMask)
	flags = Flags((uint64(r) >> flagsShift) & flagsMask)
	result = Result(uint64(r) & resultMask)
	return
}

// Record packs h.
func (h Header) Record() Record {
	return Encode(h.OID, h.Op, h.Length, h.Flags, h.Result)
}

// Header unpacks r.
func (r Record) Header() Header {
	var h Header
	h.OID, h.Op, h.Length, h.Flags, h.Result = Decode(r)
	return h
}

// PutRecord writes r into b in network byte order. b must be at least
// HeaderSize bytes.
func PutRecord(b []byte, r Record) {
	binary.BigEndian.PutUint64(b, uint64(r))
}

// ReadRecord reads a Record in network byte order from b. b must be at least
// HeaderSize bytes.
func ReadRecord(b []byte) Record {
	return Record(binary.BigEndian.Uint64(b))
}
