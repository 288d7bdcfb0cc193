package crudio

import "strconv"

// Error is an error code returned by Volume operations. Every Error is
// detected locally before any request is sent to the object store.
type Error int32

// Volume error codes.
const (
	ErrorBadHandle    = Error(1)  // Handle is out of range or unallocated.
	ErrorNotOpen      = Error(2)  // Handle isn't open.
	ErrorAlreadyOpen  = Error(3)  // File is already open.
	ErrorBadPath      = Error(4)  // Path is empty or too long.
	ErrorBadOffset    = Error(5)  // Seek offset is past the end of the file.
	ErrorInvalid      = Error(6)  // Invalid argument.
	ErrorTableFull    = Error(7)  // No free slot in the file table.
	ErrorTooLarge     = Error(8)  // File would exceed the maximum object size.
	ErrorNotMounted   = Error(9)  // Volume has no session with the store.
	ErrorCorruptTable = Error(10) // Persisted file table couldn't be decoded.
	ErrorNotFound     = Error(11) // No file exists with the given path.
)

var errorDescriptions = map[Error]string{
	ErrorBadHandle:    "bad file handle",
	ErrorNotOpen:      "file not open",
	ErrorAlreadyOpen:  "file already open",
	ErrorBadPath:      "bad path",
	ErrorBadOffset:    "offset out of range",
	ErrorInvalid:      "invalid argument",
	ErrorTableFull:    "file table full",
	ErrorTooLarge:     "file too large",
	ErrorNotMounted:   "volume not mounted",
	ErrorCorruptTable: "corrupt file table",
	ErrorNotFound:     "no such file",
}

// Error prints the description of the error.
func (e Error) Error() string {
	desc := errorDescriptions[e]
	if desc != "" {
		return desc
	}
	return "crudio error " + strconv.Itoa(int(e))
}
