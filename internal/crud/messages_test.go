package crud

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	data := []byte("hello")

	tt := []struct {
		name    string
		req     Request
		header  Header
		payload []byte
	}{
		{"init", &InitRequest{}, Header{Op: OpInit}, nil},
		{"format", &FormatRequest{}, Header{Op: OpFormat}, nil},
		{"close", &CloseRequest{}, Header{Op: OpClose}, nil},
		{"create", &CreateRequest{Data: data}, Header{Op: OpCreate, Length: 5}, data},
		{"create priority", &CreateRequest{Flags: FlagPriorityObject, Data: data}, Header{Op: OpCreate, Length: 5, Flags: FlagPriorityObject}, data},
		{"read", &ReadRequest{OID: 9, Length: 12}, Header{OID: 9, Op: OpRead, Length: 12}, nil},
		{"update", &UpdateRequest{OID: 9, Data: data}, Header{OID: 9, Op: OpUpdate, Length: 5}, data},
		{"delete", &DeleteRequest{OID: 9}, Header{OID: 9, Op: OpDelete}, nil},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			h, payload, err := EncodeRequest(tc.req)
			require.NoError(t, err)
			require.Equal(t, tc.header, h)
			require.Equal(t, tc.payload, payload)
			require.Equal(t, RequestHasPayload(h.Op), payload != nil)

			op, err := GetOp(tc.req)
			require.NoError(t, err)
			require.Equal(t, h.Op, op)

			// Requests must survive a trip through the wire format.
			decoded, err := DecodeRequest(h.Record().Header(), payload)
			require.NoError(t, err)
			require.Equal(t, tc.req, decoded)
		})
	}
}

func TestEncodeRequest_TooLarge(t *testing.T) {
	_, _, err := EncodeRequest(&CreateRequest{Data: make([]byte, MaxLength+1)})
	require.True(t, errors.Is(err, ErrorTooLarge))

	_, _, err = EncodeRequest(&ReadRequest{OID: 1, Length: MaxLength + 1})
	require.True(t, errors.Is(err, ErrorTooLarge))
}

func TestDecodeRequest_Errors(t *testing.T) {
	_, err := DecodeRequest(Header{Op: OpCreate, Length: 4}, []byte("abc"))
	require.True(t, errors.Is(err, ErrorMalformed))

	_, err = DecodeRequest(Header{Op: 12}, nil)
	require.True(t, errors.Is(err, ErrorUnknownRequest))
}

func TestResponseHasPayload(t *testing.T) {
	for op := Op(0); op < 16; op++ {
		require.Equal(t, op == OpRead, ResponseHasPayload(op), "op %s", op)
	}
}
