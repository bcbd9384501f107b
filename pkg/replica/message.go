package replica

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/marmos91/wanfs/pkg/metadata"
)

// WriteType identifies a forwarded write or its reply.
type WriteType uint8

const (
	// Requests
	WriteBlocks WriteType = iota + 1
	WriteTruncate
	WriteRename
	WriteDetach

	// Replies
	WritePromise
	WriteAccepted
	WriteError
)

func (t WriteType) String() string {
	switch t {
	case WriteBlocks:
		return "write"
	case WriteTruncate:
		return "truncate"
	case WriteRename:
		return "rename"
	case WriteDetach:
		return "detach"
	case WritePromise:
		return "promise"
	case WriteAccepted:
		return "accepted"
	case WriteError:
		return "error"
	default:
		return fmt.Sprintf("write-type(%d)", uint8(t))
	}
}

// WriteBlock is one block version carried by a forwarded write.
type WriteBlock struct {
	BlockID     uint64 `cbor:"id"`
	Version     int64  `cbor:"v"`
	FileVersion int64  `cbor:"fv"`
	Location    uint64 `cbor:"loc"`
	Hash        []byte `cbor:"h,omitempty"`
}

// RemoteError is an error reported by the coordinator.
type RemoteError struct {
	Code    metadata.ErrorCode `cbor:"code"`
	Message string             `cbor:"msg"`
}

// WriteMessage is the unit exchanged with a file's coordinator.
//
// Requests carry the sender's write nonce; the coordinator rejects a
// request whose nonce no longer matches with ErrStale. A Promise reply
// carries the new nonce the sender adopts.
type WriteMessage struct {
	Type      WriteType `cbor:"type"`
	RequestID uuid.UUID `cbor:"req"`
	Gateway   uint64    `cbor:"gw"`

	Volume      uint64 `cbor:"vol"`
	FileID      uint64 `cbor:"fid"`
	FileVersion int64  `cbor:"fv"`
	WriteNonce  int64  `cbor:"wn"`

	Path    string `cbor:"path"`
	NewPath string `cbor:"new_path,omitempty"`

	Size   int64        `cbor:"size"`
	Mtime  time.Time    `cbor:"mtime"`
	Blocks []WriteBlock `cbor:"blocks,omitempty"`

	Err *RemoteError `cbor:"err,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Nanosecond mtimes must survive the round trip
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("replica: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("replica: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewWriteMessage creates a request with a fresh request id.
func NewWriteMessage(typ WriteType, gateway uint64) *WriteMessage {
	return &WriteMessage{Type: typ, RequestID: uuid.New(), Gateway: gateway}
}

// Reply creates a reply to m.
func (m *WriteMessage) Reply(typ WriteType, gateway uint64) *WriteMessage {
	return &WriteMessage{
		Type:        typ,
		RequestID:   m.RequestID,
		Gateway:     gateway,
		Volume:      m.Volume,
		FileID:      m.FileID,
		FileVersion: m.FileVersion,
		Path:        m.Path,
	}
}

// ErrorReply creates an error reply to m carrying err's code.
func (m *WriteMessage) ErrorReply(gateway uint64, err error) *WriteMessage {
	reply := m.Reply(WriteError, gateway)
	code, ok := metadata.CodeOf(err)
	if !ok {
		code = metadata.ErrIO
	}
	reply.Err = &RemoteError{Code: code, Message: err.Error()}
	return reply
}

// AsError converts an error reply into an error; other replies yield nil.
func (m *WriteMessage) AsError() error {
	if m.Type != WriteError {
		return nil
	}
	if m.Err == nil {
		return metadata.NewError(metadata.ErrIO, "coordinator reported an unknown error", m.Path)
	}
	return metadata.NewError(m.Err.Code, m.Err.Message, m.Path)
}

// IsRequest reports whether m is a request rather than a reply.
func (m *WriteMessage) IsRequest() bool {
	return m.Type >= WriteBlocks && m.Type <= WriteDetach
}

// EncodeWriteMessage serializes m as deterministic CBOR.
func EncodeWriteMessage(m *WriteMessage) ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode write message: %w", err)
	}
	return data, nil
}

// DecodeWriteMessage parses a CBOR write message.
func DecodeWriteMessage(data []byte) (*WriteMessage, error) {
	var m WriteMessage
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, metadata.Wrap(metadata.ErrRemoteDataInvalid, err, "decode write message")
	}
	if m.Type < WriteBlocks || m.Type > WriteError {
		return nil, metadata.Errorf(metadata.ErrRemoteDataInvalid, "unknown write message type %d", m.Type)
	}
	return &m, nil
}
