package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrUnknownType    = errors.New("protocol: unknown message type")

	ErrShortFrame    = errors.New("protocol: short binary frame")
	ErrBadTransferID = errors.New("protocol: invalid transfer id length")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// Decode parses an inbound text frame into one of the client->host message
// structs and validates its required fields. The returned value is a pointer
// to the concrete type (*Hello, *JoinRoom, ...).
func Decode(raw []byte) (any, error) {
	var hdr Header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, invalidf("not a JSON object: %v", err)
	}

	switch hdr.Type {
	case TypeHello:
		var m Hello
		return decodeInto(raw, &m, func() error {
			if m.PeerID == "" {
				return invalidf("hello: peerId is required")
			}
			if m.DeviceName == "" {
				return invalidf("hello: deviceName is required")
			}
			m.Platform = NormalizePlatform(m.Platform)
			return nil
		})
	case TypeJoinRoom:
		var m JoinRoom
		return decodeInto(raw, &m, nil)
	case TypeLeaveRoom:
		var m LeaveRoom
		return decodeInto(raw, &m, nil)
	case TypeHeartbeat:
		var m Heartbeat
		return decodeInto(raw, &m, nil)
	case TypeShareFiles:
		var m ShareFiles
		return decodeInto(raw, &m, func() error {
			if len(m.Files) == 0 {
				return invalidf("share_files: files must be a non-empty array")
			}
			for i, f := range m.Files {
				if f.FileID == "" {
					return invalidf("share_files: files[%d].fileId is required", i)
				}
				if f.SizeBytes <= 0 {
					return invalidf("share_files: files[%d].sizeBytes must be positive", i)
				}
			}
			return nil
		})
	case TypeUnshareFiles:
		var m UnshareFiles
		return decodeInto(raw, &m, func() error {
			if len(m.FileIDs) == 0 {
				return invalidf("unshare_files: fileIds must be a non-empty array")
			}
			return nil
		})
	case TypeRequestFile:
		var m RequestFile
		return decodeInto(raw, &m, func() error {
			if m.FileID == "" {
				return invalidf("request_file: fileId is required")
			}
			return nil
		})
	case TypeRelayPull:
		var m RelayPull
		return decodeInto(raw, &m, func() error {
			if m.FileID == "" || m.TransferID == "" {
				return invalidf("relay_pull: fileId and transferId are required")
			}
			return nil
		})
	case TypeRelayPushMeta:
		var m RelayPushMeta
		return decodeInto(raw, &m, func() error {
			if m.TransferID == "" {
				return invalidf("relay_push_meta: transferId is required")
			}
			if m.Size <= 0 {
				return invalidf("relay_push_meta: size must be positive")
			}
			return nil
		})
	case TypeRelayComplete:
		var m RelayComplete
		return decodeInto(raw, &m, func() error {
			if m.TransferID == "" {
				return invalidf("relay_complete: transferId is required")
			}
			return nil
		})
	case "":
		return nil, invalidf("missing type field")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, hdr.Type)
	}
}

func decodeInto[T any](raw []byte, m *T, validate func() error) (any, error) {
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, invalidf("%v", err)
	}
	if validate != nil {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Binary relay frame layout, big-endian:
//
//	[uint32 transferIdLen][transferIdLen bytes of UTF-8][opaque chunk bytes]
//
// The embedded transfer id is authoritative for routing.
const chunkHeaderLen = 4

// EncodeChunk frames one chunk of transfer data for a binary WebSocket message.
func EncodeChunk(transferID string, chunk []byte) []byte {
	frame := make([]byte, chunkHeaderLen+len(transferID)+len(chunk))
	binary.BigEndian.PutUint32(frame[:chunkHeaderLen], uint32(len(transferID)))
	copy(frame[chunkHeaderLen:], transferID)
	copy(frame[chunkHeaderLen+len(transferID):], chunk)
	return frame
}

// DecodeChunk splits a binary frame into its transfer id and chunk payload.
// The chunk slice aliases the input frame. Frames with a zero-length or
// overlong transfer id are rejected.
func DecodeChunk(frame []byte) (transferID string, chunk []byte, err error) {
	if len(frame) < chunkHeaderLen {
		return "", nil, ErrShortFrame
	}
	idLen := binary.BigEndian.Uint32(frame[:chunkHeaderLen])
	if idLen == 0 || idLen > uint32(len(frame)-chunkHeaderLen) {
		return "", nil, ErrBadTransferID
	}
	transferID = string(frame[chunkHeaderLen : chunkHeaderLen+idLen])
	chunk = frame[chunkHeaderLen+idLen:]
	return transferID, chunk, nil
}
