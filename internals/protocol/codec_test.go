package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeHello(t *testing.T) {
	raw := []byte(`{"type":"HELLO","ts":1,"peerId":"p1","deviceName":"pixel","platform":"android","appVersion":"1.2.0"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	hello, ok := msg.(*Hello)
	if !ok {
		t.Fatalf("expected *Hello, got %T", msg)
	}
	if hello.PeerID != "p1" || hello.DeviceName != "pixel" || hello.Platform != PlatformAndroid {
		t.Fatalf("unexpected hello: %+v", hello)
	}
}

func TestDecodeHelloNormalizesPlatform(t *testing.T) {
	raw := []byte(`{"type":"HELLO","ts":1,"peerId":"p1","deviceName":"thing","platform":"fridge"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := msg.(*Hello).Platform; got != PlatformUnknown {
		t.Fatalf("platform = %q, want %q", got, PlatformUnknown)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"hello without peerId", `{"type":"HELLO","deviceName":"d"}`},
		{"hello without deviceName", `{"type":"HELLO","peerId":"p"}`},
		{"share with empty files", `{"type":"SHARE_FILES","files":[]}`},
		{"share with zero size", `{"type":"SHARE_FILES","files":[{"fileId":"f","sizeBytes":0}]}`},
		{"share without fileId", `{"type":"SHARE_FILES","files":[{"sizeBytes":10}]}`},
		{"unshare with empty ids", `{"type":"UNSHARE_FILES","fileIds":[]}`},
		{"request without fileId", `{"type":"REQUEST_FILE"}`},
		{"pull without transferId", `{"type":"RELAY_PULL","fileId":"f"}`},
		{"push meta without size", `{"type":"RELAY_PUSH_META","transferId":"t"}`},
		{"complete without transferId", `{"type":"RELAY_COMPLETE"}`},
		{"missing type", `{"peerId":"p"}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.raw)); !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("err = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"TELEPORT"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeShareFiles(t *testing.T) {
	raw := []byte(`{"type":"SHARE_FILES","ts":5,"files":[{"fileId":"F1","title":"t","sizeBytes":1024,"mimeType":"audio/mpeg","sha256":"h","ownerPeerId":"A","ownerName":"a","addedAtMs":1}]}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	share := msg.(*ShareFiles)
	if len(share.Files) != 1 || share.Files[0].FileID != "F1" || share.Files[0].SizeBytes != 1024 {
		t.Fatalf("unexpected share: %+v", share)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1500)
	frame := EncodeChunk("xfer_0011223344", payload)

	id, chunk, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if id != "xfer_0011223344" {
		t.Fatalf("transferId = %q", id)
	}
	if !bytes.Equal(chunk, payload) {
		t.Fatal("chunk payload mismatch")
	}
}

func TestChunkEmptyPayload(t *testing.T) {
	frame := EncodeChunk("t1", nil)
	id, chunk, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if id != "t1" || len(chunk) != 0 {
		t.Fatalf("id=%q len=%d", id, len(chunk))
	}
}

func TestDecodeChunkRejectsBadFrames(t *testing.T) {
	if _, _, err := DecodeChunk([]byte{0, 0}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("short frame: err = %v", err)
	}

	zeroID := make([]byte, 8)
	if _, _, err := DecodeChunk(zeroID); !errors.Is(err, ErrBadTransferID) {
		t.Fatalf("zero id: err = %v", err)
	}

	overlong := make([]byte, 8)
	binary.BigEndian.PutUint32(overlong, 100)
	if _, _, err := DecodeChunk(overlong); !errors.Is(err, ErrBadTransferID) {
		t.Fatalf("overlong id: err = %v", err)
	}
}

func TestErrorMsgShape(t *testing.T) {
	raw, err := json.Marshal(NewError(CodeRoomLocked, "room is locked"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["type"] != "ERROR" || decoded["code"] != "ROOM_LOCKED" {
		t.Fatalf("unexpected wire shape: %v", decoded)
	}
	if _, ok := decoded["ts"]; !ok {
		t.Fatal("missing ts field")
	}
}
