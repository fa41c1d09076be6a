// Package protocol defines the tagged control records exchanged between the
// venue host and its peers, plus the binary relay frame format. Control
// messages are flat JSON objects keyed by a "type" field; every message
// carries a "ts" timestamp in Unix milliseconds.
package protocol

import "github.com/pandemicaudio/venuehost/internals/ident"

type MessageType string

// Client -> host.
const (
	TypeHello         MessageType = "HELLO"
	TypeJoinRoom      MessageType = "JOIN_ROOM"
	TypeLeaveRoom     MessageType = "LEAVE_ROOM"
	TypeHeartbeat     MessageType = "HEARTBEAT"
	TypeShareFiles    MessageType = "SHARE_FILES"
	TypeUnshareFiles  MessageType = "UNSHARE_FILES"
	TypeRequestFile   MessageType = "REQUEST_FILE"
	TypeRelayPull     MessageType = "RELAY_PULL"
	TypeRelayPushMeta MessageType = "RELAY_PUSH_META"
	TypeRelayComplete MessageType = "RELAY_COMPLETE"
)

// Host -> client.
const (
	TypeWelcome          MessageType = "WELCOME"
	TypeRoomInfo         MessageType = "ROOM_INFO"
	TypePeerJoined       MessageType = "PEER_JOINED"
	TypePeerLeft         MessageType = "PEER_LEFT"
	TypeIndexFull        MessageType = "INDEX_FULL"
	TypeIndexUpsert      MessageType = "INDEX_UPSERT"
	TypeIndexRemove      MessageType = "INDEX_REMOVE"
	TypeFileOffer        MessageType = "FILE_OFFER"
	TypeTransferStart    MessageType = "TRANSFER_START"
	TypeTransferProgress MessageType = "TRANSFER_PROGRESS"
	TypeTransferComplete MessageType = "TRANSFER_COMPLETE"
	TypeError            MessageType = "ERROR"
)

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
	PlatformUnknown Platform = "unknown"
)

// NormalizePlatform maps anything outside the known set to "unknown".
func NormalizePlatform(p Platform) Platform {
	switch p {
	case PlatformAndroid, PlatformIOS, PlatformWeb:
		return p
	default:
		return PlatformUnknown
	}
}

type ErrorCode string

const (
	CodeParseError        ErrorCode = "PARSE_ERROR"
	CodeNotRegistered     ErrorCode = "NOT_REGISTERED"
	CodeAlreadyRegistered ErrorCode = "ALREADY_REGISTERED"
	CodeNotInRoom         ErrorCode = "NOT_IN_ROOM"
	CodeUnknownRoom       ErrorCode = "UNKNOWN_ROOM"
	CodeRoomLocked        ErrorCode = "ROOM_LOCKED"
	CodeFileNotFound      ErrorCode = "FILE_NOT_FOUND"
	CodeOwnerOffline      ErrorCode = "OWNER_OFFLINE"
	CodeFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	CodeTransferError     ErrorCode = "TRANSFER_ERROR"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
)

// Header is embedded in every control message.
type Header struct {
	Type MessageType `json:"type"`
	Ts   int64       `json:"ts"`
}

func NewHeader(t MessageType) Header {
	return Header{Type: t, Ts: ident.NowMs()}
}

// FileMeta describes one file offered in the room index. OwnerPeerID equal to
// ident.HostPeerID marks a host-library file.
type FileMeta struct {
	FileID      string `json:"fileId"`
	Title       string `json:"title"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	DurationSec int    `json:"durationSec,omitempty"`
	SizeBytes   int64  `json:"sizeBytes"`
	MimeType    string `json:"mimeType"`
	SHA256      string `json:"sha256"`
	OwnerPeerID string `json:"ownerPeerId"`
	OwnerName   string `json:"ownerName"`
	AddedAtMs   int64  `json:"addedAtMs"`
}

// PeerInfo is the snapshot of a peer carried by PEER_JOINED.
type PeerInfo struct {
	PeerID     string   `json:"peerId"`
	DeviceName string   `json:"deviceName"`
	Platform   Platform `json:"platform"`
	AppVersion string   `json:"appVersion,omitempty"`
	JoinedAtMs int64    `json:"joinedAtMs"`
}

// Features advertises host capabilities in WELCOME and ROOM_INFO.
type Features struct {
	Relay     bool `json:"relay"`
	MaxFileMB int  `json:"maxFileMB,omitempty"`
}

// --- Client -> host messages ---

type Hello struct {
	Header
	PeerID     string   `json:"peerId"`
	DeviceName string   `json:"deviceName"`
	Platform   Platform `json:"platform"`
	AppVersion string   `json:"appVersion,omitempty"`
}

type JoinRoom struct {
	Header
	RoomID string `json:"roomId,omitempty"`
}

type LeaveRoom struct {
	Header
}

type Heartbeat struct {
	Header
}

type ShareFiles struct {
	Header
	Files []FileMeta `json:"files"`
}

type UnshareFiles struct {
	Header
	FileIDs []string `json:"fileIds"`
}

type RequestFile struct {
	Header
	FileID      string `json:"fileId"`
	OwnerPeerID string `json:"ownerPeerId"`
}

// RelayPull is both the requester's ask to the host and the host's forwarded
// ask to the source peer; RequesterPeerID is set only on the forwarded copy.
type RelayPull struct {
	Header
	FileID          string `json:"fileId"`
	TransferID      string `json:"transferId"`
	RequesterPeerID string `json:"requesterPeerId,omitempty"`
}

type RelayPushMeta struct {
	Header
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mimeType"`
	SHA256     string `json:"sha256"`
}

type RelayComplete struct {
	Header
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
}

// --- Host -> client messages ---

type Welcome struct {
	Header
	HostID   string   `json:"hostId"`
	HostName string   `json:"hostName"`
	Features Features `json:"features"`
}

type RoomInfo struct {
	Header
	RoomID    string   `json:"roomId"`
	RoomName  string   `json:"roomName"`
	HostID    string   `json:"hostId"`
	Features  Features `json:"features"`
	PeerCount int      `json:"peerCount"`
}

type PeerJoined struct {
	Header
	Peer PeerInfo `json:"peer"`
}

type PeerLeft struct {
	Header
	PeerID string `json:"peerId"`
}

type IndexFull struct {
	Header
	Files []FileMeta `json:"files"`
}

type IndexUpsert struct {
	Header
	Files []FileMeta `json:"files"`
}

type IndexRemove struct {
	Header
	FileIDs []string `json:"fileIds"`
}

type FileOffer struct {
	Header
	FileID      string `json:"fileId"`
	OwnerPeerID string `json:"ownerPeerId"`
	Relay       bool   `json:"relay"`
}

type TransferStart struct {
	Header
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mimeType"`
}

type TransferProgress struct {
	Header
	TransferID       string `json:"transferId"`
	BytesTransferred int64  `json:"bytesTransferred"`
	TotalBytes       int64  `json:"totalBytes"`
	Progress         int    `json:"progress"`
}

type TransferComplete struct {
	Header
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
	SHA256     string `json:"sha256"`
}

type ErrorMsg struct {
	Header
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewError builds a stamped ERROR reply.
func NewError(code ErrorCode, message string) ErrorMsg {
	return ErrorMsg{Header: NewHeader(TypeError), Code: code, Message: message}
}
