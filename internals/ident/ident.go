// Package ident provides wall-clock timestamps and collision-resistant short
// identifiers for the rooms and host instances this process creates. Peer,
// transfer, and file ids are chosen by clients and the library.
package ident

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// HostPeerID is the reserved owner id for files served from the host library.
const HostPeerID = "venue-host"

// NowMs returns the current wall-clock time in Unix milliseconds. All
// protocol timestamps use this resolution.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + raw[:12]
}

func NewRoomID() string { return newID("room") }
func NewHostID() string { return newID("host") }
