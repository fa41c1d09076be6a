// Package library is the read-only facade over the venue operator's files.
// The admin surface that manages those files lives outside this process; the
// core only lists, opens, and observes changes.
package library

import (
	"io"

	"github.com/pandemicaudio/venuehost/internals/protocol"
)

// RoomView is the operator's view of the single default room.
type RoomView struct {
	ID     string
	Name   string
	Locked bool
}

// Entry pairs a file's index metadata with its on-disk location.
type Entry struct {
	Meta protocol.FileMeta
	Path string
}

// ChangeFunc observes host-library mutations: files added or updated, and
// files removed, in that order.
type ChangeFunc func(upserts []protocol.FileMeta, removedIDs []string)

// HostLibrary is consumed by the registry (index union, lock checks), the
// transfer engine (streaming host-sourced files), and the dispatcher (change
// broadcasts). Implementations must be safe for concurrent use.
type HostLibrary interface {
	List() []Entry
	Get(fileID string) (Entry, bool)
	Open(fileID string) (io.ReadCloser, Entry, error)
	IsRoomLocked() bool
	RoomView() RoomView
	OnChange(fn ChangeFunc)
}
