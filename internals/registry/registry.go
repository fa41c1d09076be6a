// Package registry owns the authoritative in-memory state of the venue: the
// connected peers, the single default room, the unified file index, and the
// peer -> endpoint routing table. All mutation happens under one mutex.
package registry

import (
	"errors"
	"sync"

	"github.com/pandemicaudio/venuehost/internals/endpoint"
	"github.com/pandemicaudio/venuehost/internals/ident"
	"github.com/pandemicaudio/venuehost/internals/library"
	"github.com/pandemicaudio/venuehost/internals/protocol"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRegistered = errors.New("registry: peer id already registered")
	ErrUnknownPeer       = errors.New("registry: unknown peer")
	ErrUnknownRoom       = errors.New("registry: unknown room")
	ErrNotInRoom         = errors.New("registry: peer has not joined a room")
	ErrRoomLocked        = errors.New("registry: room is locked")
)

// SourceKind tells the dispatcher where a resolved file's bytes come from.
type SourceKind string

const (
	SourceHost SourceKind = "host"
	SourcePeer SourceKind = "peer"
)

// Resolved is the answer to a file lookup across the unified index.
type Resolved struct {
	Meta        protocol.FileMeta
	SourceKind  SourceKind
	OwnerPeerID string // ident.HostPeerID for host files
}

// Peer is one registered device. Field access is only valid while the
// registry lock is held; external callers use the snapshot methods.
type Peer struct {
	PeerID     string
	DeviceName string
	Platform   protocol.Platform
	AppVersion string
	RoomID     string // empty until JOIN_ROOM
	JoinedAtMs int64
	LastSeenMs int64

	sharedFiles map[string]protocol.FileMeta
	sharedOrder []string
}

func (p *Peer) info() protocol.PeerInfo {
	return protocol.PeerInfo{
		PeerID:     p.PeerID,
		DeviceName: p.DeviceName,
		Platform:   p.Platform,
		AppVersion: p.AppVersion,
		JoinedAtMs: p.JoinedAtMs,
	}
}

func (p *Peer) shared() []protocol.FileMeta {
	out := make([]protocol.FileMeta, 0, len(p.sharedOrder))
	for _, id := range p.sharedOrder {
		out = append(out, p.sharedFiles[id])
	}
	return out
}

// Room is the single default room's metadata.
type Room struct {
	RoomID      string
	RoomName    string
	Locked      bool
	CreatedAtMs int64
	UpdatedAtMs int64
}

type Registry struct {
	mu sync.RWMutex

	room      Room
	peers     map[string]*Peer
	joinOrder []string // room membership in join order
	endpoints map[string]endpoint.Sender
	owners    map[string]string // guest fileId -> owner peerId

	lib          library.HostLibrary
	maxFileBytes int64
	nowMs        func() int64
	logger       *zap.Logger
}

func New(lib library.HostLibrary, maxFileBytes int64, logger *zap.Logger) *Registry {
	view := lib.RoomView()
	now := ident.NowMs()
	return &Registry{
		room: Room{
			RoomID:      view.ID,
			RoomName:    view.Name,
			CreatedAtMs: now,
			UpdatedAtMs: now,
		},
		peers:        make(map[string]*Peer),
		endpoints:    make(map[string]endpoint.Sender),
		owners:       make(map[string]string),
		lib:          lib,
		maxFileBytes: maxFileBytes,
		nowMs:        ident.NowMs,
		logger:       logger,
	}
}

// SetClock overrides the wall clock; tests only.
func (r *Registry) SetClock(nowMs func() int64) {
	r.mu.Lock()
	r.nowMs = nowMs
	r.mu.Unlock()
}

// Room returns the default room with its current lock state.
func (r *Registry) Room() Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.room
	room.Locked = r.lib.IsRoomLocked()
	return room
}

// RegisterPeer admits a new peer. A peerId still held by a live session is
// rejected; the caller evicts the old session first if it wants to supersede.
func (r *Registry) RegisterPeer(peerID, deviceName string, platform protocol.Platform, appVersion string, ep endpoint.Sender) (protocol.PeerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peerID]; exists {
		return protocol.PeerInfo{}, ErrAlreadyRegistered
	}

	now := r.nowMs()
	p := &Peer{
		PeerID:      peerID,
		DeviceName:  deviceName,
		Platform:    protocol.NormalizePlatform(platform),
		AppVersion:  appVersion,
		JoinedAtMs:  now,
		LastSeenMs:  now,
		sharedFiles: make(map[string]protocol.FileMeta),
	}
	r.peers[peerID] = p
	r.endpoints[peerID] = ep

	r.logger.Info("Peer registered",
		zap.String("peerId", peerID),
		zap.String("deviceName", deviceName),
		zap.String("platform", string(p.Platform)),
	)
	return p.info(), nil
}

// RemovePeer drops a peer and cascades: leaves the room, removes its shared
// files from the index, and forgets its endpoint. Idempotent. The returned
// ids are the files the removal evicted from the index; wasJoined tells the
// caller whether the room needs PEER_LEFT / INDEX_FULL broadcasts.
func (r *Registry) RemovePeer(peerID string) (removedFileIDs []string, wasJoined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[peerID]
	if !exists {
		return nil, false
	}
	wasJoined = p.RoomID != ""
	removedFileIDs = r.dropSharedLocked(p)
	r.leaveLocked(p)
	delete(r.peers, peerID)
	delete(r.endpoints, peerID)

	r.logger.Info("Peer removed",
		zap.String("peerId", peerID),
		zap.Bool("wasJoined", wasJoined),
		zap.Int("filesDropped", len(removedFileIDs)),
	)
	return removedFileIDs, wasJoined
}

// Touch refreshes a peer's liveness timestamp.
func (r *Registry) Touch(peerID string) {
	r.mu.Lock()
	if p, ok := r.peers[peerID]; ok {
		p.LastSeenMs = r.nowMs()
	}
	r.mu.Unlock()
}

// JoinRoom places the peer in the default room. An empty roomID means "the
// default room"; anything else must match it.
func (r *Registry) JoinRoom(peerID, roomID string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[peerID]
	if !exists {
		return Room{}, ErrUnknownPeer
	}
	if roomID != "" && roomID != r.room.RoomID {
		return Room{}, ErrUnknownRoom
	}
	if p.RoomID == "" {
		p.RoomID = r.room.RoomID
		p.JoinedAtMs = r.nowMs()
		r.joinOrder = append(r.joinOrder, peerID)
		r.room.UpdatedAtMs = r.nowMs()
	}
	room := r.room
	room.Locked = r.lib.IsRoomLocked()
	return room, nil
}

// LeaveRoom clears the peer's room membership and drops its shared files.
// Returns the dropped file ids.
func (r *Registry) LeaveRoom(peerID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[peerID]
	if !exists {
		return nil, ErrUnknownPeer
	}
	if p.RoomID == "" {
		return nil, nil
	}
	removed := r.dropSharedLocked(p)
	r.leaveLocked(p)
	return removed, nil
}

// ShareFiles adds a batch of guest files to the index. Files over the size
// limit are silently skipped (the batch otherwise succeeds); a locked room
// rejects the whole batch. Ownership fields are forced to the sharing peer
// regardless of what the client claimed.
func (r *Registry) ShareFiles(peerID string, files []protocol.FileMeta) ([]protocol.FileMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[peerID]
	if !exists {
		return nil, ErrUnknownPeer
	}
	if p.RoomID == "" {
		return nil, ErrNotInRoom
	}
	if r.lib.IsRoomLocked() {
		return nil, ErrRoomLocked
	}

	now := r.nowMs()
	var added []protocol.FileMeta
	for _, f := range files {
		if f.SizeBytes > r.maxFileBytes {
			r.logger.Debug("Skipping oversized shared file",
				zap.String("peerId", peerID),
				zap.String("fileId", f.FileID),
				zap.Int64("sizeBytes", f.SizeBytes),
			)
			continue
		}
		f.OwnerPeerID = peerID
		if f.OwnerName == "" {
			f.OwnerName = p.DeviceName
		}
		if f.AddedAtMs == 0 {
			f.AddedAtMs = now
		}
		if _, dup := p.sharedFiles[f.FileID]; !dup {
			p.sharedOrder = append(p.sharedOrder, f.FileID)
		}
		p.sharedFiles[f.FileID] = f
		r.owners[f.FileID] = peerID
		added = append(added, f)
	}
	r.room.UpdatedAtMs = now
	return added, nil
}

// UnshareFiles removes the given files from the peer's share set, returning
// the ids that were actually present.
func (r *Registry) UnshareFiles(peerID string, fileIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[peerID]
	if !exists {
		return nil, ErrUnknownPeer
	}
	if p.RoomID == "" {
		return nil, ErrNotInRoom
	}
	if r.lib.IsRoomLocked() {
		return nil, ErrRoomLocked
	}

	var removed []string
	for _, id := range fileIDs {
		if _, ok := p.sharedFiles[id]; !ok {
			continue
		}
		delete(p.sharedFiles, id)
		delete(r.owners, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		p.sharedOrder = pruneOrder(p.sharedOrder, p.sharedFiles)
		r.room.UpdatedAtMs = r.nowMs()
	}
	return removed, nil
}

// Index returns the room's unified file list: host-library files first, then
// each joined peer's files in join order, insertion order within a peer.
func (r *Registry) Index() []protocol.FileMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexLocked()
}

func (r *Registry) indexLocked() []protocol.FileMeta {
	var out []protocol.FileMeta
	for _, e := range r.lib.List() {
		out = append(out, e.Meta)
	}
	for _, peerID := range r.joinOrder {
		if p, ok := r.peers[peerID]; ok {
			out = append(out, p.shared()...)
		}
	}
	if out == nil {
		out = []protocol.FileMeta{}
	}
	return out
}

// ResolveFile finds a file anywhere in the index. Host-library files win over
// guest files with the same id.
func (r *Registry) ResolveFile(fileID string) (Resolved, bool) {
	if e, ok := r.lib.Get(fileID); ok {
		return Resolved{Meta: e.Meta, SourceKind: SourceHost, OwnerPeerID: ident.HostPeerID}, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ownerID, ok := r.owners[fileID]
	if !ok {
		return Resolved{}, false
	}
	p, ok := r.peers[ownerID]
	if !ok {
		return Resolved{}, false
	}
	meta, ok := p.sharedFiles[fileID]
	if !ok {
		return Resolved{}, false
	}
	return Resolved{Meta: meta, SourceKind: SourcePeer, OwnerPeerID: ownerID}, true
}

// PeerInfos returns snapshots of the room's members in join order, excluding
// the named peer.
func (r *Registry) PeerInfos(excludePeerID string) []protocol.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.PeerInfo, 0, len(r.joinOrder))
	for _, id := range r.joinOrder {
		if id == excludePeerID {
			continue
		}
		if p, ok := r.peers[id]; ok {
			out = append(out, p.info())
		}
	}
	return out
}

// IsJoined reports whether the peer is a current room member.
func (r *Registry) IsJoined(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return ok && p.RoomID != ""
}

// PeerCount reports how many peers have joined the room.
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joinOrder)
}

// EndpointFor resolves the send side of a registered peer.
func (r *Registry) EndpointFor(peerID string) (endpoint.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[peerID]
	return ep, ok
}

// EndpointsInRoom returns the send sides of all joined peers except the
// excluded one, in join order.
func (r *Registry) EndpointsInRoom(excludePeerID string) []endpoint.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]endpoint.Sender, 0, len(r.joinOrder))
	for _, id := range r.joinOrder {
		if id == excludePeerID {
			continue
		}
		if ep, ok := r.endpoints[id]; ok {
			out = append(out, ep)
		}
	}
	return out
}

// AllEndpoints snapshots every registered endpoint, joined or not. Used at
// shutdown to drain connections.
func (r *Registry) AllEndpoints() []endpoint.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]endpoint.Sender, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}

// StalePeers lists peers whose last heartbeat is older than timeoutMs.
func (r *Registry) StalePeers(timeoutMs int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.nowMs()
	var stale []string
	for id, p := range r.peers {
		if now-p.LastSeenMs > timeoutMs {
			stale = append(stale, id)
		}
	}
	return stale
}

// SharedFileCount reports the number of guest files currently indexed.
func (r *Registry) SharedFileCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

func (r *Registry) dropSharedLocked(p *Peer) []string {
	removed := make([]string, 0, len(p.sharedOrder))
	for _, id := range p.sharedOrder {
		delete(r.owners, id)
		removed = append(removed, id)
	}
	p.sharedFiles = make(map[string]protocol.FileMeta)
	p.sharedOrder = nil
	return removed
}

func (r *Registry) leaveLocked(p *Peer) {
	if p.RoomID == "" {
		return
	}
	p.RoomID = ""
	for i, id := range r.joinOrder {
		if id == p.PeerID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}
	r.room.UpdatedAtMs = r.nowMs()
}

func pruneOrder(order []string, keep map[string]protocol.FileMeta) []string {
	out := order[:0]
	for _, id := range order {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
