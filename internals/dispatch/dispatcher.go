// Package dispatch is the control plane: it owns the per-connection message
// loop, the HELLO state machine, and every room broadcast.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/pandemicaudio/venuehost/internals/endpoint"
	"github.com/pandemicaudio/venuehost/internals/ident"
	"github.com/pandemicaudio/venuehost/internals/library"
	"github.com/pandemicaudio/venuehost/internals/metrics"
	"github.com/pandemicaudio/venuehost/internals/protocol"
	"github.com/pandemicaudio/venuehost/internals/registry"
	"github.com/pandemicaudio/venuehost/internals/transfer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options carries the host identity and limits the dispatcher stamps into
// replies.
type Options struct {
	HostID          string
	HostName        string
	MaxFileMB       int
	RateLimitPerSec float64
	RateLimitBurst  int
}

type Dispatcher struct {
	reg    *registry.Registry
	engine *transfer.Engine
	lib    library.HostLibrary
	opts   Options
	logger *zap.Logger
}

func New(reg *registry.Registry, engine *transfer.Engine, lib library.HostLibrary, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.HostID == "" {
		opts.HostID = ident.NewHostID()
	}
	if opts.RateLimitPerSec <= 0 {
		opts.RateLimitPerSec = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 40
	}
	d := &Dispatcher{
		reg:    reg,
		engine: engine,
		lib:    lib,
		opts:   opts,
		logger: logger,
	}
	lib.OnChange(d.onLibraryChange)
	return d
}

func (d *Dispatcher) features() protocol.Features {
	return protocol.Features{Relay: true, MaxFileMB: d.opts.MaxFileMB}
}

// session is the per-connection state. Only the endpoint's read pump touches
// it, so no locking is needed.
type session struct {
	peerID  string
	limiter *rate.Limiter
}

// HandleConnection wires a fresh endpoint into the dispatcher. The caller
// starts the pumps afterwards.
func (d *Dispatcher) HandleConnection(ep *endpoint.Endpoint) {
	s := &session{
		limiter: rate.NewLimiter(rate.Limit(d.opts.RateLimitPerSec), d.opts.RateLimitBurst),
	}
	ep.OnText = func(raw []byte) { d.handleText(ep, s, raw) }
	ep.OnBinary = func(frame []byte) { d.handleBinary(s, frame) }
	ep.OnClose = func() { d.handleClose(s) }
}

func (d *Dispatcher) handleText(ep endpoint.Sender, s *session, raw []byte) {
	if !s.limiter.Allow() {
		d.sendError(ep, protocol.CodeRateLimited, "message rate limit exceeded")
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		d.logger.Debug("Rejected inbound message",
			zap.String("peerId", s.peerID),
			zap.Error(err),
		)
		d.sendError(ep, protocol.CodeParseError, err.Error())
		return
	}

	if m, ok := msg.(*protocol.Hello); ok {
		metrics.RecordMessageReceived(string(protocol.TypeHello))
		d.handleHello(ep, s, m)
		return
	}

	// Everything past HELLO requires registration.
	if s.peerID == "" {
		d.sendError(ep, protocol.CodeNotRegistered, "send HELLO first")
		return
	}
	d.reg.Touch(s.peerID)

	switch m := msg.(type) {
	case *protocol.JoinRoom:
		metrics.RecordMessageReceived(string(protocol.TypeJoinRoom))
		d.handleJoinRoom(ep, s, m)
	case *protocol.LeaveRoom:
		metrics.RecordMessageReceived(string(protocol.TypeLeaveRoom))
		d.handleLeaveRoom(s)
	case *protocol.Heartbeat:
		metrics.RecordMessageReceived(string(protocol.TypeHeartbeat))
		// Touch above already refreshed lastSeenMs.
	case *protocol.ShareFiles:
		metrics.RecordMessageReceived(string(protocol.TypeShareFiles))
		d.handleShareFiles(ep, s, m)
	case *protocol.UnshareFiles:
		metrics.RecordMessageReceived(string(protocol.TypeUnshareFiles))
		d.handleUnshareFiles(ep, s, m)
	case *protocol.RequestFile:
		metrics.RecordMessageReceived(string(protocol.TypeRequestFile))
		d.handleRequestFile(ep, s, m)
	case *protocol.RelayPull:
		metrics.RecordMessageReceived(string(protocol.TypeRelayPull))
		d.handleRelayPull(ep, s, m)
	case *protocol.RelayPushMeta:
		metrics.RecordMessageReceived(string(protocol.TypeRelayPushMeta))
		d.handleRelayPushMeta(s, m)
	case *protocol.RelayComplete:
		metrics.RecordMessageReceived(string(protocol.TypeRelayComplete))
		d.handleRelayComplete(s, m)
	default:
		d.sendError(ep, protocol.CodeParseError, fmt.Sprintf("unhandled message type %T", m))
	}
}

func (d *Dispatcher) handleHello(ep endpoint.Sender, s *session, m *protocol.Hello) {
	if s.peerID != "" {
		d.sendError(ep, protocol.CodeAlreadyRegistered, "connection already registered")
		return
	}
	_, err := d.reg.RegisterPeer(m.PeerID, m.DeviceName, m.Platform, m.AppVersion, ep)
	if errors.Is(err, registry.ErrAlreadyRegistered) {
		d.sendError(ep, protocol.CodeAlreadyRegistered, fmt.Sprintf("peer %q already connected", m.PeerID))
		return
	}
	s.peerID = m.PeerID
	metrics.ConnectedPeers.Inc()

	d.send(ep, protocol.Welcome{
		Header:   protocol.NewHeader(protocol.TypeWelcome),
		HostID:   d.opts.HostID,
		HostName: d.opts.HostName,
		Features: d.features(),
	})
}

func (d *Dispatcher) handleJoinRoom(ep endpoint.Sender, s *session, m *protocol.JoinRoom) {
	room, err := d.reg.JoinRoom(s.peerID, m.RoomID)
	if errors.Is(err, registry.ErrUnknownRoom) {
		d.sendError(ep, protocol.CodeUnknownRoom, fmt.Sprintf("no such room %q", m.RoomID))
		return
	}
	if err != nil {
		d.sendError(ep, protocol.CodeNotRegistered, "send HELLO first")
		return
	}
	metrics.RoomPeers.Set(float64(d.reg.PeerCount()))

	d.send(ep, protocol.RoomInfo{
		Header:    protocol.NewHeader(protocol.TypeRoomInfo),
		RoomID:    room.RoomID,
		RoomName:  room.RoomName,
		HostID:    d.opts.HostID,
		Features:  d.features(),
		PeerCount: d.reg.PeerCount(),
	})
	d.send(ep, protocol.IndexFull{
		Header: protocol.NewHeader(protocol.TypeIndexFull),
		Files:  d.reg.Index(),
	})
	for _, peer := range d.reg.PeerInfos(s.peerID) {
		d.send(ep, protocol.PeerJoined{
			Header: protocol.NewHeader(protocol.TypePeerJoined),
			Peer:   peer,
		})
	}

	joiner := protocol.PeerInfo{}
	for _, p := range d.reg.PeerInfos("") {
		if p.PeerID == s.peerID {
			joiner = p
			break
		}
	}
	d.broadcast(s.peerID, protocol.PeerJoined{
		Header: protocol.NewHeader(protocol.TypePeerJoined),
		Peer:   joiner,
	})
}

func (d *Dispatcher) handleLeaveRoom(s *session) {
	_, err := d.reg.LeaveRoom(s.peerID)
	if err != nil {
		return
	}
	metrics.RoomPeers.Set(float64(d.reg.PeerCount()))
	metrics.IndexFiles.Set(float64(d.reg.SharedFileCount()))
	d.broadcastDeparture(s.peerID)
}

func (d *Dispatcher) handleShareFiles(ep endpoint.Sender, s *session, m *protocol.ShareFiles) {
	added, err := d.reg.ShareFiles(s.peerID, m.Files)
	switch {
	case errors.Is(err, registry.ErrNotInRoom):
		d.sendError(ep, protocol.CodeNotInRoom, "join the room before sharing")
		return
	case errors.Is(err, registry.ErrRoomLocked):
		d.sendError(ep, protocol.CodeRoomLocked, "room is locked")
		return
	case err != nil:
		d.sendError(ep, protocol.CodeNotRegistered, "send HELLO first")
		return
	}
	if len(added) == 0 {
		return
	}
	metrics.IndexFiles.Set(float64(d.reg.SharedFileCount()))
	d.broadcast("", protocol.IndexUpsert{
		Header: protocol.NewHeader(protocol.TypeIndexUpsert),
		Files:  added,
	})
}

func (d *Dispatcher) handleUnshareFiles(ep endpoint.Sender, s *session, m *protocol.UnshareFiles) {
	removed, err := d.reg.UnshareFiles(s.peerID, m.FileIDs)
	switch {
	case errors.Is(err, registry.ErrNotInRoom):
		d.sendError(ep, protocol.CodeNotInRoom, "join the room before unsharing")
		return
	case errors.Is(err, registry.ErrRoomLocked):
		d.sendError(ep, protocol.CodeRoomLocked, "room is locked")
		return
	case err != nil:
		d.sendError(ep, protocol.CodeNotRegistered, "send HELLO first")
		return
	}
	if len(removed) == 0 {
		return
	}
	metrics.IndexFiles.Set(float64(d.reg.SharedFileCount()))
	d.broadcast("", protocol.IndexRemove{
		Header:  protocol.NewHeader(protocol.TypeIndexRemove),
		FileIDs: removed,
	})
}

func (d *Dispatcher) handleRequestFile(ep endpoint.Sender, s *session, m *protocol.RequestFile) {
	if !d.reg.IsJoined(s.peerID) {
		d.sendError(ep, protocol.CodeNotInRoom, "join the room before requesting files")
		return
	}
	res, ok := d.reg.ResolveFile(m.FileID)
	if !ok {
		d.sendError(ep, protocol.CodeFileNotFound, fmt.Sprintf("no file %q in index", m.FileID))
		return
	}
	// The client's ownerPeerId hint is advisory; resolution wins.
	d.send(ep, protocol.FileOffer{
		Header:      protocol.NewHeader(protocol.TypeFileOffer),
		FileID:      res.Meta.FileID,
		OwnerPeerID: res.OwnerPeerID,
		Relay:       true,
	})
}

func (d *Dispatcher) handleRelayPull(ep endpoint.Sender, s *session, m *protocol.RelayPull) {
	res, ok := d.reg.ResolveFile(m.FileID)
	if !ok {
		d.sendError(ep, protocol.CodeFileNotFound, fmt.Sprintf("no file %q in index", m.FileID))
		return
	}

	if res.SourceKind == registry.SourceHost {
		err := d.engine.Start(transfer.StartRequest{
			TransferID:      m.TransferID,
			FileID:          m.FileID,
			RequesterPeerID: s.peerID,
			SourcePeerID:    ident.HostPeerID,
			Requester:       ep,
			DeclaredSize:    res.Meta.SizeBytes,
			MimeType:        res.Meta.MimeType,
			SHA256:          res.Meta.SHA256,
		})
		if err != nil {
			d.sendError(ep, protocol.CodeTransferError, err.Error())
			return
		}
		go d.engine.ServeHostFile(d.lib, m.TransferID, m.FileID)
		return
	}

	source, ok := d.reg.EndpointFor(res.OwnerPeerID)
	if !ok {
		d.sendError(ep, protocol.CodeOwnerOffline, fmt.Sprintf("owner of %q is offline", m.FileID))
		return
	}
	err := d.engine.Start(transfer.StartRequest{
		TransferID:      m.TransferID,
		FileID:          m.FileID,
		RequesterPeerID: s.peerID,
		SourcePeerID:    res.OwnerPeerID,
		Requester:       ep,
		Source:          source,
		DeclaredSize:    res.Meta.SizeBytes,
		MimeType:        res.Meta.MimeType,
		SHA256:          res.Meta.SHA256,
	})
	if err != nil {
		d.sendError(ep, protocol.CodeTransferError, err.Error())
		return
	}
	source.SendControl(protocol.RelayPull{
		Header:          protocol.NewHeader(protocol.TypeRelayPull),
		FileID:          m.FileID,
		TransferID:      m.TransferID,
		RequesterPeerID: s.peerID,
	})
	metrics.RecordMessageSent(string(protocol.TypeRelayPull))
}

func (d *Dispatcher) handleRelayPushMeta(s *session, m *protocol.RelayPushMeta) {
	if src, ok := d.engine.SourceOf(m.TransferID); !ok || src != s.peerID {
		d.logger.Debug("Ignoring push meta from non-source peer",
			zap.String("peerId", s.peerID),
			zap.String("transferId", m.TransferID),
		)
		return
	}
	d.engine.OnPushMeta(m)
}

func (d *Dispatcher) handleRelayComplete(s *session, m *protocol.RelayComplete) {
	if src, ok := d.engine.SourceOf(m.TransferID); !ok || src != s.peerID {
		d.logger.Debug("Ignoring relay complete from non-source peer",
			zap.String("peerId", s.peerID),
			zap.String("transferId", m.TransferID),
		)
		return
	}
	d.engine.OnComplete(m.TransferID)
}

// handleBinary routes a relay data frame by its embedded transfer id. Frames
// that fail to parse, reference an unknown transfer, or arrive from a peer
// that is not the transfer's source are dropped.
func (d *Dispatcher) handleBinary(s *session, frame []byte) {
	transferID, chunk, err := protocol.DecodeChunk(frame)
	if err != nil {
		d.logger.Debug("Dropping malformed binary frame",
			zap.String("peerId", s.peerID),
			zap.Error(err),
		)
		return
	}
	src, ok := d.engine.SourceOf(transferID)
	if !ok || src != s.peerID {
		d.logger.Debug("Dropping binary frame for unknown or foreign transfer",
			zap.String("peerId", s.peerID),
			zap.String("transferId", transferID),
		)
		return
	}
	d.engine.OnChunk(transferID, frame, chunk)
}

func (d *Dispatcher) handleClose(s *session) {
	if s.peerID == "" {
		return
	}
	d.engine.CancelForPeer(s.peerID)
	_, wasJoined := d.reg.RemovePeer(s.peerID)
	metrics.ConnectedPeers.Dec()
	metrics.RoomPeers.Set(float64(d.reg.PeerCount()))
	metrics.IndexFiles.Set(float64(d.reg.SharedFileCount()))
	if wasJoined {
		d.broadcastDeparture(s.peerID)
	}
}

// EvictStale closes connections of peers whose heartbeats lapsed. Teardown
// then flows through the normal disconnect path, so departures broadcast the
// same way either way. Returns the evicted count.
func (d *Dispatcher) EvictStale(timeoutMs int64) int {
	stale := d.reg.StalePeers(timeoutMs)
	for _, peerID := range stale {
		if ep, ok := d.reg.EndpointFor(peerID); ok {
			d.logger.Info("Evicting unresponsive peer", zap.String("peerId", peerID))
			ep.Close()
			metrics.PeersEvicted.Inc()
		}
	}
	return len(stale)
}

// onLibraryChange turns operator-side library edits into index broadcasts.
func (d *Dispatcher) onLibraryChange(upserts []protocol.FileMeta, removedIDs []string) {
	if len(upserts) > 0 {
		d.broadcast("", protocol.IndexUpsert{
			Header: protocol.NewHeader(protocol.TypeIndexUpsert),
			Files:  upserts,
		})
	}
	if len(removedIDs) > 0 {
		d.broadcast("", protocol.IndexRemove{
			Header:  protocol.NewHeader(protocol.TypeIndexRemove),
			FileIDs: removedIDs,
		})
	}
}

// broadcastDeparture tells the room a member is gone, snapshot included so
// everyone reconciles against the same index.
func (d *Dispatcher) broadcastDeparture(peerID string) {
	d.broadcast(peerID, protocol.PeerLeft{
		Header: protocol.NewHeader(protocol.TypePeerLeft),
		PeerID: peerID,
	})
	d.broadcast(peerID, protocol.IndexFull{
		Header: protocol.NewHeader(protocol.TypeIndexFull),
		Files:  d.reg.Index(),
	})
}

// broadcast fans a message out to every joined peer except the excluded one.
func (d *Dispatcher) broadcast(excludePeerID string, msg any) {
	eps := d.reg.EndpointsInRoom(excludePeerID)
	for _, ep := range eps {
		ep.SendControl(msg)
	}
	if t := typeOf(msg); t != "" {
		for range eps {
			metrics.RecordMessageSent(t)
		}
	}
}

func (d *Dispatcher) send(ep endpoint.Sender, msg any) {
	ep.SendControl(msg)
	if t := typeOf(msg); t != "" {
		metrics.RecordMessageSent(t)
	}
}

func (d *Dispatcher) sendError(ep endpoint.Sender, code protocol.ErrorCode, message string) {
	ep.SendControl(protocol.NewError(code, message))
	metrics.RecordMessageSent(string(protocol.TypeError))
	metrics.RecordProtocolError(string(code))
}

func typeOf(msg any) string {
	switch m := msg.(type) {
	case protocol.Welcome:
		return string(m.Type)
	case protocol.RoomInfo:
		return string(m.Type)
	case protocol.PeerJoined:
		return string(m.Type)
	case protocol.PeerLeft:
		return string(m.Type)
	case protocol.IndexFull:
		return string(m.Type)
	case protocol.IndexUpsert:
		return string(m.Type)
	case protocol.IndexRemove:
		return string(m.Type)
	case protocol.FileOffer:
		return string(m.Type)
	case protocol.ErrorMsg:
		return string(m.Type)
	default:
		return ""
	}
}
