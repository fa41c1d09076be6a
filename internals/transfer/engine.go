// Package transfer runs the host-mediated relay: it tracks every in-flight
// transfer by id, routes binary frames from the source to the requester, and
// reports progress and completion on the control channel.
package transfer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pandemicaudio/venuehost/internals/endpoint"
	"github.com/pandemicaudio/venuehost/internals/ident"
	"github.com/pandemicaudio/venuehost/internals/library"
	"github.com/pandemicaudio/venuehost/internals/metrics"
	"github.com/pandemicaudio/venuehost/internals/protocol"
	"go.uber.org/zap"
)

type State int

const (
	StatePending State = iota
	StateUploading
	StateComplete
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateUploading:
		return "uploading"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// Transfer is one relay session. All fields are guarded by the engine mutex.
type Transfer struct {
	ID              string
	FileID          string
	RequesterPeerID string
	SourcePeerID    string // ident.HostPeerID for host-library files

	requester endpoint.Sender
	source    endpoint.Sender // nil when the host itself is the source

	state          State
	declaredSize   int64
	mimeType       string
	sha256         string
	bytes          int64
	lastActivityMs int64

	cancel chan struct{} // closed to stop a host-side streaming goroutine
}

// Options tunes the engine; zero values take the listed defaults.
type Options struct {
	ChunkSize       int           // 64 KiB
	InterChunkYield time.Duration // 5ms pause between host-sourced chunks
	TerminalGrace   time.Duration // 5s retention after a terminal state
}

// Engine owns the transfer table. All sends to endpoints happen outside its
// mutex; Sender implementations are safe for that.
type Engine struct {
	mu        sync.Mutex
	transfers map[string]*Transfer

	opts   Options
	nowMs  func() int64
	logger *zap.Logger
}

func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.InterChunkYield <= 0 {
		opts.InterChunkYield = 5 * time.Millisecond
	}
	if opts.TerminalGrace <= 0 {
		opts.TerminalGrace = 5 * time.Second
	}
	return &Engine{
		transfers: make(map[string]*Transfer),
		opts:      opts,
		nowMs:     ident.NowMs,
		logger:    logger,
	}
}

// SetClock overrides the wall clock; tests only.
func (e *Engine) SetClock(nowMs func() int64) {
	e.mu.Lock()
	e.nowMs = nowMs
	e.mu.Unlock()
}

// StartRequest describes a new relay session. Source is nil for host-library
// files; DeclaredSize comes from the index entry and may be refined later by
// RELAY_PUSH_META.
type StartRequest struct {
	TransferID      string
	FileID          string
	RequesterPeerID string
	SourcePeerID    string
	Requester       endpoint.Sender
	Source          endpoint.Sender
	DeclaredSize    int64
	MimeType        string
	SHA256          string
}

// Start registers the transfer and tells the requester the stream is coming.
// A duplicate transfer id is rejected.
func (e *Engine) Start(req StartRequest) error {
	e.mu.Lock()
	if _, exists := e.transfers[req.TransferID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("transfer: duplicate transfer id %q", req.TransferID)
	}
	t := &Transfer{
		ID:              req.TransferID,
		FileID:          req.FileID,
		RequesterPeerID: req.RequesterPeerID,
		SourcePeerID:    req.SourcePeerID,
		requester:       req.Requester,
		source:          req.Source,
		state:           StatePending,
		declaredSize:    req.DeclaredSize,
		mimeType:        req.MimeType,
		sha256:          req.SHA256,
		lastActivityMs:  e.nowMs(),
		cancel:          make(chan struct{}),
	}
	e.transfers[req.TransferID] = t
	e.mu.Unlock()

	metrics.ActiveTransfers.Inc()
	e.logger.Info("Transfer started",
		zap.String("transferId", req.TransferID),
		zap.String("fileId", req.FileID),
		zap.String("requester", req.RequesterPeerID),
		zap.String("source", req.SourcePeerID),
	)

	req.Requester.SendControl(protocol.TransferStart{
		Header:     protocol.NewHeader(protocol.TypeTransferStart),
		TransferID: req.TransferID,
		FileID:     req.FileID,
		Size:       req.DeclaredSize,
		MimeType:   req.MimeType,
	})
	metrics.RecordMessageSent(string(protocol.TypeTransferStart))
	return nil
}

// OnPushMeta lets a peer source refine the declared size and checksum before
// streaming. Unknown or terminal transfers are ignored.
func (e *Engine) OnPushMeta(m *protocol.RelayPushMeta) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[m.TransferID]
	if !ok || t.state.terminal() {
		return
	}
	t.declaredSize = m.Size
	if m.MimeType != "" {
		t.mimeType = m.MimeType
	}
	if m.SHA256 != "" {
		t.sha256 = m.SHA256
	}
	t.lastActivityMs = e.nowMs()
}

// SourceOf reports which peer feeds the given transfer, for frame-origin
// verification by the dispatcher.
func (e *Engine) SourceOf(transferID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[transferID]
	if !ok {
		return "", false
	}
	return t.SourcePeerID, true
}

// OnChunk routes one binary frame to the transfer's requester, unchanged, and
// reports progress. Bytes beyond the declared size fail the transfer; the
// boolean reports whether the frame was routed.
func (e *Engine) OnChunk(transferID string, frame, chunk []byte) bool {
	e.mu.Lock()
	t, ok := e.transfers[transferID]
	if !ok || t.state.terminal() {
		e.mu.Unlock()
		return false
	}
	if t.state == StatePending {
		t.state = StateUploading
	}
	t.bytes += int64(len(chunk))
	t.lastActivityMs = e.nowMs()

	if t.declaredSize > 0 && t.bytes > t.declaredSize {
		e.mu.Unlock()
		e.fail(transferID, protocol.CodeTransferError, "received more bytes than declared", "overflow")
		return false
	}
	requester := t.requester
	progress := progressMsg(t)
	e.mu.Unlock()

	requester.SendChunk(frame)
	metrics.RelayedBytes.Add(float64(len(chunk)))
	requester.SendControl(progress)
	metrics.RecordMessageSent(string(protocol.TypeTransferProgress))
	return true
}

func progressMsg(t *Transfer) protocol.TransferProgress {
	pct := 0
	if t.declaredSize > 0 {
		pct = int(t.bytes * 100 / t.declaredSize)
		if pct > 100 {
			pct = 100
		}
	}
	return protocol.TransferProgress{
		Header:           protocol.NewHeader(protocol.TypeTransferProgress),
		TransferID:       t.ID,
		BytesTransferred: t.bytes,
		TotalBytes:       t.declaredSize,
		Progress:         pct,
	}
}

// OnComplete finishes the transfer: the requester gets TRANSFER_COMPLETE and
// the record lingers for the grace period so late frames route nowhere noisy.
func (e *Engine) OnComplete(transferID string) {
	e.mu.Lock()
	t, ok := e.transfers[transferID]
	if !ok || t.state.terminal() {
		e.mu.Unlock()
		return
	}
	t.state = StateComplete
	t.lastActivityMs = e.nowMs()
	requester := t.requester
	msg := protocol.TransferComplete{
		Header:     protocol.NewHeader(protocol.TypeTransferComplete),
		TransferID: t.ID,
		FileID:     t.FileID,
		SHA256:     t.sha256,
	}
	bytes := t.bytes
	e.mu.Unlock()

	requester.SendControl(msg)
	metrics.RecordMessageSent(string(protocol.TypeTransferComplete))
	metrics.RecordTransferCompleted()
	e.logger.Info("Transfer complete",
		zap.String("transferId", transferID),
		zap.Int64("bytes", bytes),
	)
	e.retireLater(transferID)
}

// Cancel fails the transfer with the given code, notifying both sides.
func (e *Engine) Cancel(transferID string, code protocol.ErrorCode, reason string) {
	e.fail(transferID, code, reason, "cancelled")
}

func (e *Engine) fail(transferID string, code protocol.ErrorCode, reason, metric string) {
	e.mu.Lock()
	t, ok := e.transfers[transferID]
	if !ok || t.state.terminal() {
		e.mu.Unlock()
		return
	}
	if metric == "cancelled" {
		t.state = StateCancelled
	} else {
		t.state = StateError
	}
	t.lastActivityMs = e.nowMs()
	close(t.cancel)
	requester, source := t.requester, t.source
	e.mu.Unlock()

	msg := protocol.NewError(code, fmt.Sprintf("transfer %s: %s", transferID, reason))
	if requester != nil {
		requester.SendControl(msg)
	}
	if source != nil {
		source.SendControl(msg)
	}
	metrics.RecordTransferFailed(metric)
	metrics.RecordProtocolError(string(code))
	e.logger.Warn("Transfer failed",
		zap.String("transferId", transferID),
		zap.String("code", string(code)),
		zap.String("reason", reason),
	)
	e.retireLater(transferID)
}

// CancelForPeer tears down every transfer the departing peer participates in.
// When the source vanished the requester hears OWNER_OFFLINE; when the
// requester vanished the source hears TRANSFER_ERROR.
func (e *Engine) CancelForPeer(peerID string) {
	e.mu.Lock()
	type victim struct {
		id       string
		asSource bool
	}
	var victims []victim
	for id, t := range e.transfers {
		if t.state.terminal() {
			continue
		}
		switch peerID {
		case t.SourcePeerID:
			victims = append(victims, victim{id: id, asSource: true})
		case t.RequesterPeerID:
			victims = append(victims, victim{id: id})
		}
	}
	e.mu.Unlock()

	for _, v := range victims {
		if v.asSource {
			e.fail(v.id, protocol.CodeOwnerOffline, "source peer disconnected", "owner_offline")
		} else {
			e.fail(v.id, protocol.CodeTransferError, "requester disconnected", "requester_gone")
		}
	}
}

// SweepStale cancels transfers idle longer than ttl and reaps terminal
// records whose grace period has lapsed.
func (e *Engine) SweepStale(ttl time.Duration) {
	e.mu.Lock()
	now := e.nowMs()
	var stale []string
	for id, t := range e.transfers {
		if t.state.terminal() {
			continue
		}
		if now-t.lastActivityMs > ttl.Milliseconds() {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()

	for _, id := range stale {
		e.fail(id, protocol.CodeTransferError, "transfer stale", "stale")
	}
}

// StopAll cancels every live transfer; shutdown path.
func (e *Engine) StopAll() {
	e.mu.Lock()
	var live []string
	for id, t := range e.transfers {
		if !t.state.terminal() {
			live = append(live, id)
		}
	}
	e.mu.Unlock()

	for _, id := range live {
		e.fail(id, protocol.CodeTransferError, "host shutting down", "shutdown")
	}
}

// Count reports live (non-terminal) transfers.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.transfers {
		if !t.state.terminal() {
			n++
		}
	}
	return n
}

func (e *Engine) retireLater(transferID string) {
	time.AfterFunc(e.opts.TerminalGrace, func() {
		e.mu.Lock()
		delete(e.transfers, transferID)
		e.mu.Unlock()
	})
}

// ServeHostFile streams a host-library file to the transfer's requester.
// Meant to run in its own goroutine: reads block, SendChunk applies the
// requester's backpressure, and a short yield between chunks keeps one pull
// from starving the control plane.
func (e *Engine) ServeHostFile(lib library.HostLibrary, transferID, fileID string) {
	e.mu.Lock()
	t, ok := e.transfers[transferID]
	if !ok || t.state.terminal() {
		e.mu.Unlock()
		return
	}
	t.state = StateUploading
	requester := t.requester
	cancel := t.cancel
	e.mu.Unlock()

	rc, _, err := lib.Open(fileID)
	if err != nil {
		e.fail(transferID, protocol.CodeFileNotFound, "host file unavailable", "open_failed")
		return
	}
	defer rc.Close()

	buf := make([]byte, e.opts.ChunkSize)
	for {
		select {
		case <-cancel:
			return
		default:
		}

		n, readErr := rc.Read(buf)
		if n > 0 {
			frame := protocol.EncodeChunk(transferID, buf[:n])
			if err := requester.SendChunk(frame); err != nil {
				e.fail(transferID, protocol.CodeTransferError, "requester send failed", "send_failed")
				return
			}
			e.recordHostChunk(transferID, n, requester)
			time.Sleep(e.opts.InterChunkYield)
		}
		if readErr == io.EOF {
			e.OnComplete(transferID)
			return
		}
		if readErr != nil {
			e.fail(transferID, protocol.CodeTransferError, "host file read failed", "read_failed")
			return
		}
	}
}

func (e *Engine) recordHostChunk(transferID string, n int, requester endpoint.Sender) {
	e.mu.Lock()
	t, ok := e.transfers[transferID]
	if !ok || t.state.terminal() {
		e.mu.Unlock()
		return
	}
	t.bytes += int64(n)
	t.lastActivityMs = e.nowMs()
	progress := progressMsg(t)
	e.mu.Unlock()

	metrics.RelayedBytes.Add(float64(n))
	requester.SendControl(progress)
	metrics.RecordMessageSent(string(protocol.TypeTransferProgress))
}
