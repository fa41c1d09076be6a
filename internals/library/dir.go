package library

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pandemicaudio/venuehost/internals/ident"
	"github.com/pandemicaudio/venuehost/internals/protocol"
	"go.uber.org/zap"
)

var audioMimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".flac": "audio/flac",
	".wav":  "audio/wav",
}

// DirLibrary serves the host library from a directory of audio files. File
// ids derive from content hashes so a rescan keeps ids stable, and Refresh
// diffs against the previous scan to drive OnChange callbacks.
type DirLibrary struct {
	dir       string
	ownerName string
	room      RoomView

	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
	locked  bool

	cbMu      sync.Mutex
	callbacks []ChangeFunc

	logger *zap.Logger
}

// NewDirLibrary scans dir and returns the library. An empty dir yields an
// empty library, which is fine for guest-only venues.
func NewDirLibrary(dir, roomName, ownerName string, logger *zap.Logger) (*DirLibrary, error) {
	l := &DirLibrary{
		dir:       dir,
		ownerName: ownerName,
		room: RoomView{
			ID:   ident.NewRoomID(),
			Name: roomName,
		},
		entries: make(map[string]Entry),
		logger:  logger,
	}
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("library dir: %w", err)
		}
		if err := l.Refresh(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *DirLibrary) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.entries[id])
	}
	return out
}

func (l *DirLibrary) Get(fileID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[fileID]
	return e, ok
}

func (l *DirLibrary) Open(fileID string) (io.ReadCloser, Entry, error) {
	e, ok := l.Get(fileID)
	if !ok {
		return nil, Entry{}, fmt.Errorf("library: unknown file %q", fileID)
	}
	f, err := os.Open(e.Path)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("library: open %q: %w", e.Path, err)
	}
	return f, e, nil
}

func (l *DirLibrary) IsRoomLocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locked
}

// SetLocked flips the room lock. While locked only the host library
// contributes to the index.
func (l *DirLibrary) SetLocked(locked bool) {
	l.mu.Lock()
	l.locked = locked
	l.mu.Unlock()
}

func (l *DirLibrary) RoomView() RoomView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v := l.room
	v.Locked = l.locked
	return v
}

func (l *DirLibrary) OnChange(fn ChangeFunc) {
	l.cbMu.Lock()
	l.callbacks = append(l.callbacks, fn)
	l.cbMu.Unlock()
}

// Refresh rescans the directory, swaps in the new entry set, and notifies
// observers of the delta.
func (l *DirLibrary) Refresh() error {
	if l.dir == "" {
		return nil
	}
	scanned, order, err := l.scan()
	if err != nil {
		return err
	}

	l.mu.Lock()
	var upserts []protocol.FileMeta
	var removed []string
	for id, e := range scanned {
		old, ok := l.entries[id]
		if !ok || old.Path != e.Path || old.Meta.SizeBytes != e.Meta.SizeBytes {
			upserts = append(upserts, e.Meta)
		}
	}
	for id := range l.entries {
		if _, ok := scanned[id]; !ok {
			removed = append(removed, id)
		}
	}
	l.entries = scanned
	l.order = order
	l.mu.Unlock()

	if len(upserts) > 0 || len(removed) > 0 {
		l.logger.Info("Host library refreshed",
			zap.Int("files", len(scanned)),
			zap.Int("upserts", len(upserts)),
			zap.Int("removed", len(removed)),
		)
		l.cbMu.Lock()
		cbs := make([]ChangeFunc, len(l.callbacks))
		copy(cbs, l.callbacks)
		l.cbMu.Unlock()
		for _, fn := range cbs {
			fn(upserts, removed)
		}
	}
	return nil
}

func (l *DirLibrary) scan() (map[string]Entry, []string, error) {
	names, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("library scan: %w", err)
	}

	entries := make(map[string]Entry)
	var order []string
	sort.Slice(names, func(i, j int) bool { return names[i].Name() < names[j].Name() })

	for _, de := range names {
		if de.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(de.Name()))
		mime, ok := audioMimeTypes[ext]
		if !ok {
			continue
		}
		path := filepath.Join(l.dir, de.Name())
		meta, err := l.describe(path, de.Name(), mime)
		if err != nil {
			l.logger.Warn("Skipping unreadable library file",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		entries[meta.FileID] = Entry{Meta: meta, Path: path}
		order = append(order, meta.FileID)
	}
	return entries, order, nil
}

func (l *DirLibrary) describe(path, name, mime string) (protocol.FileMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.FileMeta{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return protocol.FileMeta{}, err
	}
	sum := hex.EncodeToString(h.Sum(nil))

	title := strings.TrimSuffix(name, filepath.Ext(name))
	return protocol.FileMeta{
		FileID:      "host_" + sum[:12],
		Title:       title,
		SizeBytes:   size,
		MimeType:    mime,
		SHA256:      sum,
		OwnerPeerID: ident.HostPeerID,
		OwnerName:   l.ownerName,
		AddedAtMs:   ident.NowMs(),
	}, nil
}
