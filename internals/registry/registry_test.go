package registry

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/pandemicaudio/venuehost/internals/ident"
	"github.com/pandemicaudio/venuehost/internals/library"
	"github.com/pandemicaudio/venuehost/internals/protocol"
	"go.uber.org/zap"
)

const testMaxFileBytes = 50 * 1024 * 1024

type fakeLibrary struct {
	mu      sync.Mutex
	entries []library.Entry
	locked  bool
}

func (f *fakeLibrary) List() []library.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]library.Entry(nil), f.entries...)
}

func (f *fakeLibrary) Get(fileID string) (library.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Meta.FileID == fileID {
			return e, true
		}
	}
	return library.Entry{}, false
}

func (f *fakeLibrary) Open(fileID string) (io.ReadCloser, library.Entry, error) {
	return nil, library.Entry{}, errors.New("not backed by disk")
}

func (f *fakeLibrary) IsRoomLocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

func (f *fakeLibrary) RoomView() library.RoomView {
	return library.RoomView{ID: "room_test", Name: "Test Venue"}
}

func (f *fakeLibrary) OnChange(fn library.ChangeFunc) {}

type nopSender struct{}

func (nopSender) SendControl(msg any) error   { return nil }
func (nopSender) SendChunk(frame []byte) error { return nil }
func (nopSender) Close()                       {}

func newTestRegistry(t *testing.T) (*Registry, *fakeLibrary) {
	t.Helper()
	lib := &fakeLibrary{}
	return New(lib, testMaxFileBytes, zap.NewNop()), lib
}

func meta(fileID string, size int64) protocol.FileMeta {
	return protocol.FileMeta{
		FileID:    fileID,
		Title:     fileID,
		SizeBytes: size,
		MimeType:  "audio/mpeg",
		SHA256:    "h-" + fileID,
	}
}

func mustRegisterAndJoin(t *testing.T, r *Registry, peerID string) {
	t.Helper()
	if _, err := r.RegisterPeer(peerID, "device-"+peerID, protocol.PlatformAndroid, "1.0", nopSender{}); err != nil {
		t.Fatalf("RegisterPeer(%s): %v", peerID, err)
	}
	if _, err := r.JoinRoom(peerID, ""); err != nil {
		t.Fatalf("JoinRoom(%s): %v", peerID, err)
	}
}

func TestRegisterRejectsDuplicatePeerID(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.RegisterPeer("A", "a", protocol.PlatformIOS, "", nopSender{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := r.RegisterPeer("A", "a2", protocol.PlatformIOS, "", nopSender{})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestJoinRoomDefaultAndUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.RegisterPeer("A", "a", protocol.PlatformAndroid, "", nopSender{}); err != nil {
		t.Fatal(err)
	}

	room, err := r.JoinRoom("A", "")
	if err != nil {
		t.Fatalf("join default: %v", err)
	}
	if room.RoomID != "room_test" || room.RoomName != "Test Venue" {
		t.Fatalf("unexpected room: %+v", room)
	}

	if _, err := r.JoinRoom("A", "room_other"); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("err = %v, want ErrUnknownRoom", err)
	}
	if _, err := r.JoinRoom("ghost", ""); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegisterAndJoin(t, r, "A")
	if _, err := r.JoinRoom("A", "room_test"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if got := r.PeerCount(); got != 1 {
		t.Fatalf("PeerCount = %d, want 1", got)
	}
}

func TestShareRequiresRoomMembership(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.RegisterPeer("A", "a", protocol.PlatformAndroid, "", nopSender{}); err != nil {
		t.Fatal(err)
	}
	_, err := r.ShareFiles("A", []protocol.FileMeta{meta("F1", 100)})
	if !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("err = %v, want ErrNotInRoom", err)
	}
}

func TestShareRejectedWhenLocked(t *testing.T) {
	r, lib := newTestRegistry(t)
	mustRegisterAndJoin(t, r, "A")
	lib.locked = true

	_, err := r.ShareFiles("A", []protocol.FileMeta{meta("F1", 100)})
	if !errors.Is(err, ErrRoomLocked) {
		t.Fatalf("err = %v, want ErrRoomLocked", err)
	}
	if _, err := r.UnshareFiles("A", []string{"F1"}); !errors.Is(err, ErrRoomLocked) {
		t.Fatalf("unshare err = %v, want ErrRoomLocked", err)
	}
}

func TestShareSkipsOversizedFiles(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegisterAndJoin(t, r, "A")

	added, err := r.ShareFiles("A", []protocol.FileMeta{
		meta("exact", testMaxFileBytes),
		meta("over", testMaxFileBytes+1),
		meta("small", 10),
	})
	if err != nil {
		t.Fatalf("ShareFiles: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("added %d files, want 2", len(added))
	}
	if added[0].FileID != "exact" || added[1].FileID != "small" {
		t.Fatalf("unexpected batch: %+v", added)
	}
	if _, ok := r.ResolveFile("over"); ok {
		t.Fatal("oversized file should not be indexed")
	}
}

func TestShareForcesOwnership(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegisterAndJoin(t, r, "A")

	f := meta("F1", 100)
	f.OwnerPeerID = "someone-else"
	f.OwnerName = ""
	added, err := r.ShareFiles("A", []protocol.FileMeta{f})
	if err != nil {
		t.Fatal(err)
	}
	if added[0].OwnerPeerID != "A" {
		t.Fatalf("ownerPeerId = %q, want A", added[0].OwnerPeerID)
	}
	if added[0].OwnerName != "device-A" {
		t.Fatalf("ownerName = %q, want device name fallback", added[0].OwnerName)
	}
	if added[0].AddedAtMs == 0 {
		t.Fatal("addedAtMs not stamped")
	}
}

func TestIndexOrdering(t *testing.T) {
	r, lib := newTestRegistry(t)
	lib.entries = []library.Entry{
		{Meta: meta("H1", 10)},
		{Meta: meta("H2", 10)},
	}

	mustRegisterAndJoin(t, r, "A")
	mustRegisterAndJoin(t, r, "B")

	if _, err := r.ShareFiles("B", []protocol.FileMeta{meta("B1", 1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ShareFiles("A", []protocol.FileMeta{meta("A1", 1), meta("A2", 1)}); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, f := range r.Index() {
		got = append(got, f.FileID)
	}
	want := []string{"H1", "H2", "A1", "A2", "B1"}
	if len(got) != len(want) {
		t.Fatalf("index = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestUnshareRemovesOnlyNamedFiles(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegisterAndJoin(t, r, "A")
	if _, err := r.ShareFiles("A", []protocol.FileMeta{meta("F1", 1), meta("F2", 1)}); err != nil {
		t.Fatal(err)
	}

	removed, err := r.UnshareFiles("A", []string{"F1", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "F1" {
		t.Fatalf("removed = %v, want [F1]", removed)
	}
	if _, ok := r.ResolveFile("F1"); ok {
		t.Fatal("F1 still resolvable")
	}
	if _, ok := r.ResolveFile("F2"); !ok {
		t.Fatal("F2 should remain")
	}
}

func TestResolvePrefersHostLibrary(t *testing.T) {
	r, lib := newTestRegistry(t)
	lib.entries = []library.Entry{{Meta: meta("H1", 10), Path: "/tmp/h1.mp3"}}
	mustRegisterAndJoin(t, r, "A")

	res, ok := r.ResolveFile("H1")
	if !ok {
		t.Fatal("host file not resolved")
	}
	if res.SourceKind != SourceHost || res.OwnerPeerID != ident.HostPeerID {
		t.Fatalf("unexpected resolution: %+v", res)
	}

	if _, err := r.ShareFiles("A", []protocol.FileMeta{meta("G1", 1)}); err != nil {
		t.Fatal(err)
	}
	res, ok = r.ResolveFile("G1")
	if !ok || res.SourceKind != SourcePeer || res.OwnerPeerID != "A" {
		t.Fatalf("guest resolution: ok=%v res=%+v", ok, res)
	}

	if _, ok := r.ResolveFile("nope"); ok {
		t.Fatal("unknown file resolved")
	}
}

func TestRemovePeerCascades(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegisterAndJoin(t, r, "A")
	mustRegisterAndJoin(t, r, "B")
	if _, err := r.ShareFiles("A", []protocol.FileMeta{meta("F1", 1), meta("F2", 1)}); err != nil {
		t.Fatal(err)
	}

	removed, wasJoined := r.RemovePeer("A")
	if !wasJoined {
		t.Fatal("wasJoined = false")
	}
	if len(removed) != 2 {
		t.Fatalf("removed %d files, want 2", len(removed))
	}
	if r.PeerCount() != 1 {
		t.Fatalf("PeerCount = %d, want 1", r.PeerCount())
	}
	if _, ok := r.ResolveFile("F1"); ok {
		t.Fatal("F1 survived removal")
	}
	if _, ok := r.EndpointFor("A"); ok {
		t.Fatal("endpoint survived removal")
	}

	// Second removal is a no-op.
	if _, again := r.RemovePeer("A"); again {
		t.Fatal("second removal reported a join")
	}
}

func TestStalePeers(t *testing.T) {
	r, _ := newTestRegistry(t)
	now := int64(1_000_000)
	r.SetClock(func() int64 { return now })

	mustRegisterAndJoin(t, r, "A")
	mustRegisterAndJoin(t, r, "B")

	now += 61_000
	r.Touch("B")

	stale := r.StalePeers(60_000)
	if len(stale) != 1 || stale[0] != "A" {
		t.Fatalf("stale = %v, want [A]", stale)
	}
}

func TestEndpointsInRoomExcludes(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegisterAndJoin(t, r, "A")
	mustRegisterAndJoin(t, r, "B")
	mustRegisterAndJoin(t, r, "C")

	if got := len(r.EndpointsInRoom("B")); got != 2 {
		t.Fatalf("endpoints = %d, want 2", got)
	}
	if got := len(r.EndpointsInRoom("")); got != 3 {
		t.Fatalf("endpoints = %d, want 3", got)
	}
}

func TestConcurrentSharing(t *testing.T) {
	r, _ := newTestRegistry(t)
	const peers = 8
	for i := 0; i < peers; i++ {
		mustRegisterAndJoin(t, r, fmt.Sprintf("p%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peerID := fmt.Sprintf("p%d", i)
			for j := 0; j < 20; j++ {
				id := fmt.Sprintf("f-%d-%d", i, j)
				if _, err := r.ShareFiles(peerID, []protocol.FileMeta{meta(id, 1)}); err != nil {
					t.Errorf("ShareFiles: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if got := r.SharedFileCount(); got != peers*20 {
		t.Fatalf("SharedFileCount = %d, want %d", got, peers*20)
	}
}
