package ident

import (
	"strings"
	"testing"
)

func TestIDsHavePrefixes(t *testing.T) {
	cases := []struct {
		gen    func() string
		prefix string
	}{
		{NewRoomID, "room_"},
		{NewHostID, "host_"},
	}
	for _, tc := range cases {
		id := tc.gen()
		if !strings.HasPrefix(id, tc.prefix) {
			t.Errorf("id %q missing prefix %q", id, tc.prefix)
		}
		if len(id) != len(tc.prefix)+12 {
			t.Errorf("id %q has unexpected length", id)
		}
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewHostID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNowMsLooksLikeMilliseconds(t *testing.T) {
	ms := NowMs()
	// Anything after 2020 and before 2100, in ms.
	if ms < 1_577_836_800_000 || ms > 4_102_444_800_000 {
		t.Fatalf("NowMs = %d", ms)
	}
}
