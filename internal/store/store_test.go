package store

import (
	"path/filepath"
	"testing"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/peer"
)

func testKey(t *testing.T, b byte) identity.PublicKey {
	t.Helper()
	var k identity.PublicKey
	k[0] = b
	return k
}

func testPeer(t *testing.T) peer.Peer {
	t.Helper()
	p, err := peer.Parse("/tcp/ip/127.0.0.1/9993")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "addressbook.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRememberAndSeedPeers(t *testing.T) {
	s := openTestStore(t)
	key := testKey(t, 1)
	p := testPeer(t)

	if err := s.Remember(key, p); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	seeded, err := s.SeedPeers()
	if err != nil {
		t.Fatalf("SeedPeers: %v", err)
	}
	got, ok := seeded[key]
	if !ok {
		t.Fatalf("expected remembered key to be seeded")
	}
	if got.String() != p.String() {
		t.Fatalf("seeded peer = %v, want %v", got, p)
	}
}

func TestDenyExcludesFromSeedAndMarksDenied(t *testing.T) {
	s := openTestStore(t)
	key := testKey(t, 2)

	if err := s.Remember(key, testPeer(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.Deny(key); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	if !s.IsDenied(key) {
		t.Fatalf("expected key to be denied")
	}
	seeded, err := s.SeedPeers()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := seeded[key]; ok {
		t.Fatalf("denied key should not be seeded")
	}

	denied, err := s.DeniedKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(denied) != 1 || denied[0] != key {
		t.Fatalf("DeniedKeys = %v, want [%v]", denied, key)
	}
}

func TestIsDeniedFalseForUnknownKey(t *testing.T) {
	s := openTestStore(t)
	if s.IsDenied(testKey(t, 3)) {
		t.Fatalf("unknown key should not be denied")
	}
}
