package jailssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"
)

func genPubKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func TestPinAndLookupRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := genPubKey(t)
	if err := m.Pin("web", key); err != nil {
		t.Fatal(err)
	}

	got, err := m.lookup("web")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Marshal()) != string(key.Marshal()) {
		t.Fatal("looked up key does not match pinned key")
	}
}

func TestLookup_UnpinnedJailFails(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.lookup("ghost"); err == nil {
		t.Fatal("expected an error looking up an unpinned jail")
	}
}

func TestPin_ReplacesPreviousEntryForSameJail(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	first := genPubKey(t)
	second := genPubKey(t)

	if err := m.Pin("web", first); err != nil {
		t.Fatal(err)
	}
	if err := m.Pin("web", second); err != nil {
		t.Fatal(err)
	}

	got, err := m.lookup("web")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Marshal()) != string(second.Marshal()) {
		t.Fatal("expected lookup to return the most recently pinned key")
	}
}

func TestPin_OtherJailsUnaffected(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	webKey := genPubKey(t)
	dbKey := genPubKey(t)

	if err := m.Pin("web", webKey); err != nil {
		t.Fatal(err)
	}
	if err := m.Pin("db", dbKey); err != nil {
		t.Fatal(err)
	}
	if err := m.Pin("web", webKey); err != nil {
		t.Fatal(err)
	}

	got, err := m.lookup("db")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Marshal()) != string(dbKey.Marshal()) {
		t.Fatal("re-pinning web should not disturb db's entry")
	}
}
