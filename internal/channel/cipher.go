// Package channel provides the per-peer symmetric read/write operations
// over a completed Noise transport state: seal frames a MessageSegment
// for the wire, open recovers one from ciphertext. A single corrupt
// packet must never tear down the session — open failures are the
// caller's to log and drop.
package channel

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

const nonceSize = chacha20poly1305.NonceSize

var ErrOpenFailed = errors.New("channel: open failed")

// Transport is the promoted, authenticated state for one peer. A
// handshake state and a Transport are mutually exclusive for a given
// peer key — promotion from one to the other must be atomic at the
// call site (see internal/handshake).
type Transport struct {
	sendKey [32]byte
	recvKey [32]byte

	sendCounter atomic.Uint64

	recvMu   sync.Mutex
	recvSeen map[uint64]struct{} // small anti-replay window; bounded below
}

const replayWindow = 1024

// NewTransport builds a Transport from Noise-derived directional keys.
func NewTransport(sendKey, recvKey [32]byte) *Transport {
	return &Transport{
		sendKey:  sendKey,
		recvKey:  recvKey,
		recvSeen: make(map[uint64]struct{}, replayWindow),
	}
}

// Seal encrypts plaintext and returns a counter-prefixed ciphertext
// ready to be wrapped into a Packet's MessageSegment payload.
func (t *Transport) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(t.sendKey[:])
	if err != nil {
		return nil, err
	}
	counter := t.sendCounter.Add(1) - 1
	var nonce [nonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	out := make([]byte, 8, 8+len(plaintext)+chacha20poly1305.Overhead)
	binary.LittleEndian.PutUint64(out, counter)
	out = aead.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

// Open decrypts a counter-prefixed ciphertext produced by the peer's
// Seal. Returns ErrOpenFailed on any authentication failure or replay;
// the caller drops the packet and keeps the channel alive.
func (t *Transport) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 8+chacha20poly1305.Overhead {
		return nil, ErrOpenFailed
	}
	counter := binary.LittleEndian.Uint64(ciphertext[:8])

	t.recvMu.Lock()
	if _, dup := t.recvSeen[counter]; dup {
		t.recvMu.Unlock()
		return nil, ErrOpenFailed
	}
	t.recvMu.Unlock()

	aead, err := chacha20poly1305.New(t.recvKey[:])
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext[8:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}

	t.recvMu.Lock()
	t.recvSeen[counter] = struct{}{}
	if len(t.recvSeen) > replayWindow {
		// Drop an arbitrary old entry; Go map iteration order is
		// randomized, which is fine for a bound, not an LRU.
		for k := range t.recvSeen {
			delete(t.recvSeen, k)
			break
		}
	}
	t.recvMu.Unlock()

	return plaintext, nil
}
