// Package noise implements the Noise_XX_25519_ChaChaPoly_BLAKE2s
// handshake pattern used to establish an authenticated channel between
// two nodes that do not know each other's static public key in
// advance.
//
// Pattern:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/fullbrightkay/routeweaver/internal/identity"
)

const (
	keySize   = 32
	nonceSize = chacha20poly1305.NonceSize
)

var (
	ProtocolName = []byte("Noise_XX_25519_ChaChaPoly_BLAKE2s")
	Prologue     = []byte("routeweaver-v1")

	ErrInvalidMessage  = errors.New("noise: invalid handshake message")
	ErrOutOfTurn       = errors.New("noise: message received out of turn")
	ErrAlreadyComplete = errors.New("noise: handshake already complete")
	ErrDecryptFailed   = errors.New("noise: decrypt failed")
	ErrIdentityMismatch = errors.New("noise: remote static key does not match filed key")
)

// step identifies which of the three XX messages comes next.
type step int

const (
	stepMsg1 step = iota // -> e
	stepMsg2             // <- e, ee, s, es
	stepMsg3             // -> s, se
	stepDone
)

// HandshakeState drives one side of one Noise XX exchange. A state is
// mutually exclusive with a transport state for the same peer key:
// callers must promote-or-discard atomically once IsComplete is true.
type HandshakeState struct {
	initiator bool
	step      step

	localStatic    identity.PrivateKey
	localStaticPub identity.PublicKey

	localEphemeral    [32]byte
	localEphemeralPub [32]byte

	remoteStatic    identity.PublicKey
	remoteEphemeral [32]byte
	haveRemoteStatic bool

	chainingKey [blake2s.Size]byte
	hash        [blake2s.Size]byte

	sendKey [keySize]byte
	recvKey [keySize]byte
}

// NewInitiator starts an XX handshake as the side that speaks first.
// The responder's static key is not yet known.
func NewInitiator(local *identity.Identity) *HandshakeState {
	hs := &HandshakeState{initiator: true, localStatic: local.Private, localStaticPub: local.Public}
	hs.init()
	return hs
}

// NewResponder starts an XX handshake as the side that reacts to the
// first message.
func NewResponder(local *identity.Identity) *HandshakeState {
	hs := &HandshakeState{initiator: false, localStatic: local.Private, localStaticPub: local.Public}
	hs.init()
	return hs
}

func (hs *HandshakeState) init() {
	hs.hash = blake2s.Sum256(ProtocolName)
	hs.chainingKey = hs.hash
	hs.mixHash(Prologue)
}

// IsMyTurn reports whether the next action is for this side to write.
func (hs *HandshakeState) IsMyTurn() bool {
	switch hs.step {
	case stepMsg1:
		return hs.initiator
	case stepMsg2:
		return !hs.initiator
	case stepMsg3:
		return hs.initiator
	default:
		return false
	}
}

// IsComplete reports whether the transport keys have been derived.
func (hs *HandshakeState) IsComplete() bool {
	return hs.step == stepDone
}

// RemoteStatic returns the remote's static public key; valid only
// after completion.
func (hs *HandshakeState) RemoteStatic() (identity.PublicKey, bool) {
	return hs.remoteStatic, hs.haveRemoteStatic
}

// WriteMessage produces the next handshake message for this side. A
// failure here means the caller must discard the handshake state
// entirely — there is no partial-failure recovery.
func (hs *HandshakeState) WriteMessage() ([]byte, error) {
	if !hs.IsMyTurn() {
		return nil, ErrOutOfTurn
	}
	switch hs.step {
	case stepMsg1:
		return hs.writeMsg1()
	case stepMsg2:
		return hs.writeMsg2()
	case stepMsg3:
		return hs.writeMsg3()
	default:
		return nil, ErrAlreadyComplete
	}
}

// ReadMessage consumes an inbound handshake message. An out-of-turn or
// post-complete message is ignored (returns ErrOutOfTurn /
// ErrAlreadyComplete) without mutating state; any other error means
// the caller must discard the handshake state.
func (hs *HandshakeState) ReadMessage(msg []byte) error {
	if hs.IsMyTurn() {
		return ErrOutOfTurn
	}
	switch hs.step {
	case stepMsg1:
		return hs.readMsg1(msg)
	case stepMsg2:
		return hs.readMsg2(msg)
	case stepMsg3:
		return hs.readMsg3(msg)
	default:
		return ErrAlreadyComplete
	}
}

// --- message 1: -> e ---

func (hs *HandshakeState) writeMsg1() ([]byte, error) {
	if err := hs.generateEphemeral(); err != nil {
		return nil, err
	}
	hs.mixHash(hs.localEphemeralPub[:])
	hs.step = stepMsg2
	out := make([]byte, 32)
	copy(out, hs.localEphemeralPub[:])
	return out, nil
}

func (hs *HandshakeState) readMsg1(msg []byte) error {
	if len(msg) != 32 {
		return ErrInvalidMessage
	}
	copy(hs.remoteEphemeral[:], msg)
	hs.mixHash(hs.remoteEphemeral[:])
	hs.step = stepMsg2
	return nil
}

// --- message 2: <- e, ee, s, es ---

func (hs *HandshakeState) writeMsg2() ([]byte, error) {
	if err := hs.generateEphemeral(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+48+16)
	out = append(out, hs.localEphemeralPub[:]...)
	hs.mixHash(hs.localEphemeralPub[:])

	ee, err := curve25519.X25519(hs.localEphemeral[:], hs.remoteEphemeral[:])
	if err != nil {
		return nil, fmt.Errorf("noise: DH(e,e): %w", err)
	}
	hs.mixKey(ee)

	encStatic := hs.encryptAndHash(hs.localStaticPub[:])
	out = append(out, encStatic...)

	es, err := curve25519.X25519(hs.localStatic[:], hs.remoteEphemeral[:])
	if err != nil {
		return nil, fmt.Errorf("noise: DH(s,e): %w", err)
	}
	hs.mixKey(es)

	hs.step = stepMsg3
	return out, nil
}

func (hs *HandshakeState) readMsg2(msg []byte) error {
	const want = 32 + 48
	if len(msg) != want {
		return ErrInvalidMessage
	}
	copy(hs.remoteEphemeral[:], msg[:32])
	hs.mixHash(hs.remoteEphemeral[:])

	ee, err := curve25519.X25519(hs.localEphemeral[:], hs.remoteEphemeral[:])
	if err != nil {
		return fmt.Errorf("noise: DH(e,e): %w", err)
	}
	hs.mixKey(ee)

	decStatic, err := hs.decryptAndHash(msg[32 : 32+48])
	if err != nil {
		return err
	}
	copy(hs.remoteStatic[:], decStatic)
	hs.haveRemoteStatic = true

	es, err := curve25519.X25519(hs.localEphemeral[:], hs.remoteStatic[:])
	if err != nil {
		return fmt.Errorf("noise: DH(e,s): %w", err)
	}
	hs.mixKey(es)

	hs.step = stepMsg3
	return nil
}

// --- message 3: -> s, se ---

func (hs *HandshakeState) writeMsg3() ([]byte, error) {
	encStatic := hs.encryptAndHash(hs.localStaticPub[:])

	se, err := curve25519.X25519(hs.localStatic[:], hs.remoteEphemeral[:])
	if err != nil {
		return nil, fmt.Errorf("noise: DH(s,e): %w", err)
	}
	hs.mixKey(se)

	hs.deriveTransportKeys()
	hs.step = stepDone
	return encStatic, nil
}

func (hs *HandshakeState) readMsg3(msg []byte) error {
	decStatic, err := hs.decryptAndHash(msg)
	if err != nil {
		return err
	}
	copy(hs.remoteStatic[:], decStatic)
	hs.haveRemoteStatic = true

	se, err := curve25519.X25519(hs.localEphemeral[:], hs.remoteStatic[:])
	if err != nil {
		return fmt.Errorf("noise: DH(e,s): %w", err)
	}
	hs.mixKey(se)

	hs.deriveTransportKeys()
	hs.step = stepDone
	return nil
}

// TransportKeys returns the derived send/recv keys; valid only once
// IsComplete is true.
func (hs *HandshakeState) TransportKeys() (send, recv [32]byte) {
	return hs.sendKey, hs.recvKey
}

// --- symmetric-state primitives, identical in shape to the teacher's
// mixHash/mixKey/encryptAndHash, generalized across three messages
// instead of two. ---

func (hs *HandshakeState) mixHash(data []byte) {
	h, _ := blake2s.New256(nil)
	h.Write(hs.hash[:])
	h.Write(data)
	copy(hs.hash[:], h.Sum(nil))
}

func (hs *HandshakeState) mixKey(input []byte) {
	temp := hmacBlake2s(hs.chainingKey[:], input)
	ck := hmacBlake2s(temp[:], []byte{0x01})
	copy(hs.chainingKey[:], ck[:])
}

func (hs *HandshakeState) encryptAndHash(plaintext []byte) []byte {
	key := hmacBlake2s(hs.chainingKey[:], []byte{0x03})
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic("noise: chacha20poly1305.New: " + err.Error())
	}
	var nonce [nonceSize]byte
	ciphertext := aead.Seal(nil, nonce[:], plaintext, hs.hash[:])
	hs.mixHash(ciphertext)
	return ciphertext
}

func (hs *HandshakeState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	key := hmacBlake2s(hs.chainingKey[:], []byte{0x03})
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("noise: create AEAD: %w", err)
	}
	var nonce [nonceSize]byte
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, hs.hash[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	hs.mixHash(ciphertext)
	return plaintext, nil
}

func (hs *HandshakeState) generateEphemeral() error {
	if _, err := rand.Read(hs.localEphemeral[:]); err != nil {
		return fmt.Errorf("noise: generate ephemeral: %w", err)
	}
	hs.localEphemeral[0] &= 248
	hs.localEphemeral[31] &= 127
	hs.localEphemeral[31] |= 64
	pub, err := curve25519.X25519(hs.localEphemeral[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	copy(hs.localEphemeralPub[:], pub)
	return nil
}

func (hs *HandshakeState) deriveTransportKeys() {
	temp := hmacBlake2s(hs.chainingKey[:], nil)
	k1 := hmacBlake2s(temp[:], []byte{0x01})
	k2 := hmacBlake2s(temp[:], append(append([]byte{}, k1[:]...), 0x02))
	if hs.initiator {
		hs.sendKey = k1
		hs.recvKey = k2
	} else {
		hs.sendKey = k2
		hs.recvKey = k1
	}
}

func hmacBlake2s(key, data []byte) [blake2s.Size]byte {
	if len(key) <= blake2s.Size {
		h, err := blake2s.New256(key)
		if err == nil {
			h.Write(data)
			var result [blake2s.Size]byte
			copy(result[:], h.Sum(nil))
			return result
		}
	}
	keyHash := blake2s.Sum256(key)
	h, _ := blake2s.New256(keyHash[:])
	h.Write(data)
	var result [blake2s.Size]byte
	copy(result[:], h.Sum(nil))
	return result
}
