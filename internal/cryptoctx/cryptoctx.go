// Package cryptoctx manages a connection's cryptographic state:
// session_id derivation, session key derivation, host-signature
// verification, and the current/next crypto rotation at NEWKEYS.
package cryptoctx

import (
	"crypto/hmac"
	"crypto/sha1"
	"errors"
	"hash"
	"math/big"

	"github.com/protocolkit/sshkex/internal/dhkex"
	"github.com/protocolkit/sshkex/internal/negotiate"
	"github.com/protocolkit/sshkex/internal/wire"
)

// ErrSignatureInvalid is returned by VerifySignature on mismatch.
var ErrSignatureInvalid = errors.New("cryptoctx: host signature verification failed")

// DirectionKeys holds the derived key material for one traffic
// direction.
type DirectionKeys struct {
	IV     []byte
	Cipher []byte
	MAC    []byte
}

// Context is a CryptoContext: the DH scalars, shared secret, host
// public key, derived session_id, and directional keys. At most one
// of a Session's current/next Context is non-empty at a time (see
// internal/session).
type Context struct {
	E, F *big.Int
	K    *big.Int

	HostKey   []byte
	Signature []byte

	SessionID []byte

	Algorithms *negotiate.Algorithms

	ClientToServer DirectionKeys
	ServerToClient DirectionKeys

	released bool
}

// New allocates an empty CryptoContext.
func New() *Context {
	return &Context{}
}

// FromDHResult folds a completed DH handshake result into a new
// Context, ready for MakeSessionID/DeriveSessionKeys/VerifySignature.
func FromDHResult(r *dhkex.Result) *Context {
	return &Context{
		E:         r.E,
		F:         r.F,
		K:         r.K,
		HostKey:   r.HostKey,
		Signature: r.Signature,
		SessionID: append([]byte(nil), r.H...),
	}
}

// MakeSessionID folds this handshake's exchange hash into the
// Session's persistent session_id slot. Only the first key exchange
// on a Session establishes it; later calls leave *persistent
// untouched and simply return it, so the session_id would survive a
// re-key.
func MakeSessionID(persistent *[]byte, exchangeHash []byte) []byte {
	if len(*persistent) == 0 {
		*persistent = append([]byte(nil), exchangeHash...)
	}
	return *persistent
}

// SetAlgorithms binds the negotiated cipher/MAC choice to this
// context.
func SetAlgorithms(c *Context, algs *negotiate.Algorithms) {
	c.Algorithms = algs
}

// DeriveSessionKeys derives directional encryption/integrity/IV
// material from K and session_id, following RFC 4253 §7.2's
// HASH(K || H || letter || session_id) construction.
func DeriveSessionKeys(c *Context) error {
	if c.SessionID == nil || c.K == nil {
		return errors.New("cryptoctx: session keys require K and session_id")
	}
	kBytes := wire.PutBigInt(nil, c.K)

	c.ClientToServer.IV = derive(kBytes, c.SessionID, c.SessionID, 'A', 16)
	c.ServerToClient.IV = derive(kBytes, c.SessionID, c.SessionID, 'B', 16)
	c.ClientToServer.Cipher = derive(kBytes, c.SessionID, c.SessionID, 'C', 16)
	c.ServerToClient.Cipher = derive(kBytes, c.SessionID, c.SessionID, 'D', 16)
	c.ClientToServer.MAC = derive(kBytes, c.SessionID, c.SessionID, 'E', 20)
	c.ServerToClient.MAC = derive(kBytes, c.SessionID, c.SessionID, 'F', 20)
	return nil
}

// derive implements RFC 4253 §7.2: HASH(K || H || letter || session_id),
// extended with further HASH(K || H || prior) blocks if more bytes are
// needed than one hash output provides.
func derive(k, h, sessionID []byte, letter byte, want int) []byte {
	digest := sha1.New()
	digest.Write(k)
	digest.Write(h)
	digest.Write([]byte{letter})
	digest.Write(sessionID)
	out := digest.Sum(nil)

	for len(out) < want {
		digest := sha1.New()
		digest.Write(k)
		digest.Write(h)
		digest.Write(out)
		out = append(out, digest.Sum(nil)...)
	}
	return out[:want]
}

// hostKeyVerifier is the minimal surface a parsed SSH public key must
// offer to verify a signature over the exchange hash; the concrete
// RSA/DSA/ECDSA parsing lives with the caller.
type hostKeyVerifier interface {
	Verify(data, sig []byte) bool
}

// VerifySignature checks the host's signature over the session_id.
// It must be called after MakeSessionID has produced a session_id and
// before the previous crypto context is discarded.
func VerifySignature(c *Context, hostKey hostKeyVerifier) error {
	if len(c.Signature) == 0 {
		return dhkex.ErrNoSignature
	}
	if !hostKey.Verify(c.SessionID, c.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// HMACSum is a small helper exposed for callers (e.g. tests) that
// want to validate DeriveSessionKeys output against RFC 4253's
// HMAC-based MAC algorithms.
func HMACSum(key, data []byte, newHash func() hash.Hash) []byte {
	mac := hmac.New(newHash, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Release zero-wipes every secret this Context holds. It is safe to
// call more than once.
func Release(c *Context) {
	if c == nil || c.released {
		return
	}
	wipeBigInt(c.E)
	wipeBigInt(c.F)
	wipeBigInt(c.K)
	wipe(c.HostKey)
	wipe(c.Signature)
	wipe(c.SessionID)
	wipe(c.ClientToServer.IV)
	wipe(c.ClientToServer.Cipher)
	wipe(c.ClientToServer.MAC)
	wipe(c.ServerToClient.IV)
	wipe(c.ServerToClient.Cipher)
	wipe(c.ServerToClient.MAC)
	c.released = true
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// wipeBigInt zeroes the Int's backing words before dropping the
// value; SetInt64(0) alone only truncates the slice length and leaves
// the secret words live in the heap.
func wipeBigInt(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
}
