// Package dhkex implements the Diffie-Hellman handshake state machine:
// the five-state, re-entrant progression from KEXDH_INIT through
// NEWKEYS. The exchange is structured as explicit states rather than
// one blocking call so it can be driven by a callback-based,
// single-threaded event loop.
package dhkex

import (
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/protocolkit/sshkex/internal/wire"
)

// Message type constants, per RFC 4253 §12.
const (
	MsgKexDHInit  = 30
	MsgKexDHReply = 31
	MsgNewKeys    = 21
)

// State is the DH machine's own progression, independent of the
// owning Session's session_state.
type State int

const (
	StateInit State = iota
	StateInitToSend
	StateInitSent
	StateNewKeysToSend
	StateNewKeysSent
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateInitToSend:
		return "INIT_TO_SEND"
	case StateInitSent:
		return "INIT_SENT"
	case StateNewKeysToSend:
		return "NEWKEYS_TO_SEND"
	case StateNewKeysSent:
		return "NEWKEYS_SENT"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Group is a multiplicative group suitable for Diffie-Hellman, per
// RFC 4253/RFC 3526. Only group1 (RFC 2409 Oakley group 2) and
// group14 are wired, matching the negotiator's Defaults.Kex list.
type Group struct {
	G, P *big.Int
}

func (g *Group) diffieHellman(theirPublic, myPrivate *big.Int) (*big.Int, error) {
	if theirPublic.Sign() <= 0 || theirPublic.Cmp(g.P) >= 0 {
		return nil, ErrBadF
	}
	return new(big.Int).Exp(theirPublic, myPrivate, g.P), nil
}

// Group1 is diffie-hellman-group1-sha1 (RFC 4253, Oakley Group 2).
var Group1 = &Group{
	G: big.NewInt(2),
	P: mustHex("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"),
}

// Group14 is diffie-hellman-group14-sha1 (RFC 3526, Oakley Group 14).
var Group14 = &Group{
	G: big.NewInt(2),
	P: mustHex("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"),
}

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("dhkex: bad group constant")
	}
	return n
}

// GroupForKex returns the group backing a negotiated KEX algorithm
// name.
func GroupForKex(name string) (*Group, error) {
	switch name {
	case "diffie-hellman-group14-sha1":
		return Group14, nil
	case "diffie-hellman-group1-sha1":
		return Group1, nil
	default:
		return nil, fmt.Errorf("dhkex: unsupported key exchange algorithm %q (dispatch to an external module)", name)
	}
}

// Errors specific to this subsystem.
var (
	ErrNoPublicKey     = errors.New("dhkex: KEXDH_REPLY missing host public key")
	ErrNoF             = errors.New("dhkex: KEXDH_REPLY missing f")
	ErrNoSignature     = errors.New("dhkex: KEXDH_REPLY missing signature")
	ErrBadF            = errors.New("dhkex: f out of range")
	ErrBadK            = errors.New("dhkex: failed to derive shared secret")
	ErrDuplicateReply  = errors.New("dhkex: duplicate KEXDH_REPLY")
	ErrSignatureFailed = errors.New("dhkex: host signature verification failed")
)

// Magics are the four transcript fields the exchange hash is built
// over, alongside the DH-specific e/f/hostkey/k fields: both
// banners and both KEXINIT payloads.
type Magics struct {
	ClientVersion, ServerVersion []byte
	ClientKexInit, ServerKexInit []byte
}

// Reply is the parsed SSH_MSG_KEXDH_REPLY payload.
type Reply struct {
	HostKey   []byte
	F         *big.Int
	Signature []byte
}

// ParseReply decodes "u8 type | ssh-string host-key-blob | ssh-string f | ssh-string signature".
func ParseReply(packet []byte) (*Reply, error) {
	if len(packet) == 0 || packet[0] != MsgKexDHReply {
		return nil, fmt.Errorf("dhkex: unexpected message type")
	}
	rest := packet[1:]

	hostKey, rest, err := wire.GetString(rest)
	if err != nil {
		return nil, ErrNoPublicKey
	}
	if len(hostKey) == 0 {
		return nil, ErrNoPublicKey
	}

	f, rest, err := wire.GetBigInt(rest)
	if err != nil {
		return nil, ErrNoF
	}

	sig, _, err := wire.GetString(rest)
	if err != nil {
		return nil, ErrNoSignature
	}
	if len(sig) == 0 {
		return nil, ErrNoSignature
	}

	return &Reply{HostKey: append([]byte(nil), hostKey...), F: f, Signature: append([]byte(nil), sig...)}, nil
}

// Result is everything the crypto context manager needs to finish the
// handshake: the exchange hash H (this machine's session_id
// candidate), the shared secret K, and the transcript fields used to
// verify the host signature.
type Result struct {
	H         []byte
	K         *big.Int
	HostKey   []byte
	Signature []byte
	E, F      *big.Int
}

// wipeBigInt overwrites a big.Int's backing words before it is
// dropped. SetInt64(0) alone only truncates the slice length and
// leaves the secret words live in the heap, so each word is zeroed
// explicitly first.
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

// Machine drives the five-state DH handshake. It is re-entrant: Step
// enters at the current state and falls through every state whose
// preconditions are already satisfied, returning only when it must
// wait for a network event or a flush.
type Machine struct {
	group *Group
	state State

	x *big.Int // private scalar; redrawn every session, never cached
	e *big.Int

	reply *Reply // set once KEXDH_REPLY is received; nil afterwards once consumed

	result *Result

	pendingOutbound [][]byte
	gotReply        bool
}

// NewMachine starts a fresh handshake over the given group. x is
// freshly drawn in Step(StateInit), never reused across Machines.
func NewMachine(group *Group) *Machine {
	return &Machine{group: group, state: StateInit}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Outbound drains and returns packets the machine has queued for
// the transport to flush (the INIT_TO_SEND/NEWKEYS_TO_SEND states'
// "drain outbound queue" contract).
func (m *Machine) Outbound() [][]byte {
	out := m.pendingOutbound
	m.pendingOutbound = nil
	return out
}

// DeliverKexDHReply feeds a received KEXDH_REPLY packet to the
// machine. It is a one-shot wait: a second delivery is an error.
func (m *Machine) DeliverKexDHReply(packet []byte) error {
	if m.gotReply {
		return ErrDuplicateReply
	}
	reply, err := ParseReply(packet)
	if err != nil {
		return err
	}
	m.reply = reply
	m.gotReply = true
	return nil
}

// Step advances the machine as far as it can from its current state
// without blocking on a network event, given rnd as the entropy
// source for the private scalar and magics for the transcript. It
// returns (true, nil) once FINISHED is reached, (false, nil) when it
// must wait for more input, and (false, err) on any failure -- at
// which point the machine's ephemeral state (x, e, the reply's
// f/hostkey/signature) has already been wiped. newKeysReceived
// reports whether the peer's NEWKEYS has arrived yet; it is checked
// only once the machine reaches NEWKEYS_SENT.
func (m *Machine) Step(rnd io.Reader, magics *Magics, newKeysReceived bool) (done bool, err error) {
	for {
		switch m.state {
		case StateInit:
			x, err := rand.Int(rnd, m.group.P)
			if err != nil {
				return false, m.fail(err)
			}
			m.x = x
			m.e = new(big.Int).Exp(m.group.G, m.x, m.group.P)

			packet := []byte{MsgKexDHInit}
			packet = wire.PutBigInt(packet, m.e)
			m.pendingOutbound = append(m.pendingOutbound, packet)
			m.state = StateInitToSend

		case StateInitToSend:
			// Outbound() must be called by the caller to actually
			// flush; we can't know it drained without that signal,
			// so this state yields until the caller tells us it did
			// via AckFlush.
			return false, nil

		case StateInitSent:
			if !m.gotReply {
				return false, nil
			}
			reply := m.reply

			k, err := m.group.diffieHellman(reply.F, m.x)
			if err != nil {
				return false, m.fail(err)
			}
			if k.Sign() == 0 {
				return false, m.fail(ErrBadK)
			}
			m.reply = nil

			h := sha1.New()
			writeString(h, magics.ClientVersion)
			writeString(h, magics.ServerVersion)
			writeString(h, magics.ClientKexInit)
			writeString(h, magics.ServerKexInit)
			writeString(h, reply.HostKey)
			writeBigInt(h, m.e)
			writeBigInt(h, reply.F)
			writeBigInt(h, k)

			m.result = &Result{
				H:         h.Sum(nil),
				K:         k,
				HostKey:   reply.HostKey,
				Signature: reply.Signature,
				E:         m.e,
				F:         reply.F,
			}

			m.pendingOutbound = append(m.pendingOutbound, []byte{MsgNewKeys})
			m.state = StateNewKeysToSend

		case StateNewKeysToSend:
			return false, nil

		case StateNewKeysSent:
			if !newKeysReceived {
				return false, nil
			}
			m.state = StateFinished
			return true, nil

		case StateFinished:
			return true, nil
		}
	}
}

// AckFlush tells the machine the pending outbound packet(s) for its
// current *ToSend state have been flushed, letting it advance to the
// corresponding *Sent state. This models the "drain outbound queue"
// transition explicitly rather than inferring it from Outbound().
func (m *Machine) AckFlush() {
	switch m.state {
	case StateInitToSend:
		m.state = StateInitSent
	case StateNewKeysToSend:
		m.state = StateNewKeysSent
	}
}

// Result returns the completed handshake result, or nil before
// FINISHED.
func (m *Machine) Result() *Result {
	return m.result
}

// fail wipes every ephemeral DH string/scalar this machine holds
// before the error escapes. No partially derived secret survives an
// error exit.
func (m *Machine) fail(err error) error {
	wipeBigInt(m.x)
	wipeBigInt(m.e)
	if m.reply != nil {
		wipe(m.reply.HostKey)
		wipe(m.reply.Signature)
		wipeBigInt(m.reply.F)
	}
	m.x, m.e, m.reply = nil, nil, nil
	return err
}

// Wipe releases every ephemeral secret the machine still holds,
// called on both the success and the error exit paths by the owner
// (internal/session) once the result has been consumed.
func (m *Machine) Wipe() {
	wipeBigInt(m.x)
	m.x = nil
	// e/f/hostkey/signature are wiped by the crypto context once it
	// has folded them into session_id/derived keys; see
	// internal/cryptoctx.Release.
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func writeString(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lenBuf [4]byte
	lenBuf[0] = byte(len(b) >> 24)
	lenBuf[1] = byte(len(b) >> 16)
	lenBuf[2] = byte(len(b) >> 8)
	lenBuf[3] = byte(len(b))
	h.Write(lenBuf[:])
	h.Write(b)
}

func writeBigInt(h interface{ Write([]byte) (int, error) }, n *big.Int) {
	buf := wire.PutBigInt(nil, n)
	h.Write(buf)
}
