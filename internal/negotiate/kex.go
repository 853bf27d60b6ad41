// Package negotiate implements the key-exchange negotiator: building
// and exchanging SSH_MSG_KEXINIT payloads and picking the algorithms
// both sides will use. The DH handshake state machine in
// internal/dhkex consumes the Algorithms this package agrees on.
package negotiate

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/protocolkit/sshkex/internal/wire"
)

// Message type constants this package emits/consumes.
const (
	MsgKexInit = 20
)

// KexInitMsg mirrors SSH_MSG_KEXINIT (RFC 4253 §7.1).
type KexInitMsg struct {
	Cookie                  [16]byte
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

// DirectionAlgorithms is the agreed cipher/MAC/compression triple for
// one direction of traffic.
type DirectionAlgorithms struct {
	Cipher      string `json:"cipher"`
	MAC         string `json:"mac"`
	Compression string `json:"compression"`
}

// Algorithms is the full agreed algorithm set for a key exchange: the
// DH/KEX method, the host-key type, and both directions' cipher
// suites.
type Algorithms struct {
	Kex     string
	HostKey string
	W       DirectionAlgorithms // client -> server
	R       DirectionAlgorithms // server -> client
}

// MarshalJSON renders Algorithms the way a packet-capture sink would
// log it.
func (a *Algorithms) MarshalJSON() ([]byte, error) {
	aux := struct {
		Kex     string              `json:"dh_kex_algorithm"`
		HostKey string              `json:"host_key_algorithm"`
		W       DirectionAlgorithms `json:"client_to_server_alg_group"`
		R       DirectionAlgorithms `json:"server_to_client_alg_group"`
	}{a.Kex, a.HostKey, a.W, a.R}
	return json.Marshal(aux)
}

// Defaults lists the algorithms this engine offers, in preference
// order. The Kex list holds only diffie-hellman-group14-sha1 and
// diffie-hellman-group1-sha1, the two groups internal/dhkex
// implements.
var Defaults = struct {
	Kex         []string
	HostKey     []string
	Ciphers     []string
	MACs        []string
	Compression []string
}{
	Kex:         []string{"diffie-hellman-group14-sha1", "diffie-hellman-group1-sha1"},
	HostKey:     []string{"ssh-rsa", "ssh-dss"},
	Ciphers:     []string{"aes128-ctr", "aes192-ctr", "aes256-ctr"},
	MACs:        []string{"hmac-sha2-256", "hmac-sha1"},
	Compression: []string{"none"},
}

// Negotiator exchanges KEXINIT payloads with the peer and picks
// algorithms on behalf of the DH machine and the orchestrator.
type Negotiator struct {
	local     *KexInitMsg
	localRaw  []byte
	remote    *KexInitMsg
	remoteRaw []byte
	agreed    *Algorithms
}

// New builds a Negotiator offering this engine's default algorithm
// lists.
func New() *Negotiator {
	n := &Negotiator{
		local: &KexInitMsg{
			KexAlgos:                Defaults.Kex,
			ServerHostKeyAlgos:      Defaults.HostKey,
			CiphersClientServer:     Defaults.Ciphers,
			CiphersServerClient:     Defaults.Ciphers,
			MACsClientServer:        Defaults.MACs,
			MACsServerClient:        Defaults.MACs,
			CompressionClientServer: Defaults.Compression,
			CompressionServerClient: Defaults.Compression,
		},
	}
	io.ReadFull(rand.Reader, n.local.Cookie[:])
	return n
}

// SendKexPending reports whether SendKex has not yet been called on
// this negotiator (send_kex is a one-shot, idempotent trigger per
// session).
func (n *Negotiator) SendKexPending() bool {
	return n.localRaw == nil
}

// SendKex marshals and returns the wire bytes of our KEXINIT packet
// (send_kex), recording them for later use in the exchange hash.
func (n *Negotiator) SendKex() []byte {
	n.localRaw = wire.Marshal(MsgKexInit, n.local)
	return n.localRaw
}

// SetKex records the peer's KEXINIT payload (set_kex) and negotiates
// the agreed Algorithms (list_kex's output).
func (n *Negotiator) SetKex(raw []byte) (*Algorithms, error) {
	msg := &KexInitMsg{}
	if err := wire.Unmarshal(raw, MsgKexInit, msg); err != nil {
		return nil, err
	}
	n.remote = msg
	n.remoteRaw = raw

	algs, err := findAgreedAlgorithms(n.local, n.remote)
	if err != nil {
		return nil, err
	}
	n.agreed = algs
	return algs, nil
}

// GetKex returns the most recently agreed Algorithms, or nil if
// negotiation has not completed.
func (n *Negotiator) GetKex() *Algorithms { return n.agreed }

// ListKex returns the local and remote raw KEXINIT payloads, needed
// verbatim by the exchange-hash computation in internal/dhkex.
func (n *Negotiator) ListKex() (localRaw, remoteRaw []byte) {
	return n.localRaw, n.remoteRaw
}

func findCommon(what string, client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", fmt.Errorf("negotiate: no common algorithm for %s; offered %v, peer offered %v", what, client, server)
}

func findAgreedAlgorithms(client, server *KexInitMsg) (*Algorithms, error) {
	result := &Algorithms{}
	var err error

	if result.Kex, err = findCommon("key exchange", client.KexAlgos, server.KexAlgos); err != nil {
		return nil, err
	}
	if result.HostKey, err = findCommon("host key", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return nil, err
	}
	if result.W.Cipher, err = findCommon("client to server cipher", client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return nil, err
	}
	if result.R.Cipher, err = findCommon("server to client cipher", client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return nil, err
	}
	if result.W.MAC, err = findCommon("client to server MAC", client.MACsClientServer, server.MACsClientServer); err != nil {
		return nil, err
	}
	if result.R.MAC, err = findCommon("server to client MAC", client.MACsServerClient, server.MACsServerClient); err != nil {
		return nil, err
	}
	if result.W.Compression, err = findCommon("client to server compression", client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return nil, err
	}
	if result.R.Compression, err = findCommon("server to client compression", client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return nil, err
	}
	return result, nil
}
