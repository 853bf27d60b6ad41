package session

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"

	"github.com/protocolkit/sshkex/internal/dhkex"
	"github.com/protocolkit/sshkex/internal/negotiate"
	"github.com/protocolkit/sshkex/internal/wire"
)

// fakeServer scripts the server side of a bring-up over one half of a
// net.Pipe: banner, KEXINIT, KEXDH_REPLY and NEWKEYS in the order the
// client expects them.
type fakeServer struct {
	conn net.Conn
	br   *bufio.Reader
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{conn: conn, br: bufio.NewReader(conn)}
}

func (fs *fakeServer) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fs.br, lenBuf[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(fs.br, body); err != nil {
		return nil, err
	}
	pad := int(body[0])
	return body[1 : len(body)-pad], nil
}

func (fs *fakeServer) writeFrame(payload []byte) error {
	_, err := fs.conn.Write(framePacket(payload))
	return err
}

func (fs *fakeServer) drain() {
	io.Copy(io.Discard, fs.conn)
}

var serverHostKey = []byte("ssh-rsa fake host key blob")

func serverKexInitPayload() []byte {
	return wire.Marshal(negotiate.MsgKexInit, &negotiate.KexInitMsg{
		KexAlgos:                []string{"diffie-hellman-group14-sha1"},
		ServerHostKeyAlgos:      []string{"ssh-rsa"},
		CiphersClientServer:     []string{"aes128-ctr"},
		CiphersServerClient:     []string{"aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha2-256"},
		MACsServerClient:        []string{"hmac-sha2-256"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
	})
}

// serveV2 runs the full happy-path server script: send banner, swap
// KEXINITs, answer KEXDH_INIT, swap NEWKEYS. It then keeps draining
// the pipe so a client Disconnect never blocks.
func (fs *fakeServer) serveV2(bannerLine string) error {
	if _, err := fs.conn.Write([]byte(bannerLine + "\r\n")); err != nil {
		return err
	}
	if _, err := fs.br.ReadString('\n'); err != nil {
		return err
	}

	if _, err := fs.readFrame(); err != nil { // client KEXINIT
		return err
	}
	if err := fs.writeFrame(serverKexInitPayload()); err != nil {
		return err
	}

	initPacket, err := fs.readFrame()
	if err != nil {
		return err
	}
	e, _, err := wire.GetBigInt(initPacket[1:])
	if err != nil {
		return err
	}

	y, err := rand.Int(rand.Reader, dhkex.Group14.P)
	if err != nil {
		return err
	}
	f := new(big.Int).Exp(dhkex.Group14.G, y, dhkex.Group14.P)
	_ = new(big.Int).Exp(e, y, dhkex.Group14.P) // k; the fake server never encrypts

	reply := []byte{dhkex.MsgKexDHReply}
	reply = wire.PutString(reply, serverHostKey)
	reply = wire.PutBigInt(reply, f)
	reply = wire.PutString(reply, []byte("fake signature"))
	if err := fs.writeFrame(reply); err != nil {
		return err
	}

	if _, err := fs.readFrame(); err != nil { // client NEWKEYS
		return err
	}
	return fs.writeFrame([]byte{dhkex.MsgNewKeys})
}

// startServer runs script in a goroutine, draining the pipe afterwards,
// and returns a channel carrying the script's error.
func startServer(conn net.Conn, script func(*fakeServer) error) <-chan error {
	errc := make(chan error, 1)
	go func() {
		fs := newFakeServer(conn)
		err := script(fs)
		errc <- err
		fs.drain()
	}()
	return errc
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(data, sig []byte) bool { return false }

func checkServer(t *testing.T, errc <-chan error) {
	t.Helper()
	if err := <-errc; err != nil {
		t.Fatalf("fake server: %v", err)
	}
}

func TestConnectHappyPathV2(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		return fs.serveV2("SSH-2.0-OpenSSH_7.4")
	})

	var progress []float64
	s := New(Config{
		FD:       clientConn,
		Progress: func(f float64) { progress = append(progress, f) },
	})
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	checkServer(t, errc)

	if s.State() != StateAuthenticating {
		t.Errorf("session_state = %v, want AUTHENTICATING", s.State())
	}
	if !s.Alive() {
		t.Error("session not alive after successful bring-up")
	}
	if got := s.GetPeerVersion(); got != 2 {
		t.Errorf("protocol_version = %d, want 2", got)
	}
	if got := s.GetPeerOpenSSHVersion(); got != 0x00070400 {
		t.Errorf("openssh_version = %#x, want 0x00070400", got)
	}
	if s.ServerBanner() != "SSH-2.0-OpenSSH_7.4" {
		t.Errorf("server_banner = %q", s.ServerBanner())
	}
	if !strings.HasPrefix(s.ClientBanner(), "SSH-2.0-") {
		t.Errorf("client_banner = %q", s.ClientBanner())
	}

	want := []float64{0.2, 0.4, 0.5, 0.6, 0.8, 1.0}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}

	// The completed exchange installed current_crypto and a fresh
	// empty next_crypto.
	if s.currentCrypto == nil || s.currentCrypto.Algorithms == nil {
		t.Fatal("current_crypto not installed")
	}
	if s.currentCrypto.Algorithms.Kex != "diffie-hellman-group14-sha1" {
		t.Errorf("negotiated kex = %q", s.currentCrypto.Algorithms.Kex)
	}
	if s.nextCrypto == nil || s.nextCrypto.Algorithms != nil || s.nextCrypto.SessionID != nil {
		t.Error("next_crypto is not a fresh empty context")
	}
	if string(s.sessionID) != string(s.currentCrypto.SessionID) {
		t.Error("persistent session_id differs from current_crypto's")
	}
	if s.dh != nil {
		t.Error("DH machine still referenced after FINISHED")
	}

	s.Disconnect()
	if s.Alive() {
		t.Error("session alive after Disconnect")
	}
	// A second Disconnect after the socket is closed is a no-op.
	s.Disconnect()
}

func TestStraddleV2Preferred(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		return fs.serveV2("SSH-1.99-foo")
	})

	s := New(Config{FD: clientConn, AllowSSH1: true, AllowSSH2: true})
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	checkServer(t, errc)

	if got := s.GetPeerVersion(); got != 2 {
		t.Errorf("protocol_version = %d, want 2 for a 1.99 straddle with v2 enabled", got)
	}
	if s.State() != StateAuthenticating {
		t.Errorf("session_state = %v", s.State())
	}
	s.Disconnect()
}

func TestStraddleV1Only(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		if _, err := fs.conn.Write([]byte("SSH-1.99-foo\r\n")); err != nil {
			return err
		}
		_, err := fs.br.ReadString('\n')
		return err
	})

	kex1Called := false
	s := New(Config{
		FD:        clientConn,
		AllowSSH1: true,
		AllowSSH2: false,
		Kex1: func(s *Session) error {
			kex1Called = true
			return nil
		},
	})
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	checkServer(t, errc)

	if got := s.GetPeerVersion(); got != 1 {
		t.Errorf("protocol_version = %d, want 1", got)
	}
	if !kex1Called {
		t.Error("external v1 key-exchange collaborator was not dispatched")
	}
	if s.dh != nil {
		t.Error("DH machine ran for a v1 session")
	}
	if s.State() != StateAuthenticating {
		t.Errorf("session_state = %v, want AUTHENTICATING", s.State())
	}
	if !strings.HasPrefix(s.ClientBanner(), "SSH-1.") {
		t.Errorf("client_banner = %q, want a v1 banner", s.ClientBanner())
	}
	s.Disconnect()
}

func TestProtocolMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		_, err := fs.conn.Write([]byte("hello world\r\n"))
		return err
	})

	var progress []float64
	s := New(Config{
		FD:       clientConn,
		Progress: func(f float64) { progress = append(progress, f) },
	})
	err := s.Connect()
	checkServer(t, errc)
	if err == nil {
		t.Fatal("Connect succeeded against a non-SSH peer")
	}
	if kind := KindOf(err); kind != KindProtocolMismatch {
		t.Errorf("error kind = %q, want PROTOCOL_MISMATCH", kind)
	}
	if s.State() != StateError {
		t.Errorf("session_state = %v, want ERROR", s.State())
	}
	if s.sock.IsOpen() {
		t.Error("socket still open after ERROR")
	}
	for _, f := range progress {
		if f > 0.2 {
			t.Errorf("progress %v went beyond 0.2", progress)
			break
		}
	}
}

func TestBannerTooLarge(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		_, err := fs.conn.Write([]byte(strings.Repeat("g", 129)))
		return err
	})

	s := New(Config{FD: clientConn})
	err := s.Connect()
	checkServer(t, errc)
	if kind := KindOf(err); kind != KindBannerTooLarge {
		t.Errorf("error kind = %q (err %v), want BANNER_TOO_LARGE", kind, err)
	}
	if s.State() != StateError {
		t.Errorf("session_state = %v, want ERROR", s.State())
	}
}

func TestNoCommonVersion(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		_, err := fs.conn.Write([]byte("SSH-1.5-oldserver\r\n"))
		return err
	})

	// Defaults allow v2 only; the peer is v1 only.
	s := New(Config{FD: clientConn})
	err := s.Connect()
	checkServer(t, errc)
	if kind := KindOf(err); kind != KindNoVersion {
		t.Errorf("error kind = %q, want NO_VERSION", kind)
	}
}

func TestBadSignature(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		return fs.serveV2("SSH-2.0-OpenSSH_7.4")
	})

	s := New(Config{
		FD: clientConn,
		HostKeyCallback: func(hostKey []byte) (HostKeyVerifier, error) {
			return rejectingVerifier{}, nil
		},
	})
	err := s.Connect()
	checkServer(t, errc)
	if kind := KindOf(err); kind != KindSignatureInvalid {
		t.Errorf("error kind = %q (err %v), want SIGNATURE_INVALID", kind, err)
	}
	if s.State() != StateError {
		t.Errorf("session_state = %v, want ERROR", s.State())
	}
	// The atomic swap must not have happened.
	if s.currentCrypto != nil {
		t.Error("current_crypto changed despite signature failure")
	}
	if s.nextCrypto != nil {
		t.Error("next_crypto still referenced after the error unwind")
	}
}

func TestServiceRequestAccepted(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		if err := fs.serveV2("SSH-2.0-OpenSSH_7.4"); err != nil {
			return err
		}
		req, err := fs.readFrame()
		if err != nil {
			return err
		}
		name, _, err := wire.GetString(req[1:])
		if err != nil {
			return err
		}
		accept := []byte{msgServiceAccept}
		accept = wire.PutString(accept, name)
		return fs.writeFrame(accept)
	})

	s := New(Config{FD: clientConn, ServiceName: "ssh-userauth"})
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	checkServer(t, errc)
	if !s.serviceAccepted {
		t.Error("SERVICE_ACCEPT not recorded")
	}
	s.Disconnect()
}

func TestServiceRequestDenied(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		if err := fs.serveV2("SSH-2.0-OpenSSH_7.4"); err != nil {
			return err
		}
		if _, err := fs.readFrame(); err != nil {
			return err
		}
		accept := []byte{msgServiceAccept}
		accept = wire.PutString(accept, []byte("some-other-service"))
		return fs.writeFrame(accept)
	})

	s := New(Config{FD: clientConn, ServiceName: "ssh-userauth"})
	err := s.Connect()
	checkServer(t, errc)
	if kind := KindOf(err); kind != KindServiceDenied {
		t.Errorf("error kind = %q (err %v), want SERVICE_DENIED", kind, err)
	}
}

func TestConnectRequiresHostOrFD(t *testing.T) {
	s := New(Config{})
	err := s.Connect()
	if kind := KindOf(err); kind != KindInvalidArgument {
		t.Errorf("error kind = %q, want INVALID_ARGUMENT", kind)
	}
}

func TestSessionReuseAfterDisconnect(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		return fs.serveV2("SSH-2.0-OpenSSH_7.4")
	})

	s := New(Config{FD: clientConn})
	if err := s.Connect(); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	checkServer(t, errc)
	firstSessionID := append([]byte(nil), s.sessionID...)
	s.Disconnect()

	clientConn2, serverConn2 := net.Pipe()
	errc2 := startServer(serverConn2, func(fs *fakeServer) error {
		return fs.serveV2("SSH-2.0-OpenSSH_8.0")
	})

	s.Config.FD = clientConn2
	if err := s.Connect(); err != nil {
		t.Fatalf("second Connect after reuse: %v", err)
	}
	checkServer(t, errc2)

	if s.State() != StateAuthenticating {
		t.Errorf("session_state = %v after reuse", s.State())
	}
	if s.ServerBanner() != "SSH-2.0-OpenSSH_8.0" {
		t.Errorf("server_banner = %q, want the second peer's", s.ServerBanner())
	}
	if len(firstSessionID) > 0 && string(s.sessionID) == string(firstSessionID) {
		t.Error("session_id survived the reset; a new connection must derive its own")
	}
	s.Disconnect()
}

func TestSessionStateMonotonic(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	errc := startServer(serverConn, func(fs *fakeServer) error {
		return fs.serveV2("SSH-2.0-OpenSSH_7.4")
	})

	var states []State
	s := New(Config{FD: clientConn})
	// Sample session_state at every progress milestone.
	s.Config.Progress = func(float64) { states = append(states, s.state) }
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	checkServer(t, errc)

	for i := 1; i < len(states); i++ {
		if states[i] < states[i-1] {
			t.Fatalf("session_state regressed: %v", states)
		}
	}
	s.Disconnect()
}
