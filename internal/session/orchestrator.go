package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/protocolkit/sshkex/internal/banner"
	"github.com/protocolkit/sshkex/internal/cryptoctx"
	"github.com/protocolkit/sshkex/internal/dhkex"
	"github.com/protocolkit/sshkex/internal/metrics"
	"github.com/protocolkit/sshkex/internal/negotiate"
	"github.com/protocolkit/sshkex/internal/socket"
	"github.com/protocolkit/sshkex/internal/wire"
)

// HostKeyVerifier is the minimal surface a parsed host public key must
// offer to gate trust at NEWKEYS time. Parsing the RFC 4253 §6.6 key
// blob into a concrete RSA/DSA/ECDSA key is the caller's concern.
type HostKeyVerifier interface {
	Verify(data, sig []byte) bool
}

// HostKeyCallback resolves the raw host-key blob from KEXDH_REPLY into
// a HostKeyVerifier. A nil callback on Config implies that all host
// keys are accepted; this engine exposes the hook point, the trust
// policy is the caller's.
type HostKeyCallback func(hostKey []byte) (HostKeyVerifier, error)

type acceptAllVerifier struct{}

func (acceptAllVerifier) Verify(data, sig []byte) bool { return true }

const (
	msgDisconnect       = 1
	msgServiceRequest   = 5
	msgServiceAccept    = 6
	msgUserAuthBanner   = 53
	reasonByApplication = 11
)

// Connect drives bring-up: validates configuration, opens (or adopts)
// the socket, and pumps socket events until the session reaches
// AUTHENTICATING or ERROR. It returns nil on success, the recorded
// error otherwise.
func (s *Session) Connect() error {
	if s == nil {
		return wrap(KindInvalidArgument, ErrInvalidArgument)
	}
	processInit()

	if s.state != StateNone {
		s.reset()
	}

	if s.Config.Host == "" && s.Config.FD == nil {
		return s.fail(wrap(KindInvalidArgument, fmt.Errorf("session: host or fd required")))
	}

	start := time.Now()
	defer func() { metrics.BringUpDuration.Observe(time.Since(start).Seconds()) }()

	s.setState(StateConnecting)
	s.sock.SetCallbacks(socket.Callbacks{
		Connected: s.onConnected,
		Data:      s.onBannerData,
		Exception: s.onException,
		User:      s,
	})

	var err error
	if s.Config.FD != nil {
		if err = s.sock.SetFD(s.Config.FD); err == nil {
			s.onConnected(nil)
		}
	} else {
		err = s.sock.Connect(context.Background(), s.Config.Host, s.Config.Port, s.Config.BindAddr)
	}
	if err != nil {
		return s.fail(wrap(KindSocketFailed, err))
	}
	s.progress(0.2)
	s.alive = true

	for s.state != StateError && s.state != StateAuthenticating {
		if pumpErr := s.sock.Pump(); pumpErr != nil {
			if s.state != StateError {
				s.fail(wrap(KindSocketFailed, pumpErr))
			}
			break
		}
	}

	if s.state != StateAuthenticating {
		return s.lastError
	}

	if s.Config.ServiceName != "" {
		if err := s.RequestService(s.Config.ServiceName); err != nil {
			return err
		}
	}
	metrics.Outcomes.WithLabelValues("").Inc()
	return nil
}

// Disconnect emits DISCONNECT (reason DISCONNECT_BY_APPLICATION,
// description "Bye Bye") if the socket is open, then closes it.
// alive becomes false; the Session may be reused for a new Connect.
// A second call on an already-closed socket is a no-op.
func (s *Session) Disconnect() {
	if s.sock != nil && s.sock.IsOpen() {
		payload := []byte{msgDisconnect}
		payload = wire.PutUint32(payload, reasonByApplication)
		payload = wire.PutString(payload, []byte("Bye Bye"))
		s.sock.Write(framePacket(payload))
		s.sock.Flush()
		s.sock.Close()
	}
	s.alive = false
}

// RequestService issues SERVICE_REQUEST(name) and blocks until
// SERVICE_ACCEPT arrives. A mismatched accept, a peer close, or a
// protocol error interrupting the wait is a fatal SERVICE_DENIED.
func (s *Session) RequestService(name string) error {
	if s.state != StateAuthenticating {
		return wrap(KindInvalidState, ErrInvalidState)
	}
	payload := []byte{msgServiceRequest}
	payload = wire.PutString(payload, []byte(name))
	if _, err := s.sock.Write(framePacket(payload)); err != nil {
		return s.fail(wrap(KindServiceDenied, err))
	}
	if err := s.sock.Flush(); err != nil {
		return s.fail(wrap(KindServiceDenied, err))
	}
	s.awaitingService = true
	s.requestedService = name

	for !s.serviceAccepted {
		if err := s.sock.Pump(); err != nil {
			if s.state == StateError && KindOf(s.lastError) != KindServiceDenied {
				// A callback already recorded its own failure; surface
				// it as SERVICE_DENIED, keeping it reachable via Unwrap.
				s.lastError = wrap(KindServiceDenied, s.lastError)
				return s.lastError
			}
			return s.fail(wrap(KindServiceDenied, ErrServiceDenied))
		}
		if s.state == StateError {
			return s.lastError
		}
	}
	s.awaitingService = false
	return nil
}

// connectionCallback dispatches on session_state after every socket
// event or DH step, looping as long as a state transition (or
// DH-machine progress) was made so a single socket event can drive
// several steps forward in one call.
func (s *Session) connectionCallback() error {
	for {
		switch s.state {
		case StateNone, StateConnecting, StateSocketConnected:
			return nil

		case StateBannerReceived:
			if err := s.handleBannerReceived(); err != nil {
				return err
			}

		case StateInitialKex:
			advanced, err := s.handleInitialKex()
			if err != nil {
				return err
			}
			if !advanced {
				return nil
			}

		case StateAuthenticating:
			return nil

		default:
			return s.fail(wrap(KindInvalidState, ErrInvalidState))
		}
	}
}

// handleBannerReceived implements the BANNER_RECEIVED leg: resolve
// protocol_version, rebind the socket's Data sink to the packet
// dispatcher, send our own banner, and advance to INITIAL_KEX.
func (s *Session) handleBannerReceived() error {
	if s.serverBanner == "" {
		return s.fail(wrap(KindInvalidState, ErrInvalidState))
	}
	s.progress(0.4)

	rec := s.bannerRec
	peerV1 := rec.SupportsV1
	var peerV2 bool
	if !peerV1 {
		peerV2 = true // major '2': Classify already rejected anything else
	} else if s.Config.StrictStraddleDetection {
		peerV2 = rec.Straddle
	} else {
		peerV2 = rec.StraddleLegacy
	}

	switch {
	case peerV2 && s.Config.AllowSSH2:
		s.protocolVersion = 2
	case peerV1 && s.Config.AllowSSH1:
		s.protocolVersion = 1
	default:
		return s.fail(wrap(KindNoVersion, ErrNoVersion))
	}

	s.sock.ReplaceData(s.onPacketData)

	wireBytes, emitted := banner.Emit(s.Config.BannerOverride, s.protocolVersion == 1)
	s.clientBanner = emitted
	if _, err := s.sock.Write(wireBytes); err != nil {
		return s.fail(wrap(KindSocketFailed, err))
	}
	if err := s.sock.Flush(); err != nil {
		return s.fail(wrap(KindSocketFailed, err))
	}
	s.progress(0.5)

	s.setState(StateInitialKex)
	return nil
}

// handleInitialKex runs one step of the INITIAL_KEX leg: for v2, the
// get_kex/send_kex dance followed by driving the DH machine; for v1,
// dispatch to the external Kex1 collaborator. advanced reports whether
// state changed enough to warrant another connectionCallback pass.
func (s *Session) handleInitialKex() (advanced bool, err error) {
	if s.protocolVersion == 1 {
		return s.handleInitialKexV1()
	}
	return s.handleInitialKexV2()
}

func (s *Session) handleInitialKexV1() (bool, error) {
	if s.Config.Kex1 != nil {
		if err := s.Config.Kex1(s); err != nil {
			return false, s.fail(wrap(KindKexFailed, err))
		}
	}
	s.progress(0.6)
	s.setState(StateAuthenticating)
	return true, nil
}

func (s *Session) handleInitialKexV2() (bool, error) {
	if s.negotiator.SendKexPending() {
		local := s.negotiator.SendKex()
		if err := s.writeFramed(local); err != nil {
			return false, s.fail(wrap(KindKexFailed, err))
		}
		s.progress(0.6)
		return true, nil
	}

	algs := s.negotiator.GetKex()
	if algs == nil {
		return false, nil // waiting for the peer's KEXINIT
	}

	if s.dh == nil {
		group, err := dhkex.GroupForKex(algs.Kex)
		if err != nil {
			return false, s.fail(wrap(KindKexFailed, err))
		}
		s.dh = dhkex.NewMachine(group)
		s.nextCrypto = cryptoctx.New()
		s.progress(0.8)
		return true, nil
	}

	localRaw, remoteRaw := s.negotiator.ListKex()
	magics := &dhkex.Magics{
		ClientVersion: []byte(s.clientBanner),
		ServerVersion: []byte(s.serverBanner),
		ClientKexInit: localRaw,
		ServerKexInit: remoteRaw,
	}

	done, err := s.dh.Step(rand.Reader, magics, s.newKeysReceived)
	for _, out := range s.dh.Outbound() {
		if werr := s.writeFramed(out); werr != nil {
			return false, s.fail(wrap(KindKexFailed, werr))
		}
	}
	s.dh.AckFlush()
	if s.dh.State() != s.dhState {
		s.setDHState(s.dh.State())
	}
	if err != nil {
		return false, s.fail(wrap(kindForDHErr(err), err))
	}
	if !done {
		return false, nil
	}

	if err := s.finishKeyExchange(); err != nil {
		return false, err
	}
	return true, nil
}

// finishKeyExchange runs once the peer's NEWKEYS has arrived: derive
// session_id, bind algorithms, derive directional keys, verify the
// host signature (after session_id is available, before the old
// crypto context is discarded), then atomically swap current/next and
// install a fresh empty next.
func (s *Session) finishKeyExchange() error {
	result := s.dh.Result()
	next := s.nextCrypto
	next.E, next.F, next.K = result.E, result.F, result.K
	next.HostKey = result.HostKey
	next.Signature = result.Signature

	next.SessionID = cryptoctx.MakeSessionID(&s.sessionID, result.H)
	cryptoctx.SetAlgorithms(next, s.negotiator.GetKex())
	if err := cryptoctx.DeriveSessionKeys(next); err != nil {
		return s.fail(wrap(KindBadK, err))
	}

	verifier, err := s.resolveHostKeyVerifier(next.HostKey)
	if err != nil {
		return s.fail(wrap(KindSignatureInvalid, err))
	}
	if err := cryptoctx.VerifySignature(next, verifier); err != nil {
		return s.fail(wrap(KindSignatureInvalid, err))
	}

	if s.currentCrypto != nil {
		cryptoctx.Release(s.currentCrypto)
	}
	s.currentCrypto = next
	s.nextCrypto = cryptoctx.New()
	s.dh.Wipe()
	s.dh = nil

	s.progress(1.0)
	s.setState(StateAuthenticating)
	return nil
}

func (s *Session) resolveHostKeyVerifier(hostKey []byte) (HostKeyVerifier, error) {
	if s.Config.HostKeyCallback == nil {
		return acceptAllVerifier{}, nil
	}
	return s.Config.HostKeyCallback(hostKey)
}

func (s *Session) writeFramed(payload []byte) error {
	if s.Config.CaptureSink != nil {
		s.Config.CaptureSink("out", payload)
	}
	if _, err := s.sock.Write(framePacket(payload)); err != nil {
		return err
	}
	return s.sock.Flush()
}

func kindForDHErr(err error) Kind {
	switch {
	case errors.Is(err, dhkex.ErrNoPublicKey):
		return KindNoPublicKey
	case errors.Is(err, dhkex.ErrNoF):
		return KindNoF
	case errors.Is(err, dhkex.ErrNoSignature):
		return KindNoSignature
	case errors.Is(err, dhkex.ErrBadF):
		return KindBadF
	case errors.Is(err, dhkex.ErrBadK):
		return KindBadK
	default:
		return KindKexFailed
	}
}

// onConnected is the socket Connected callback.
func (s *Session) onConnected(err error) {
	if err != nil {
		s.fail(wrap(KindSocketFailed, err))
		return
	}
	s.setState(StateSocketConnected)
}

// onException is the socket Exception callback: the sole cancellation
// channel. It is a no-op once ERROR has already been
// entered (by a Data callback's own, more specific, failure) so the
// recorded Kind is never overwritten with the generic SOCKET_FAILED.
func (s *Session) onException(err error) {
	if s.state == StateError {
		return
	}
	s.fail(wrap(KindSocketFailed, err))
}

// onBannerData is the Data callback bound until a banner line has
// been received.
func (s *Session) onBannerData(chunk []byte) (int, error) {
	rec, consumed, err := s.bannerReader.Feed(chunk)
	if err != nil {
		kind := KindProtocolMismatch
		if errors.Is(err, banner.ErrTooLarge) {
			kind = KindBannerTooLarge
		}
		return consumed, s.fail(wrap(kind, err))
	}
	if rec == nil {
		return consumed, nil
	}

	s.bannerRec = rec
	s.serverBanner = rec.Raw
	s.setState(StateBannerReceived)

	if err := s.connectionCallback(); err != nil {
		return consumed, err
	}
	return consumed, nil
}

// onPacketData is the Data callback bound after BANNER_RECEIVED: it
// decodes the unencrypted pre-NEWKEYS packet framing and dispatches
// each message to the negotiator, the DH machine, or the
// service-request bridge.
func (s *Session) onPacketData(chunk []byte) (int, error) {
	payload, consumed, err := s.frames.Feed(chunk)
	if err != nil {
		return consumed, s.fail(wrap(KindInvalidState, err))
	}
	if payload == nil {
		return consumed, nil
	}
	if s.Config.CaptureSink != nil {
		s.Config.CaptureSink("in", payload)
	}

	switch payload[0] {
	case negotiate.MsgKexInit:
		if _, err := s.negotiator.SetKex(payload); err != nil {
			return consumed, s.fail(wrap(KindKexFailed, err))
		}

	case dhkex.MsgKexDHReply:
		if s.dh == nil {
			s.log.Debug("session: KEXDH_REPLY before DH machine started, ignoring")
			break
		}
		if err := s.dh.DeliverKexDHReply(payload); err != nil {
			return consumed, s.fail(wrap(kindForDHErr(err), err))
		}

	case dhkex.MsgNewKeys:
		s.newKeysReceived = true

	case msgServiceAccept:
		accepted, _, serr := wire.GetString(payload[1:])
		if serr != nil || (s.awaitingService && string(accepted) != s.requestedService) {
			return consumed, s.fail(wrap(KindServiceDenied, ErrServiceDenied))
		}
		s.serviceAccepted = true

	case msgUserAuthBanner:
		// The post-auth issue banner: stored for GetPeerBanner, not
		// acted on by the transport itself.
		if text, _, berr := wire.GetString(payload[1:]); berr == nil {
			s.peerIssueBanner = string(text)
		}

	case msgDisconnect:
		reason := uint32(0)
		if len(payload) >= 5 {
			reason = binary.BigEndian.Uint32(payload[1:5])
		}
		return consumed, s.fail(wrap(KindKexFailed, fmt.Errorf("session: peer sent DISCONNECT (reason %d)", reason)))

	default:
		s.log.WithField("msg_type", payload[0]).Debug("session: unhandled packet, passed to default dispatcher")
	}

	if err := s.connectionCallback(); err != nil {
		return consumed, err
	}
	return consumed, nil
}
