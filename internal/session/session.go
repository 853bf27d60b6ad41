package session

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/protocolkit/sshkex/internal/banner"
	"github.com/protocolkit/sshkex/internal/cryptoctx"
	"github.com/protocolkit/sshkex/internal/dhkex"
	"github.com/protocolkit/sshkex/internal/metrics"
	"github.com/protocolkit/sshkex/internal/negotiate"
	"github.com/protocolkit/sshkex/internal/socket"
)

// State is the top-level progression a Session advances through. It
// is monotonic except that ERROR is absorbing.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateSocketConnected
	StateBannerReceived
	StateInitialKex
	StateAuthenticating
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateConnecting:
		return "CONNECTING"
	case StateSocketConnected:
		return "SOCKET_CONNECTED"
	case StateBannerReceived:
		return "BANNER_RECEIVED"
	case StateInitialKex:
		return "INITIAL_KEX"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ProgressFunc receives monotonically non-decreasing bring-up
// milestones, a subset of {0.2, 0.4, 0.5, 0.6, 0.8, 1.0}.
type ProgressFunc func(fraction float64)

// Kex1Handler is the external SSHv1 key-exchange collaborator. This
// engine only recognizes that the peer requires SSHv1 and dispatches
// to it; it does not implement the v1 exchange itself.
type Kex1Handler func(s *Session) error

// Config carries every caller-supplied input for a connection:
// the target (Host/Port/BindAddr or a pre-opened FD), the protocol
// version toggles, the banner override, and the optional hooks.
type Config struct {
	Host     string
	Port     uint16
	BindAddr string
	FD       net.Conn // pre-opened connection, mutually exclusive with Host

	AllowSSH1 bool
	AllowSSH2 bool

	// BannerOverride replaces the default client identification
	// banner when non-empty.
	BannerOverride string

	// ServiceName, if set, makes Connect issue SERVICE_REQUEST and
	// synchronously await SERVICE_ACCEPT once AUTHENTICATING is
	// reached.
	ServiceName string

	Kex1 Kex1Handler

	// HostKeyCallback resolves the raw host-key blob from KEXDH_REPLY
	// into a signature verifier. nil accepts every host key (the hook
	// point is the engine's, the trust policy is the caller's).
	HostKeyCallback HostKeyCallback

	Progress ProgressFunc
	Logger   log.FieldLogger

	// StrictOpenSSHVersionParsing / StrictStraddleDetection select
	// the corrected banner readings over the legacy ones; see
	// banner.Record.
	StrictOpenSSHVersionParsing bool
	StrictStraddleDetection     bool

	// CaptureSink, if set, is handed every raw packet payload this
	// engine sends or receives, for an external packet-capture sink.
	CaptureSink func(direction string, payload []byte)
}

func (c *Config) setDefaults() {
	if !c.AllowSSH1 && !c.AllowSSH2 {
		c.AllowSSH2 = true
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
}

var initOnce sync.Once

// processInit performs the one-time, idempotent, process-wide
// initialization: registering this engine's collectors against the
// default Prometheus registry.
func processInit() {
	initOnce.Do(func() {
		metrics.MustRegister(prometheus.DefaultRegisterer)
	})
}

// Session is the aggregate root: one per connection, created by the
// caller in NONE, reusable after termination.
type Session struct {
	Config Config

	role string

	state   State
	dh      *dhkex.Machine
	dhState dhkex.State

	protocolVersion int // 0 (unresolved), 1, or 2

	clientBanner string
	serverBanner string
	bannerRec    *banner.Record

	sock *socket.Adapter

	bannerReader *banner.Reader
	frames       *frameReader

	negotiator *negotiate.Negotiator

	currentCrypto *cryptoctx.Context
	nextCrypto    *cryptoctx.Context

	// sessionID is the persistent session_id from the first key
	// exchange; it would survive re-keys on this connection.
	sessionID []byte

	newKeysReceived bool

	serviceAccepted  bool
	awaitingService  bool
	requestedService string

	alive bool

	lastError error

	peerIssueBanner string

	lastProgress float64

	log log.FieldLogger
}

// New returns a Session in NONE, ready for Connect.
func New(cfg Config) *Session {
	s := &Session{Config: cfg}
	s.reset()
	return s
}

// reset restores every transient field to its NONE-state value so a
// terminated Session can be reused for a new connection.
func (s *Session) reset() {
	s.Config.setDefaults()
	s.role = "client"
	s.state = StateNone
	s.dh = nil
	s.dhState = dhkex.StateInit
	s.protocolVersion = 0
	s.clientBanner = ""
	s.serverBanner = ""
	s.bannerRec = nil
	s.sock = socket.NewAdapter()
	s.bannerReader = banner.NewReader()
	s.frames = newFrameReader()
	s.negotiator = negotiate.New()
	if s.currentCrypto != nil {
		cryptoctx.Release(s.currentCrypto)
	}
	if s.nextCrypto != nil {
		cryptoctx.Release(s.nextCrypto)
	}
	s.currentCrypto = nil
	s.nextCrypto = nil
	s.sessionID = nil
	s.newKeysReceived = false
	s.serviceAccepted = false
	s.awaitingService = false
	s.requestedService = ""
	s.alive = false
	s.lastError = nil
	s.peerIssueBanner = ""
	s.lastProgress = 0
	s.log = s.Config.Logger
}

// State reports the current session_state.
func (s *Session) State() State { return s.state }

// Alive reports whether the session is between a successful socket
// bring-up and either ERROR or Disconnect.
func (s *Session) Alive() bool { return s.alive }

// LastError returns the last recorded error, or nil.
func (s *Session) LastError() error { return s.lastError }

// GetPeerBanner returns a copy of the post-auth issue banner, or ""
// if none was ever recorded (get_peer_banner / get_issue_banner).
func (s *Session) GetPeerBanner() string { return s.peerIssueBanner }

// ClientBanner returns the identification string this engine emitted,
// or "" before BANNER_RECEIVED has been handled.
func (s *Session) ClientBanner() string { return s.clientBanner }

// ServerBanner returns the peer's identification string, or "" before
// it has been received.
func (s *Session) ServerBanner() string { return s.serverBanner }

// Algorithms returns the negotiated algorithm set installed on
// current_crypto, or nil before NEWKEYS has completed.
func (s *Session) Algorithms() *negotiate.Algorithms {
	if s.currentCrypto == nil {
		return nil
	}
	return s.currentCrypto.Algorithms
}

// GetPeerVersion returns the resolved protocol_version (0 if
// unresolved, otherwise 1 or 2), matching get_peer_version.
func (s *Session) GetPeerVersion() int { return s.protocolVersion }

// GetPeerOpenSSHVersion returns the encoded OpenSSH version, or 0,
// honoring Config.StrictOpenSSHVersionParsing's choice between the
// two readings banner.Classify computed.
func (s *Session) GetPeerOpenSSHVersion() uint32 {
	if s.bannerRec == nil {
		return 0
	}
	if s.Config.StrictOpenSSHVersionParsing {
		return s.bannerRec.OpenSSHVersion
	}
	return s.bannerRec.OpenSSHVersionLegacy
}

// setState advances session_state, recording the transition in
// metrics. It is the single mutation point so the monotonic-except-
// ERROR invariant is easy to audit.
func (s *Session) setState(next State) {
	s.state = next
	metrics.SessionStateTransitions.WithLabelValues(next.String()).Inc()
	s.log.WithField("session_state", next.String()).Debug("session: state transition")
}

func (s *Session) setDHState(next dhkex.State) {
	s.dhState = next
	metrics.DHStateTransitions.WithLabelValues(next.String()).Inc()
}

// progress invokes Config.Progress, enforcing the monotonically
// non-decreasing contract by silently dropping any value lower than
// the last one delivered.
func (s *Session) progress(fraction float64) {
	if fraction < s.lastProgress {
		return
	}
	s.lastProgress = fraction
	if s.Config.Progress != nil {
		s.Config.Progress(fraction)
	}
}

// fail records err as the last error, transitions to the absorbing
// ERROR state, releases every ephemeral secret still held, and closes
// the socket. Every error path funnels through here.
func (s *Session) fail(err error) error {
	if s.state == StateError {
		return s.lastError
	}
	s.lastError = err
	s.setState(StateError)
	metrics.Outcomes.WithLabelValues(string(KindOf(err))).Inc()

	if s.dh != nil {
		if r := s.dh.Result(); r != nil {
			cryptoctx.Release(cryptoctx.FromDHResult(r))
		}
		s.dh.Wipe()
	}
	if s.nextCrypto != nil {
		cryptoctx.Release(s.nextCrypto)
		s.nextCrypto = nil
	}
	if s.sock.IsOpen() {
		s.sock.Close()
	}
	s.alive = false
	s.log.WithError(err).Warn("session: entering ERROR")
	return err
}
