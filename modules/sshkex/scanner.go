// Package sshkex wraps the SSH client transport bring-up engine
// (internal/session) as a scannable module: a Flags struct embedding
// BaseFlags, a Scanner driving one Connect() per target, and a
// ScanResults struct reporting the negotiated banners/algorithms as
// JSON.
package sshkex

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/protocolkit/sshkex"
	"github.com/protocolkit/sshkex/internal/negotiate"
	"github.com/protocolkit/sshkex/internal/session"
)

// ScanResults holds the output of one SSH bring-up attempt.
type ScanResults struct {
	// ClientBanner/ServerBanner are the exchanged identification
	// strings.
	ClientBanner string `json:"client_banner,omitempty"`
	ServerBanner string `json:"server_banner,omitempty"`

	// ProtocolVersion is the resolved protocol_version: 1 or 2.
	ProtocolVersion int `json:"protocol_version,omitempty"`

	// OpenSSHVersion is the encoded (major<<16)|(minor<<8) version, or
	// 0 if the peer's banner did not advertise OpenSSH.
	OpenSSHVersion uint32 `json:"openssh_version,omitempty"`

	// Algorithms is the negotiated KEXINIT agreement, present once
	// AUTHENTICATING is reached.
	Algorithms *negotiate.Algorithms `json:"algorithms,omitempty"`

	// SessionState is the final session_state the bring-up reached.
	SessionState string `json:"session_state"`
}

// Flags are the SSH-specific command-line flags.
type Flags struct {
	sshkex.BaseFlags

	// AllowSSH1/AllowSSH2 correspond to session.Config's toggles.
	AllowSSH1 bool `long:"ssh1" description:"Allow negotiating SSHv1 (dispatched to an external collaborator, not implemented by this engine)"`
	AllowSSH2 bool `long:"ssh2" description:"Allow negotiating SSHv2" default:"true"`

	// XBanner overrides the client identification banner.
	XBanner string `long:"xbanner" description:"Override the client identification banner"`

	// StrictOpenSSHVersionParsing/StrictStraddleDetection select the
	// corrected banner readings over the legacy ones.
	StrictOpenSSHVersionParsing bool `long:"strict-openssh-version" description:"Use the corrected (scan-to-non-digit) OpenSSH version parse instead of the legacy fixed-offset one"`
	StrictStraddleDetection     bool `long:"strict-straddle" description:"Use the full \"SSH-1.99\" prefix test instead of the legacy offset-6 test for SSHv1.99 detection"`
}

// Module implements the sshkex.Module interface.
type Module struct{}

// Scanner implements the sshkex.Scanner interface.
type Scanner struct {
	config *Flags
}

// RegisterModule registers this module under the name "ssh-kex".
func RegisterModule() {
	var module Module
	_, err := sshkex.AddCommand("ssh-kex", "SSH Key Exchange", module.Description(), 22, &module)
	if err != nil {
		log.Fatal(err)
	}
}

// NewFlags returns the default flags object to be filled in with
// command-line arguments.
func (m *Module) NewFlags() interface{} {
	return new(Flags)
}

// NewScanner returns a new Scanner instance.
func (m *Module) NewScanner() sshkex.Scanner {
	return new(Scanner)
}

// Description returns an overview of this module.
func (m *Module) Description() string {
	return "Bring up an SSH transport: banner exchange, key exchange, and session-key installation, without authenticating"
}

// Validate ensures the flags provided are valid.
func (f *Flags) Validate(args []string) error {
	if !f.AllowSSH1 && !f.AllowSSH2 {
		return fmt.Errorf("sshkex: at least one of --ssh1/--ssh2 must be set")
	}
	return nil
}

// Help returns this module's help string.
func (f *Flags) Help() string {
	return ""
}

// Protocol returns the protocol identifier for the scanner.
func (s *Scanner) Protocol() string {
	return "ssh-kex"
}

// Init initializes the Scanner instance with the flags from the
// command line.
func (s *Scanner) Init(flags sshkex.ScanFlags) error {
	f, _ := flags.(*Flags)
	s.config = f
	return nil
}

// InitPerSender does nothing in this module.
func (s *Scanner) InitPerSender(senderID int) error {
	return nil
}

// GetName returns the configured name for the Scanner.
func (s *Scanner) GetName() string {
	return s.config.Name
}

// GetTrigger returns the Trigger defined in the Flags.
func (s *Scanner) GetTrigger() string {
	return s.config.Trigger
}

// Scan dials t, drives the bring-up engine to AUTHENTICATING (or an
// error), and reports the negotiated banners/algorithms.
func (s *Scanner) Scan(t sshkex.ScanTarget) (status sshkex.ScanStatus, result interface{}, thrown error) {
	conn, err := t.Open(&s.config.BaseFlags)
	if err != nil {
		return sshkex.TryGetScanStatus(err), nil, fmt.Errorf("error opening connection: %w", err)
	}

	sess := session.New(session.Config{
		FD:                          conn,
		AllowSSH1:                   s.config.AllowSSH1,
		AllowSSH2:                   s.config.AllowSSH2,
		BannerOverride:              s.config.XBanner,
		StrictOpenSSHVersionParsing: s.config.StrictOpenSSHVersionParsing,
		StrictStraddleDetection:     s.config.StrictStraddleDetection,
		Logger:                      log.StandardLogger(),
	})
	defer sess.Disconnect()

	connectErr := sess.Connect()

	results := ScanResults{
		ClientBanner:    sess.ClientBanner(),
		ServerBanner:    sess.ServerBanner(),
		ProtocolVersion: sess.GetPeerVersion(),
		OpenSSHVersion:  sess.GetPeerOpenSSHVersion(),
		Algorithms:      sess.Algorithms(),
		SessionState:    sess.State().String(),
	}

	if connectErr != nil {
		return sshkex.TryGetScanStatus(connectErr), &results, fmt.Errorf("ssh bring-up failed: %w", connectErr)
	}
	return sshkex.SCAN_SUCCESS, &results, nil
}
