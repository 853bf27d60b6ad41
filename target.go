package sshkex

import (
	"fmt"
	"net"
)

// ScanTarget is one host to connect to: either a resolved IP or a
// domain name, and an optional per-target port override.
type ScanTarget struct {
	IP     net.IP
	Domain string
	Port   *uint
}

// String renders the target the way log output and results JSON key
// it, host-or-IP with no port.
func (t *ScanTarget) String() string {
	if t.Domain != "" {
		return t.Domain
	}
	if t.IP != nil {
		return t.IP.String()
	}
	return "<unknown target>"
}

// Host returns the dialable host string: the domain if set, else the
// IP's string form.
func (t *ScanTarget) Host() string {
	if t.Domain != "" {
		return t.Domain
	}
	if t.IP != nil {
		return t.IP.String()
	}
	return ""
}

// Open dials t on the given BaseFlags' port/timeout.
func (t *ScanTarget) Open(flags *BaseFlags) (net.Conn, error) {
	port := flags.Port
	if t.Port != nil {
		port = *t.Port
	}
	addr := net.JoinHostPort(t.Host(), fmt.Sprintf("%d", port))
	return net.DialTimeout("tcp", addr, flags.Timeout)
}
