// Package banner implements the SSH identification-string exchange:
// receiving and classifying the peer's banner line (RFC 4253 §4.2),
// and building the client's own.
package banner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxLineLength is the cap on a received banner line, excluding the
// trailing CRLF.
const MaxLineLength = 128

// MaxBannerLength is the overall RFC 4253 cap on an emitted banner,
// CRLF included.
const MaxBannerLength = 255

// ErrTooLarge is returned when MaxLineLength or more bytes pass
// without a terminating LF.
var ErrTooLarge = errors.New("banner: line exceeds maximum length without CRLF")

// ErrProtocolMismatch is returned when a received line does not look
// like an SSH identification string.
var ErrProtocolMismatch = errors.New("banner: protocol mismatch")

// ClientBanner1/2 are the default identification strings this engine
// offers, one per protocol major.
const (
	ClientBanner1 = "SSH-1.5-sshkex_1.0"
	ClientBanner2 = "SSH-2.0-sshkex_1.0"
)

// Reader accumulates bytes until a full CRLF-terminated line is seen.
// It implements exactly the consumed-byte contract the rebindable
// socket Data callback requires: 0 means "call me again with more".
type Reader struct {
	buf []byte
}

// NewReader returns an empty banner line reader.
func NewReader() *Reader { return &Reader{} }

// Feed appends chunk to the accumulated line and scans for LF. It
// returns the banner record once a full line has been seen, along
// with the number of bytes of chunk that were consumed. A returned
// consumed of 0 with a nil Record means "incomplete, feed me more".
func (r *Reader) Feed(chunk []byte) (rec *Record, consumed int, err error) {
	for i, c := range chunk {
		if c == '\r' {
			// Scan linearly; CR is normalized to NUL in place.
			chunk[i] = 0
			continue
		}
		if c == '\n' {
			if len(r.buf)+i >= MaxLineLength {
				r.buf = nil
				return nil, 0, ErrTooLarge
			}
			line := append(r.buf, chunk[:i]...)
			// A CR immediately before LF was just normalized to NUL
			// above; strip it so it never appears in the stored banner.
			if n := len(line); n > 0 && line[n-1] == 0 {
				line = line[:n-1]
			}
			r.buf = nil
			rec, err := Classify(string(line))
			return rec, i + 1, err
		}
	}

	if len(r.buf)+len(chunk) >= MaxLineLength {
		r.buf = nil
		return nil, 0, ErrTooLarge
	}
	r.buf = append(r.buf, chunk...)
	return nil, 0, nil
}

// Record is the parsed/classified form of a received banner line.
type Record struct {
	Raw string

	SupportsV1 bool
	SupportsV2 bool

	// Straddle/StraddleLegacy record the two "does this banner also
	// advertise v2" readings. Straddle is the full "1.99" prefix
	// test; StraddleLegacy only inspects the byte at offset 6, which
	// is what widely deployed clients historically did.
	Straddle       bool
	StraddleLegacy bool

	// OpenSSHVersion/OpenSSHVersionLegacy are the two OpenSSH-version
	// readings: OpenSSHVersionLegacy replays the historical fixed
	// single-digit-offset parse (it misreads two-digit minors);
	// OpenSSHVersion scans to the next non-digit and gets them right.
	// Both encode as (major<<16)|(minor<<8)|patch, patch always 0 for
	// a banner-derived version.
	OpenSSHVersion       uint32
	OpenSSHVersionLegacy uint32
}

// Classify parses one received banner line (CRLF already stripped).
func Classify(line string) (*Record, error) {
	if len(line) < 5 || !strings.HasPrefix(line, "SSH-") {
		return nil, ErrProtocolMismatch
	}

	rec := &Record{Raw: line}

	switch line[4] {
	case '1':
		rec.SupportsV1 = true
		if len(line) > 6 && line[6] == '9' {
			rec.StraddleLegacy = true
			rec.SupportsV2 = true
		}
		if strings.HasPrefix(line, "SSH-1.99") {
			rec.Straddle = true
			rec.SupportsV2 = true
		}
	case '2':
		rec.SupportsV2 = true
	default:
		return nil, ErrProtocolMismatch
	}

	if idx := strings.Index(line, "OpenSSH"); idx >= 0 {
		rec.OpenSSHVersionLegacy = parseOpenSSHVersionLegacy(line, idx)
		rec.OpenSSHVersion = parseOpenSSHVersionScanning(line, idx)
	}

	return rec, nil
}

// parseOpenSSHVersionLegacy replays the historical behavior: one-digit
// major at offset+8, one-digit minor at offset+10, relative to the
// "OpenSSH" match. This misreads two-digit minors (e.g. "OpenSSH_7.10"
// is read as major=7, minor=1).
func parseOpenSSHVersionLegacy(line string, openSSHIdx int) uint32 {
	majorOff := openSSHIdx + 8
	minorOff := openSSHIdx + 10
	if minorOff >= len(line) {
		return 0
	}
	major := line[majorOff]
	minor := line[minorOff]
	if major < '0' || major > '9' || minor < '0' || minor > '9' {
		return 0
	}
	return uint32(major-'0')<<16 | uint32(minor-'0')<<8
}

// parseOpenSSHVersionScanning scans forward from "OpenSSH_" to the
// next non-digit at each field boundary instead of trusting fixed
// offsets, so multi-digit minors (and majors) are read correctly.
func parseOpenSSHVersionScanning(line string, openSSHIdx int) uint32 {
	rest := line[openSSHIdx:]
	us := strings.IndexByte(rest, '_')
	if us < 0 {
		return 0
	}
	rest = rest[us+1:]

	major, rest, ok := scanDecimal(rest)
	if !ok {
		return 0
	}
	if len(rest) == 0 || rest[0] != '.' {
		return 0
	}
	minor, _, ok := scanDecimal(rest[1:])
	if !ok {
		return 0
	}
	return uint32(major)<<16 | uint32(minor)<<8
}

func scanDecimal(s string) (n int, rest string, ok bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, s, false
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, s, false
	}
	return v, s[i:], true
}

// Emit builds the CRLF-terminated banner line to send, returning both
// the wire bytes and the banner string stored as client_banner.
func Emit(override string, useV1 bool) (wire []byte, banner string) {
	switch {
	case override != "":
		banner = override
	case useV1:
		banner = ClientBanner1
	default:
		banner = ClientBanner2
	}
	return []byte(fmt.Sprintf("%s\r\n", banner)), banner
}
