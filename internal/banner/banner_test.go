package banner_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/protocolkit/sshkex/internal/banner"
)

func TestReaderIncompleteWithoutLF(t *testing.T) {
	for _, n := range []int{0, 1, 64, 127} {
		r := banner.NewReader()
		rec, consumed, err := r.Feed([]byte(strings.Repeat("x", n)))
		if err != nil {
			t.Fatalf("Feed(%d bytes without LF) error: %v", n, err)
		}
		if rec != nil {
			t.Fatalf("Feed(%d bytes without LF) returned a record", n)
		}
		if consumed != 0 {
			t.Errorf("Feed(%d bytes without LF) consumed = %d, want 0", n, consumed)
		}
	}
}

func TestReaderTooLargeBoundary(t *testing.T) {
	// Exactly 128 bytes without LF is over the line-body cap.
	r := banner.NewReader()
	_, _, err := r.Feed([]byte(strings.Repeat("x", 128)))
	if !errors.Is(err, banner.ErrTooLarge) {
		t.Fatalf("Feed(128 bytes without LF) error = %v, want ErrTooLarge", err)
	}

	// 127 bytes of line body plus the LF succeeds.
	line := "SSH-2.0-" + strings.Repeat("x", 119)
	if len(line) != 127 {
		t.Fatalf("test line length = %d, want 127", len(line))
	}
	r = banner.NewReader()
	rec, consumed, err := r.Feed(append([]byte(line), '\n'))
	if err != nil {
		t.Fatalf("Feed(127 bytes + LF) error: %v", err)
	}
	if rec == nil || rec.Raw != line {
		t.Fatalf("Feed(127 bytes + LF) record = %+v, want raw %q", rec, line)
	}
	if consumed != 128 {
		t.Errorf("consumed = %d, want 128", consumed)
	}
}

func TestReaderOverlongGarbage(t *testing.T) {
	r := banner.NewReader()
	_, _, err := r.Feed([]byte(strings.Repeat("g", 129)))
	if !errors.Is(err, banner.ErrTooLarge) {
		t.Fatalf("error = %v, want ErrTooLarge", err)
	}
}

func TestReaderStripsCRBeforeLF(t *testing.T) {
	r := banner.NewReader()
	rec, consumed, err := r.Feed([]byte("SSH-2.0-OpenSSH_7.4\r\nleftover"))
	if err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if rec.Raw != "SSH-2.0-OpenSSH_7.4" {
		t.Errorf("Raw = %q, want CR stripped", rec.Raw)
	}
	if strings.ContainsAny(rec.Raw, "\r\x00") {
		t.Errorf("Raw %q contains CR/NUL", rec.Raw)
	}
	// Consumed stops after the LF so the leftover bytes flow to the
	// packet dispatcher.
	if want := len("SSH-2.0-OpenSSH_7.4\r\n"); consumed != want {
		t.Errorf("consumed = %d, want %d", consumed, want)
	}
}

func TestReaderSplitAcrossChunks(t *testing.T) {
	r := banner.NewReader()
	rec, consumed, err := r.Feed([]byte("SSH-2.0-Open"))
	if err != nil || rec != nil || consumed != 0 {
		t.Fatalf("first chunk: rec=%v consumed=%d err=%v", rec, consumed, err)
	}
	rec, consumed, err = r.Feed([]byte("SSH_7.4\r\n"))
	if err != nil {
		t.Fatalf("second chunk error: %v", err)
	}
	if rec == nil || rec.Raw != "SSH-2.0-OpenSSH_7.4" {
		t.Fatalf("record = %+v, want full banner", rec)
	}
	if consumed != len("SSH_7.4\r\n") {
		t.Errorf("consumed = %d, want %d", consumed, len("SSH_7.4\r\n"))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line       string
		wantErr    bool
		v1, v2     bool
		straddle   bool
		straddleLg bool
		verLegacy  uint32
		verScan    uint32
	}{
		{line: "SSH-2.0-OpenSSH_7.4", v2: true, verLegacy: 0x00070400, verScan: 0x00070400},
		{line: "SSH-2.0-OpenSSH_7.10", v2: true, verLegacy: 0x00070100, verScan: 0x00070a00},
		{line: "SSH-1.99-foo", v1: true, v2: true, straddle: true, straddleLg: true},
		{line: "SSH-1.9-foo", v1: true, v2: true, straddleLg: true},
		{line: "SSH-1.5-x", v1: true},
		{line: "SSH-2.0-libssh_0.11", v2: true},
		{line: "hello world", wantErr: true},
		{line: "SSH-3.0-future", wantErr: true},
		{line: "SSH", wantErr: true},
	}

	for _, tt := range tests {
		rec, err := banner.Classify(tt.line)
		if tt.wantErr {
			if !errors.Is(err, banner.ErrProtocolMismatch) {
				t.Errorf("Classify(%q) error = %v, want ErrProtocolMismatch", tt.line, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Classify(%q) error: %v", tt.line, err)
			continue
		}
		if rec.SupportsV1 != tt.v1 || rec.SupportsV2 != tt.v2 {
			t.Errorf("Classify(%q) v1=%v v2=%v, want v1=%v v2=%v", tt.line, rec.SupportsV1, rec.SupportsV2, tt.v1, tt.v2)
		}
		if rec.Straddle != tt.straddle || rec.StraddleLegacy != tt.straddleLg {
			t.Errorf("Classify(%q) straddle=%v legacy=%v, want %v/%v", tt.line, rec.Straddle, rec.StraddleLegacy, tt.straddle, tt.straddleLg)
		}
		if rec.OpenSSHVersionLegacy != tt.verLegacy {
			t.Errorf("Classify(%q) legacy version = %#x, want %#x", tt.line, rec.OpenSSHVersionLegacy, tt.verLegacy)
		}
		if rec.OpenSSHVersion != tt.verScan {
			t.Errorf("Classify(%q) scanned version = %#x, want %#x", tt.line, rec.OpenSSHVersion, tt.verScan)
		}
	}
}

func TestEmitRoundTrip(t *testing.T) {
	wire, emitted := banner.Emit("", false)
	r := banner.NewReader()
	rec, _, err := r.Feed(wire)
	if err != nil {
		t.Fatalf("feeding our own banner back: %v", err)
	}
	if rec.Raw != emitted {
		t.Errorf("round trip: parsed %q, emitted %q", rec.Raw, emitted)
	}
	if !rec.SupportsV2 {
		t.Error("default client banner must advertise v2")
	}
}

func TestEmitOverride(t *testing.T) {
	wire, emitted := banner.Emit("SSH-2.0-custom", false)
	if emitted != "SSH-2.0-custom" {
		t.Errorf("emitted = %q, want override", emitted)
	}
	if string(wire) != "SSH-2.0-custom\r\n" {
		t.Errorf("wire = %q, want CRLF-terminated override", wire)
	}
}

func TestEmitV1(t *testing.T) {
	_, emitted := banner.Emit("", true)
	if !strings.HasPrefix(emitted, "SSH-1.") {
		t.Errorf("v1 banner = %q, want SSH-1. prefix", emitted)
	}
}
