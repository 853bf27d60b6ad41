package sshkex

import (
	"errors"
	"net"
	"os"
)

// ScanStatus classifies the outcome of a Scan call.
type ScanStatus string

const (
	SCAN_SUCCESS            ScanStatus = "success"
	SCAN_CONNECTION_REFUSED ScanStatus = "connection-refused"
	SCAN_CONNECTION_TIMEOUT ScanStatus = "connection-timeout"
	SCAN_IO_TIMEOUT         ScanStatus = "io-timeout"
	SCAN_PROTOCOL_ERROR     ScanStatus = "protocol-error"
	SCAN_APPLICATION_ERROR  ScanStatus = "application-error"
	SCAN_UNKNOWN_ERROR      ScanStatus = "unknown-error"
)

// TryGetScanStatus classifies err into a ScanStatus; modules wrap
// every failed Scan return with it.
func TryGetScanStatus(err error) ScanStatus {
	if err == nil {
		return SCAN_SUCCESS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return SCAN_IO_TIMEOUT
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, os.ErrDeadlineExceeded) {
			return SCAN_IO_TIMEOUT
		}
		if opErr.Op == "dial" {
			return SCAN_CONNECTION_REFUSED
		}
	}

	return SCAN_UNKNOWN_ERROR
}
