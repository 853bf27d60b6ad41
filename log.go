package sshkex

import log "github.com/sirupsen/logrus"

// Log is the process-wide logger; this alias gives cmd/sshkex-probe
// one place to reconfigure formatting (JSON output, level) for every
// module at once.
var Log = log.StandardLogger()

// SetupLogging configures Log's level and format. debugLogging
// switches to logrus's text formatter with full timestamps for
// interactive runs; the default is JSON, matching a scan fleet's
// machine-readable log convention.
func SetupLogging(debugLogging bool) {
	if debugLogging {
		Log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		Log.SetLevel(log.DebugLevel)
		return
	}
	Log.SetFormatter(&log.JSONFormatter{})
	Log.SetLevel(log.InfoLevel)
}
