package sshkex

// Version is the engine's release string, reported by Copyright.
const Version = "1.0.0"

// Copyright returns the static version/copyright string for this
// engine.
func Copyright() string {
	return "sshkex " + Version + " (c) 2026 protocolkit authors. Distributed under the terms of the Apache 2.0 license."
}
