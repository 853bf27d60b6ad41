// Package sshkex is the root command-and-module framework the SSH
// bring-up engine is scanned through: a registry of named
// Module/Scanner pairs, each exposing flags and a Scan(ScanTarget)
// entry point, driven by a single CLI front-end (cmd/sshkex-probe).
package sshkex

import (
	"fmt"
	"sort"
)

// Module is implemented by every protocol package under modules/.
type Module interface {
	NewFlags() interface{}
	NewScanner() Scanner
	Description() string
}

// ScanFlags is the interface every module's Flags struct satisfies by
// embedding BaseFlags.
type ScanFlags interface {
	Validate(args []string) error
	Help() string
}

// Scanner is implemented by every protocol package's Scanner type.
type Scanner interface {
	Init(flags ScanFlags) error
	InitPerSender(senderID int) error
	GetName() string
	GetTrigger() string
	Protocol() string
	Scan(t ScanTarget) (status ScanStatus, result interface{}, err error)
}

// moduleEntry is one registered command.
type moduleEntry struct {
	name        string
	description string
	port        uint16
	module      Module
}

var registry = map[string]*moduleEntry{}

// AddCommand registers a module under name, for use by
// cmd/sshkex-probe's flag parser. Each module's RegisterModule calls
// this once at startup.
func AddCommand(name, shortDescription string, longDescription string, port uint16, m Module) (*moduleEntry, error) {
	if _, exists := registry[name]; exists {
		return nil, fmt.Errorf("sshkex: module %q already registered", name)
	}
	entry := &moduleEntry{name: name, description: longDescription, port: port, module: m}
	registry[name] = entry
	return entry, nil
}

// Lookup returns the registered module entry for name, if any.
func Lookup(name string) (Module, uint16, bool) {
	entry, ok := registry[name]
	if !ok {
		return nil, 0, false
	}
	return entry.module, entry.port, true
}

// RegisteredModules returns every registered command name, sorted.
func RegisteredModules() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
