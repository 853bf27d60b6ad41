// Command sshkex-probe is the CLI front-end for the SSH transport
// bring-up engine: it parses a single target and the ssh-kex module's
// flags with zflags, drives one Connect() to completion, and prints
// the resulting ScanResults as JSON.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"
	flags "github.com/zmap/zflags"

	"github.com/protocolkit/sshkex"
	sshkexmod "github.com/protocolkit/sshkex/modules/sshkex"
)

// generalOptions are the flags every invocation accepts, independent
// of which module is selected.
type generalOptions struct {
	Debug bool `long:"debug" description:"Enable verbose, human-readable logging"`
}

func main() {
	sshkexmod.RegisterModule()

	var general generalOptions
	parser := flags.NewParser(&general, flags.Default)
	parser.SubcommandsOptional = false

	moduleFlags := make(map[string]interface{})
	for _, name := range sshkex.RegisteredModules() {
		module, _, _ := sshkex.Lookup(name)
		data := module.NewFlags()
		moduleFlags[name] = data
		if _, err := parser.AddCommand(name, module.Description(), module.Description(), data); err != nil {
			log.Fatalf("sshkex-probe: registering command %q: %v", name, err)
		}
	}

	args, _, _, err := parser.Parse()
	if err != nil {
		os.Exit(1)
	}
	if len(args) < 1 {
		log.Fatal("sshkex-probe: missing target host[:port]")
	}

	sshkex.SetupLogging(general.Debug)

	if parser.Active == nil {
		log.Fatal("sshkex-probe: no module selected")
	}
	moduleName := parser.Active.Name

	module, defaultPort, ok := sshkex.Lookup(moduleName)
	if !ok {
		log.Fatalf("sshkex-probe: unknown module %q", moduleName)
	}

	scanFlags, ok := moduleFlags[moduleName].(sshkex.ScanFlags)
	if !ok {
		log.Fatalf("sshkex-probe: module %q returned flags that do not implement ScanFlags", moduleName)
	}
	if err := scanFlags.Validate(args); err != nil {
		log.Fatalf("sshkex-probe: invalid flags: %v", err)
	}

	scanner := module.NewScanner()
	if err := scanner.Init(scanFlags); err != nil {
		log.Fatalf("sshkex-probe: initializing scanner: %v", err)
	}

	target, err := parseTarget(args[0], uint(defaultPort))
	if err != nil {
		log.Fatalf("sshkex-probe: %v", err)
	}

	status, result, scanErr := scanner.Scan(target)

	out := struct {
		Target string              `json:"target"`
		Status sshkex.ScanStatus   `json:"status"`
		Error  string              `json:"error,omitempty"`
		Result interface{}         `json:"result,omitempty"`
	}{
		Target: target.String(),
		Status: status,
		Result: result,
	}
	if scanErr != nil {
		out.Error = scanErr.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("sshkex-probe: encoding result: %v", err)
	}

	if scanErr != nil {
		os.Exit(1)
	}
}

// parseTarget splits host[:port] into a ScanTarget, falling back to
// defaultPort when no port is given.
func parseTarget(arg string, defaultPort uint) (sshkex.ScanTarget, error) {
	host, portStr, err := net.SplitHostPort(arg)
	if err != nil {
		host = arg
	}

	target := sshkex.ScanTarget{}
	if ip := net.ParseIP(host); ip != nil {
		target.IP = ip
	} else {
		target.Domain = host
	}

	if portStr != "" {
		var port uint
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return target, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		target.Port = &port
	} else {
		target.Port = &defaultPort
	}
	return target, nil
}
