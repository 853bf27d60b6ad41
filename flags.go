package sshkex

import "time"

// BaseFlags are the command-line flags common to every module,
// embedded by each module's own Flags struct.
type BaseFlags struct {
	Name    string        `long:"name" description:"Name of this scanner, used as the key for the results object."`
	Port    uint          `long:"port" description:"Specify port to grab on"`
	Timeout time.Duration `long:"timeout" description:"Set connection timeout" default:"10s"`
	Trigger string        `long:"trigger" description:"Invoke this scanner only if the TriggerCondition is met"`
}

// Validate is the default, no-op BaseFlags.Validate; modules that
// need extra validation shadow it with their own Flags.Validate.
func (f *BaseFlags) Validate(args []string) error {
	return nil
}

// Help is the default, no-op BaseFlags.Help.
func (f *BaseFlags) Help() string {
	return ""
}
