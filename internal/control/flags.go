// Package control carries operator commands to a running engine: flag files
// next to the status artifact and an optional redis pub/sub channel.
package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Command is an operator request
type Command string

const (
	CommandNone    Command = ""
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandRestart Command = "restart"
)

// ParseCommand accepts the command names case-insensitively
func ParseCommand(s string) (Command, error) {
	switch Command(strings.ToLower(strings.TrimSpace(s))) {
	case CommandStart:
		return CommandStart, nil
	case CommandStop:
		return CommandStop, nil
	case CommandRestart:
		return CommandRestart, nil
	}
	return CommandNone, fmt.Errorf("unknown control command %q", s)
}

// Flags manages <dir>/<instance>.{start,stop,restart}
type Flags struct {
	dir        string
	instanceID string
}

// NewFlags creates a flag set for instanceID in dir
func NewFlags(dir, instanceID string) *Flags {
	return &Flags{dir: dir, instanceID: instanceID}
}

// Path returns the flag file of cmd
func (f *Flags) Path(cmd Command) string {
	return filepath.Join(f.dir, f.instanceID+"."+string(cmd))
}

// Exists reports whether the flag file is present
func (f *Flags) Exists(cmd Command) bool {
	_, err := os.Stat(f.Path(cmd))
	return err == nil
}

// Set creates the flag file
func (f *Flags) Set(cmd Command) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Path(cmd), nil, 0o644)
}

// Remove deletes the flag file; a missing file is not an error
func (f *Flags) Remove(cmd Command) error {
	err := os.Remove(f.Path(cmd))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Poll returns the pending shutdown command, stop before restart. The flag
// is left in place; the engine removes it once it acts on it.
func (f *Flags) Poll() Command {
	switch {
	case f.Exists(CommandStop):
		return CommandStop
	case f.Exists(CommandRestart):
		return CommandRestart
	}
	return CommandNone
}

// Paused reports whether trading must wait for the start flag
func (f *Flags) Paused(requireStart bool) bool {
	return requireStart && !f.Exists(CommandStart)
}

// DisableAutostart removes the start and restart flags so an external
// supervisor does not bring the instance back after a hard exit.
func (f *Flags) DisableAutostart() error {
	return errors.Join(f.Remove(CommandStart), f.Remove(CommandRestart))
}
