// Package autostart registers the agent to start at user login. Only windows
// (HKCU Run key) is implemented; other platforms leave it to the desktop
// session manager.
package autostart

import (
	"errors"
	"strings"
)

// AppName is the registry value name.
const AppName = "WashlineAgent"

var ErrUnsupported = errors.New("autostart is not supported on this platform")

// store holds login entries by name. Removing a missing entry succeeds.
type store interface {
	get(name string) (command string, ok bool, err error)
	set(name, command string) error
	remove(name string) error
}

// entries is nil where autostart is not supported.
var entries store = platformStore()

func Supported() bool { return entries != nil }

func IsEnabled(appName string) (bool, error) {
	if entries == nil {
		return false, nil
	}
	command, ok, err := entries.get(appName)
	if err != nil || !ok {
		return false, err
	}
	return strings.TrimSpace(command) != "", nil
}

// Enable registers executablePath with args. An identical entry is left
// untouched.
func Enable(appName string, executablePath string, args ...string) error {
	if entries == nil {
		return ErrUnsupported
	}
	command := CommandLine(executablePath, args...)
	if current, ok, err := entries.get(appName); err == nil && ok && current == command {
		return nil
	}
	return entries.set(appName, command)
}

// Disable succeeds when nothing is registered.
func Disable(appName string) error {
	if entries == nil {
		return nil
	}
	return entries.remove(appName)
}

// CommandLine quotes executablePath and any argument containing spaces.
func CommandLine(executablePath string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(executablePath))
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t") {
			arg = quote(arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	return `"` + strings.Trim(s, `"`) + `"`
}
