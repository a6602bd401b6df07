//go:build !windows

package update

import "errors"

// StartSelfUpdate is only implemented on windows; elsewhere the agent is
// updated by the system package manager.
func StartSelfUpdate(string) error {
	return errors.New("self-update is only supported on windows")
}
