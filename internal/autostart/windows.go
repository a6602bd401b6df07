//go:build windows

package autostart

import (
	"errors"

	"golang.org/x/sys/windows/registry"
)

func platformStore() store {
	return runKey{root: registry.CURRENT_USER, path: `Software\Microsoft\Windows\CurrentVersion\Run`}
}

// runKey keeps entries as string values under a Run key.
type runKey struct {
	root registry.Key
	path string
}

func (r runKey) with(access uint32, create bool, fn func(k registry.Key) error) error {
	var (
		k   registry.Key
		err error
	)
	if create {
		k, _, err = registry.CreateKey(r.root, r.path, access)
	} else {
		k, err = registry.OpenKey(r.root, r.path, access)
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = k.Close()
	}()
	return fn(k)
}

func (r runKey) get(name string) (command string, ok bool, err error) {
	err = r.with(registry.QUERY_VALUE, false, func(k registry.Key) error {
		var verr error
		command, _, verr = k.GetStringValue(name)
		ok = verr == nil
		return verr
	})
	if errors.Is(err, registry.ErrNotExist) {
		return "", false, nil
	}
	return command, ok, err
}

func (r runKey) set(name, command string) error {
	return r.with(registry.SET_VALUE, true, func(k registry.Key) error {
		return k.SetStringValue(name, command)
	})
}

func (r runKey) remove(name string) error {
	err := r.with(registry.SET_VALUE, false, func(k registry.Key) error {
		return k.DeleteValue(name)
	})
	if errors.Is(err, registry.ErrNotExist) {
		return nil
	}
	return err
}
