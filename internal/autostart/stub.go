//go:build !windows

package autostart

func platformStore() store { return nil }
