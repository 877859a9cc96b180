//go:build !windows

// Copyright (c) Microsoft Corporation. All rights reserved.

package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Directories searched for a device node matching standard input, in order.
var deviceDirs = []string{"/dev/pts", "/dev"}

// TerminalIdentity returns the path of the terminal device connected to standard input.
func TerminalIdentity() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNotATerminal
	}

	// Linux exposes the device path directly.
	if path, linkErr := os.Readlink("/proc/self/fd/0"); linkErr == nil && filepath.IsAbs(path) {
		return path, nil
	}

	var stdinStat unix.Stat_t
	if statErr := unix.Fstat(fd, &stdinStat); statErr != nil {
		return "", fmt.Errorf("could not stat standard input: %w", statErr)
	}

	return findDevice(deviceDirs, uint64(stdinStat.Rdev))
}

// findDevice looks for a character device with the given device number in the given directories.
func findDevice(dirs []string, rdev uint64) (string, error) {
	for _, dir := range dirs {
		entries, readErr := os.ReadDir(dir)
		if readErr != nil {
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			var st unix.Stat_t
			if statErr := unix.Stat(path, &st); statErr != nil {
				continue
			}
			if st.Mode&unix.S_IFMT == unix.S_IFCHR && uint64(st.Rdev) == rdev {
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("%w: no device node found for standard input", ErrNotATerminal)
}
