/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package terminal

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/go-logr/logr"
)

// Terminal is a terminal acquired from the host.
// It owns the connection to the terminal agent; the agent exits when the connection is closed.
type Terminal struct {
	conn     net.Conn
	identity string
	platform platform
	log      logr.Logger

	closeOnce sync.Once
	closeErr  error
}

func newTerminal(conn net.Conn, identity string, log logr.Logger) *Terminal {
	return &Terminal{
		conn:     conn,
		identity: identity,
		platform: hostPlatform,
		log:      log,
	}
}

// DeviceIdentity returns what the agent reported: the terminal device path on POSIX systems,
// the agent's process ID on Windows.
func (t *Terminal) DeviceIdentity() string {
	return t.identity
}

// InputDeviceName returns the name to open for redirecting standard input into the terminal.
func (t *Terminal) InputDeviceName() string {
	return t.platform.inputDeviceName(t.identity)
}

// OutputDeviceName returns the name to open for redirecting standard output into the terminal.
func (t *Terminal) OutputDeviceName() string {
	return t.platform.outputDeviceName(t.identity)
}

// SupportsConsoleAttach reports whether AttachConsole and DetachConsole do anything on this platform.
func (t *Terminal) SupportsConsoleAttach() bool {
	return t.platform.consoleAttachSupported()
}

// AttachConsole rebinds the current process to the console of the terminal agent.
// This changes process-wide state; the caller must serialize it with other console work
// and undo it with DetachConsole once the debuggee has been started.
// Failures are logged only.
func (t *Terminal) AttachConsole() {
	if !t.platform.consoleAttachSupported() {
		return
	}

	pid, parseErr := strconv.ParseUint(t.identity, 10, 32)
	if parseErr != nil {
		t.log.Error(parseErr, "Terminal agent identity is not a process ID", "DeviceIdentity", t.identity)
		return
	}

	if freeErr := t.platform.freeConsole(); freeErr != nil {
		t.log.Error(freeErr, "FreeConsole failed", "ErrorCode", osErrorCode(freeErr))
	}
	if attachErr := t.platform.attachConsole(uint32(pid)); attachErr != nil {
		t.log.Error(attachErr, "AttachConsole failed", "ErrorCode", osErrorCode(attachErr), "PID", pid)
	}
}

// DetachConsole releases the console acquired by AttachConsole. Failures are logged only.
func (t *Terminal) DetachConsole() {
	if !t.platform.consoleAttachSupported() {
		return
	}

	if freeErr := t.platform.freeConsole(); freeErr != nil {
		t.log.Error(freeErr, "FreeConsole failed", "ErrorCode", osErrorCode(freeErr))
	}
}

// Close releases the connection to the terminal agent, which lets the agent exit.
// It is safe to call Close more than once.
func (t *Terminal) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func osErrorCode(err error) uint64 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint64(errno)
	}
	return 0
}
