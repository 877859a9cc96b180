//go:build windows

// Copyright (c) Microsoft Corporation. All rights reserved.

package terminal

import (
	"golang.org/x/sys/windows"
)

const (
	consoleInputDevice  = "CONIN$"
	consoleOutputDevice = "CONOUT$"
)

var (
	kernel32          = windows.NewLazySystemDLL("kernel32.dll")
	freeConsoleProc   = kernel32.NewProc("FreeConsole")
	attachConsoleProc = kernel32.NewProc("AttachConsole")

	hostPlatform platform = consolePlatform{}
)

// consolePlatform is used on Windows, where the agent reports its process ID and the debuggee
// addresses the terminal through the console of the calling process.
type consolePlatform struct{}

func (consolePlatform) inputDeviceName(_ string) string { return consoleInputDevice }
func (consolePlatform) outputDeviceName(_ string) string { return consoleOutputDevice }
func (consolePlatform) consoleAttachSupported() bool { return true }

func (consolePlatform) freeConsole() error {
	retval, _, win32err := freeConsoleProc.Call()
	if retval == 0 {
		return win32err
	}
	return nil
}

func (consolePlatform) attachConsole(pid uint32) error {
	retval, _, win32err := attachConsoleProc.Call(uintptr(pid))
	if retval == 0 {
		return win32err
	}
	return nil
}
