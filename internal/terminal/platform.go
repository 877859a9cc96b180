/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package terminal

// platform isolates the OS-specific parts of a Terminal: device naming and console rebinding.
// Platforms without a console concept report consoleAttachSupported() == false and never have
// freeConsole/attachConsole called.
type platform interface {
	inputDeviceName(identity string) string
	outputDeviceName(identity string) string
	consoleAttachSupported() bool
	freeConsole() error
	attachConsole(pid uint32) error
}

// devicePathPlatform is used where the agent reports a terminal device path.
type devicePathPlatform struct{}

func (devicePathPlatform) inputDeviceName(identity string) string { return identity }
func (devicePathPlatform) outputDeviceName(identity string) string { return identity }
func (devicePathPlatform) consoleAttachSupported() bool { return false }
func (devicePathPlatform) freeConsole() error { return nil }
func (devicePathPlatform) attachConsole(_ uint32) error { return nil }

var _ platform = devicePathPlatform{}
