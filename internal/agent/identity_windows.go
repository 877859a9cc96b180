//go:build windows

// Copyright (c) Microsoft Corporation. All rights reserved.

package agent

import (
	"os"
	"strconv"
)

// TerminalIdentity returns the agent's process ID. The debug adapter attaches to the console
// owned by this process and addresses it through CONIN$ and CONOUT$.
func TerminalIdentity() (string, error) {
	return strconv.Itoa(os.Getpid()), nil
}
