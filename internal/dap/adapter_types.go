/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidLaunchArguments is returned when the launch request arguments cannot be used.
var ErrInvalidLaunchArguments = errors.New("invalid launch arguments")

// TerminalKind specifies where the debuggee's standard streams go.
type TerminalKind string

const (
	// TerminalKindConsole sends debuggee output to the debug console as output events.
	TerminalKindConsole TerminalKind = "console"

	// TerminalKindIntegrated runs the debuggee in a terminal inside the IDE.
	TerminalKindIntegrated TerminalKind = "integrated"

	// TerminalKindExternal runs the debuggee in a terminal window outside the IDE.
	TerminalKindExternal TerminalKind = "external"
)

// LaunchArguments are the adapter-specific arguments of the launch request.
type LaunchArguments struct {
	// Program is the path of the debuggee executable.
	Program string `json:"program"`

	Args []string `json:"args,omitempty"`

	// Cwd is the debuggee working directory. Empty means the adapter's working directory.
	Cwd string `json:"cwd,omitempty"`

	// Env is added to the adapter's environment for the debuggee.
	Env map[string]string `json:"env,omitempty"`

	// Terminal selects the terminal kind. Valid values: "console" (default), "integrated", "external".
	Terminal TerminalKind `json:"terminal,omitempty"`

	// TerminalPromptClear is a command run in the terminal before the debuggee, usually to clear it.
	TerminalPromptClear []string `json:"terminalPromptClear,omitempty"`

	// StopOnEntry is accepted for compatibility and ignored.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`
}

// EffectiveTerminal returns the terminal kind, defaulting to TerminalKindConsole
// if Terminal is empty or unrecognized.
func (la *LaunchArguments) EffectiveTerminal() TerminalKind {
	switch la.Terminal {
	case TerminalKindIntegrated, TerminalKindExternal:
		return la.Terminal
	default:
		return TerminalKindConsole
	}
}

func parseLaunchArguments(raw json.RawMessage) (*LaunchArguments, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no arguments", ErrInvalidLaunchArguments)
	}

	var args LaunchArguments
	if unmarshalErr := json.Unmarshal(raw, &args); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLaunchArguments, unmarshalErr)
	}
	if args.Program == "" {
		return nil, fmt.Errorf("%w: 'program' is required", ErrInvalidLaunchArguments)
	}

	return &args, nil
}
