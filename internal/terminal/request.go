/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package terminal

import (
	"context"
	"fmt"

	"github.com/google/go-dap"
)

const (
	// AgentCommand is the subcommand that runs the executable in terminal agent mode.
	AgentCommand = "terminal-agent"

	// AgentConnectFlag is the agent flag carrying the port of the coordinator's listener.
	AgentConnectFlag = "connect"
)

// ProtocolSession sends a structured request to the host (IDE) and waits for its response.
// The terminal package only ever sends runInTerminal requests through it.
type ProtocolSession interface {
	SendRequest(ctx context.Context, request dap.RequestMessage) (dap.Message, error)
}

// TerminalRequest describes a command line the host should run in a terminal it owns.
type TerminalRequest struct {
	// Kind identifies the terminal flavor, e.g. "integrated" or "external".
	Kind string

	// Title is the display label for the terminal.
	Title string

	// CommandLine is the program and its arguments.
	CommandLine []string

	// WorkingDirectory is optional; empty means the host default.
	WorkingDirectory string

	// Environment is optional; nil means the host default.
	Environment map[string]string
}

// AgentCommandLine returns the command line that starts the terminal agent and points it back
// at the listener on the given port.
func AgentCommandLine(executable string, port int) []string {
	return []string{
		executable,
		AgentCommand,
		fmt.Sprintf("--%s=%d", AgentConnectFlag, port),
	}
}

func (tr TerminalRequest) runInTerminalRequest() *dap.RunInTerminalRequest {
	req := &dap.RunInTerminalRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Type: "request"},
			Command:         "runInTerminal",
		},
		Arguments: dap.RunInTerminalRequestArguments{
			Kind:  tr.Kind,
			Title: tr.Title,
			Cwd:   tr.WorkingDirectory,
			Args:  append([]string{}, tr.CommandLine...),
		},
	}

	if len(tr.Environment) > 0 {
		env := make(map[string]interface{}, len(tr.Environment))
		for k, v := range tr.Environment {
			env[k] = v
		}
		req.Arguments.Env = env
	}

	return req
}
