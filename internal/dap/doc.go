/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap implements a small debug adapter speaking the Debug Adapter Protocol (DAP).

# Key Components

  - Transport: DAP message framing over TCP or standard input/output (go-dap codec)
  - Session: one conversation with the client; correlates adapter-to-client requests
    (such as runInTerminal) with their responses
  - Adapter: handles initialize, launch, configurationDone, terminate and disconnect

# Launch Flow

 1. The client sends initialize and says whether it supports runInTerminal
 2. The client sends launch with a "terminal" of "console", "integrated" or "external"
 3. For a terminal launch the adapter acquires a terminal from the client (see package terminal)
    and starts the debuggee with its standard streams bound to the terminal device
 4. For a console launch the debuggee output is forwarded as output events
 5. When the debuggee exits, exited and terminated events are sent

Client requests are handled one at a time, in order, on a goroutine separate from the
read loop. A request handler may therefore send its own requests to the client and wait
for the responses.

# Usage

	adapter := dap.NewAdapter(dap.AdapterConfig{Logger: log})
	err := adapter.Serve(ctx, dap.NewStdioTransport(os.Stdin, os.Stdout))
*/
package dap
