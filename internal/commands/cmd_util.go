/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"os"

	"github.com/microsoft/dcpterm/pkg/logger"
	"github.com/microsoft/dcpterm/pkg/osutil"
)

const (
	// Default for the dap command --terminal-timeout flag.
	DCPTERM_TERMINAL_TIMEOUT = "DCPTERM_TERMINAL_TIMEOUT"

	// Default for the terminal-agent command --connect-timeout flag.
	DCPTERM_AGENT_CONNECT_TIMEOUT = "DCPTERM_AGENT_CONNECT_TIMEOUT"
)

// ErrorExit reports a command failure and terminates the process with the given exit code.
func ErrorExit(log *logger.Logger, err error, exitCode int) {
	log.Error(err, "Command failed", "ExitCode", exitCode)
	_, _ = os.Stderr.WriteString(fmt.Sprintf("Error: %v", err) + string(osutil.LineSep()))
	log.Flush()
	os.Exit(exitCode)
}
