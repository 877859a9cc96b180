/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/dcpterm/pkg/logger"
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "dcpterm",
		Short: "Debug adapter that runs programs in terminals owned by the IDE",
		Long: `dcpterm is a debug adapter speaking the Debug Adapter Protocol.

	It launches the program being debugged either with its output sent to the IDE debug console,
	or attached to an integrated or external terminal obtained from the IDE.`,
		SilenceUsage:     true,
		SilenceErrors:    true,
		PersistentPreRun: LogVersion(log.Logger, "dcpterm starting"),
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			log.Flush()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	log.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewDapCommand(log); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'dap' command: %w", err)
	}

	if cmd, err = NewTerminalAgentCommand(log); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'terminal-agent' command: %w", err)
	}

	if cmd, err = NewVersionCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	}

	return rootCmd, nil
}
