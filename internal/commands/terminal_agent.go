/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/microsoft/dcpterm/internal/agent"
	"github.com/microsoft/dcpterm/internal/terminal"
	"github.com/microsoft/dcpterm/pkg/logger"
	"github.com/microsoft/dcpterm/pkg/osutil"
)

func NewTerminalAgentCommand(log *logger.Logger) (*cobra.Command, error) {
	var port int
	var connectTimeout time.Duration

	agentCmd := &cobra.Command{
		Use:    terminal.AgentCommand,
		Short:  "Reports the terminal it runs in to the debug adapter",
		Long:   `Started by the IDE inside a terminal. Tells the debug adapter how to reach the terminal, then waits until the adapter is done with it.`,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return agent.Run(ctx, agent.Config{
				Port:           port,
				ConnectTimeout: connectTimeout,
				Logger:         log.Logger.WithName("terminal-agent"),
			})
		},
	}

	agentCmd.Flags().IntVar(&port, terminal.AgentConnectFlag, 0, "Loopback port the debug adapter listens on.")
	agentCmd.Flags().DurationVar(&connectTimeout, "connect-timeout",
		osutil.EnvVarDurationValWithDefault(DCPTERM_AGENT_CONNECT_TIMEOUT, agent.DefaultConnectTimeout),
		"How long to keep trying to connect to the debug adapter.")
	if err := agentCmd.MarkFlagRequired(terminal.AgentConnectFlag); err != nil {
		return nil, err
	}

	return agentCmd, nil
}
