/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/microsoft/dcpterm/internal/dap"
	"github.com/microsoft/dcpterm/internal/terminal"
	"github.com/microsoft/dcpterm/pkg/logger"
	"github.com/microsoft/dcpterm/pkg/osutil"
)

type dapFlags struct {
	port            int
	terminalTimeout time.Duration
}

func NewDapCommand(log *logger.Logger) (*cobra.Command, error) {
	flags := dapFlags{}

	dapCmd := &cobra.Command{
		Use:   "dap",
		Short: "Serves a debug session",
		Long: `Serves a single debug session over standard input and output,
or over a TCP connection accepted on the given loopback port.`,
		RunE: runDap(log, &flags),
		Args: cobra.NoArgs,
	}

	dapCmd.Flags().IntVar(&flags.port, "port", 0, "If present, accept the DAP client connection on this loopback TCP port instead of using stdio.")
	dapCmd.Flags().DurationVar(&flags.terminalTimeout, "terminal-timeout",
		osutil.EnvVarDurationValWithDefault(DCPTERM_TERMINAL_TIMEOUT, terminal.DefaultAcquisitionTimeout),
		"How long to wait for the IDE to open a terminal for the debuggee.")

	return dapCmd, nil
}

func runDap(log *logger.Logger, flags *dapFlags) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		dapLog := log.Logger.WithName("dap")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		transport, transportErr := openTransport(ctx, flags.port, log)
		if transportErr != nil {
			dapLog.Error(transportErr, "Could not connect to the DAP client")
			return transportErr
		}

		adapter := dap.NewAdapter(dap.AdapterConfig{
			TerminalTimeout: flags.terminalTimeout,
			Logger:          dapLog,
		})
		return adapter.Serve(ctx, transport)
	}
}

func openTransport(ctx context.Context, port int, log *logger.Logger) (dap.Transport, error) {
	if port == 0 {
		return dap.NewStdioTransport(os.Stdin, os.Stdout), nil
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	var lc net.ListenConfig
	listener, listenErr := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if listenErr != nil {
		return nil, fmt.Errorf("could not listen on port %d: %w", port, listenErr)
	}

	log.Info("Waiting for the DAP client to connect", "Address", listener.Addr().String())
	return dap.AcceptTCP(ctx, listener)
}
