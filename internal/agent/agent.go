/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package agent implements the terminal agent: a short-lived process started inside a terminal
// owned by the IDE. It reports how that terminal can be addressed and then waits until the
// debug adapter closes the connection.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/microsoft/dcpterm/pkg/osutil"
	"github.com/microsoft/dcpterm/pkg/resiliency"
)

// DefaultConnectTimeout bounds how long the agent keeps trying to reach the debug adapter.
const DefaultConnectTimeout = 10 * time.Second

// ErrNotATerminal is returned when the agent's standard input is not a terminal device.
var ErrNotATerminal = errors.New("standard input is not a terminal")

// Config holds the parameters of the terminal agent.
type Config struct {
	// Port of the debug adapter's loopback listener.
	Port int

	// ConnectTimeout bounds connection attempts. If zero, DefaultConnectTimeout is used.
	ConnectTimeout time.Duration

	// Identify returns the line reported to the debug adapter. If nil, TerminalIdentity is used.
	Identify func() (string, error)

	Logger logr.Logger
}

// Run connects to the debug adapter, reports the terminal identity, and blocks until the
// debug adapter closes the connection or the context is cancelled.
func Run(ctx context.Context, config Config) error {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues("Port", config.Port)

	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port %d", config.Port)
	}

	identify := config.Identify
	if identify == nil {
		identify = TerminalIdentity
	}
	identity, identifyErr := identify()
	if identifyErr != nil {
		log.Error(identifyErr, "Could not determine the terminal identity")
		return identifyErr
	}

	conn, connectErr := connect(ctx, config, log)
	if connectErr != nil {
		log.Error(connectErr, "Could not connect to the debug adapter")
		return connectErr
	}
	defer conn.Close()

	if _, writeErr := conn.Write(osutil.WithNewline([]byte(identity))); writeErr != nil {
		return fmt.Errorf("failed to report the terminal identity: %w", writeErr)
	}
	log.V(1).Info("Reported terminal identity", "Identity", identity)

	// Nothing more is ever sent; the read ends when the debug adapter lets go of the terminal.
	waitErr := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(io.Discard, conn)
		waitErr <- copyErr
	}()

	select {
	case copyErr := <-waitErr:
		if copyErr != nil && !errors.Is(copyErr, net.ErrClosed) {
			log.V(1).Info("Connection to the debug adapter ended with an error", "Error", copyErr.Error())
		}
		log.V(1).Info("Debug adapter released the terminal")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func connect(ctx context.Context, config Config, log logr.Logger) (net.Conn, error) {
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(config.Port))
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(0), // connectCtx bounds the attempts
	)

	return resiliency.RetryGet(connectCtx, b, func() (net.Conn, error) {
		var d net.Dialer
		conn, dialErr := d.DialContext(connectCtx, "tcp", address)
		if dialErr != nil {
			log.V(1).Info("Connection attempt failed", "Error", dialErr.Error())
			return nil, dialErr
		}
		return conn, nil
	})
}
