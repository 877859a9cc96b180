/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// DefaultAcquisitionTimeout bounds the whole acquisition sequence, from the clear request
// to reading the agent's identity line.
const DefaultAcquisitionTimeout = 300 * time.Second

// maxIdentityLength bounds the identity line the agent may send, newline excluded.
const maxIdentityLength = 4096

// AcquireConfig holds the parameters of a single terminal acquisition.
type AcquireConfig struct {
	// Kind is the terminal flavor passed to the host ("integrated", "external").
	Kind string

	// Title is the display label of the terminal.
	Title string

	// ClearSequence, if non-empty, is run in the target terminal before the agent is started.
	ClearSequence []string

	// Timeout bounds the acquisition. If zero, DefaultAcquisitionTimeout is used.
	Timeout time.Duration

	// Executable is the program started in agent mode. If empty, the current executable is used.
	Executable string

	// Logger for acquisition diagnostics. If not set, logging is disabled.
	Logger logr.Logger

	// listen creates the loopback listener. Tests replace it; nil means listenLoopback.
	listen func(ctx context.Context) (net.Listener, error)
}

type acceptResult struct {
	conn     net.Conn
	identity string
	err      error
}

// Acquire asks the host to open a terminal running this executable in agent mode, and waits
// for the agent to connect back and report the terminal's device identity.
//
// Either a usable Terminal is returned within the deadline, or one of ErrClearCommandFailed,
// ErrLocalBindFailed, ErrTimeout, ErrIoFailure (or the caller's context error) is returned.
// The caller owns the returned Terminal and must Close it when the debuggee no longer needs it.
func Acquire(ctx context.Context, session ProtocolSession, config AcquireConfig) (*Terminal, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultAcquisitionTimeout
	}

	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues("AcquisitionID", uuid.NewString(), "Kind", config.Kind)

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	term, acquireErr := acquire(acquireCtx, session, config, log)
	if acquireErr == nil {
		log.V(1).Info("Terminal acquired", "DeviceIdentity", term.DeviceIdentity())
		return term, nil
	}

	if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
		log.Info("Terminal agent did not respond", "Timeout", timeout.String())
		return nil, fmt.Errorf("%w (%s)", ErrTimeout, timeout)
	}

	log.Error(acquireErr, "Terminal acquisition failed")
	return nil, acquireErr
}

func acquire(ctx context.Context, session ProtocolSession, config AcquireConfig, log logr.Logger) (*Terminal, error) {
	if len(config.ClearSequence) > 0 {
		clearReq := TerminalRequest{
			Kind:        config.Kind,
			Title:       config.Title,
			CommandLine: config.ClearSequence,
		}
		if _, clearErr := session.SendRequest(ctx, clearReq.runInTerminalRequest()); clearErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrClearCommandFailed, clearErr)
		}
	}

	listen := config.listen
	if listen == nil {
		listen = listenLoopback
	}
	listener, listenErr := listen(ctx)
	if listenErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalBindFailed, listenErr)
	}
	// Only one connection is ever accepted, so the listener does not outlive the acquisition.
	defer listener.Close()

	tcpAddr, isTCP := listener.Addr().(*net.TCPAddr)
	if !isTCP {
		return nil, fmt.Errorf("%w: unexpected listener address %s", ErrLocalBindFailed, listener.Addr().String())
	}
	log = log.WithValues("Port", tcpAddr.Port)

	// The accept must be pending before the run request goes out, otherwise a fast agent could
	// connect to a listener that is not serving yet.
	results := make(chan acceptResult)
	go acceptIdentity(ctx, listener, results, log)

	executable := config.Executable
	if executable == "" {
		exe, exeErr := os.Executable()
		if exeErr != nil {
			return nil, fmt.Errorf("%w: could not determine the path of the current executable: %w", ErrIoFailure, exeErr)
		}
		executable = exe
	}

	runReq := TerminalRequest{
		Kind:        config.Kind,
		Title:       config.Title,
		CommandLine: AgentCommandLine(executable, tcpAddr.Port),
	}
	dispatchRunRequest(ctx, session, runReq, log)

	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		return newTerminal(res.conn, res.identity, log), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Some hosts respond to runInTerminal only after the launched command exits, so the response is
// never awaited here. If the request fails, the agent never connects and the deadline fires.
func dispatchRunRequest(ctx context.Context, session ProtocolSession, req TerminalRequest, log logr.Logger) {
	// The request must survive the acquisition context; the host may answer long after the agent connects.
	dispatchCtx := context.WithoutCancel(ctx)

	go func() {
		log.V(1).Info("Sending runInTerminal request for the terminal agent", "Args", req.CommandLine)
		if _, sendErr := session.SendRequest(dispatchCtx, req.runInTerminalRequest()); sendErr != nil {
			log.Error(sendErr, "The runInTerminal request for the terminal agent failed")
			return
		}
		log.V(1).Info("The runInTerminal request for the terminal agent completed")
	}()
}

func acceptIdentity(ctx context.Context, listener net.Listener, results chan<- acceptResult, log logr.Logger) {
	conn, acceptErr := listener.Accept()
	if acceptErr != nil {
		if ctx.Err() != nil {
			return // Listener closed because the acquisition is over.
		}
		deliver(ctx, results, acceptResult{err: fmt.Errorf("%w: %w", ErrIoFailure, acceptErr)})
		return
	}

	log.V(1).Info("Terminal agent connected", "RemoteAddr", conn.RemoteAddr().String())

	// A hung agent blocks the read below; closing the connection on deadline unblocks it.
	stopCloseOnDone := context.AfterFunc(ctx, func() { _ = conn.Close() })

	line, readErr := bufio.NewReader(io.LimitReader(conn, maxIdentityLength+1)).ReadString('\n')
	if !stopCloseOnDone() {
		return // Connection already closed by the deadline.
	}

	identity := strings.TrimSpace(line)
	switch {
	case !strings.HasSuffix(line, "\n") && len(line) > maxIdentityLength:
		_ = conn.Close()
		deliver(ctx, results, acceptResult{err: fmt.Errorf("%w: identity line exceeds %d bytes", ErrIoFailure, maxIdentityLength)})
		return
	case readErr != nil && !errors.Is(readErr, io.EOF):
		_ = conn.Close()
		deliver(ctx, results, acceptResult{err: fmt.Errorf("%w: %w", ErrIoFailure, readErr)})
		return
	case identity == "":
		// An agent that closes without reporting anything is treated as one that never answered.
		_ = conn.Close()
		log.Info("Terminal agent closed the connection without reporting a device identity")
		return
	}

	if !deliver(ctx, results, acceptResult{conn: conn, identity: identity}) {
		_ = conn.Close()
	}
}

func deliver(ctx context.Context, results chan<- acceptResult, res acceptResult) bool {
	select {
	case results <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

func listenLoopback(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", "127.0.0.1:0")
}
