/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/davidwartell/go-onecontext/onecontext"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/dcpterm/internal/launcher"
	"github.com/microsoft/dcpterm/internal/terminal"
)

// Error IDs reported in error responses.
const (
	errorIDInvalidArguments = 1001
	errorIDAlreadyLaunched  = 1002
	errorIDTerminalFailed   = 1003
	errorIDLaunchFailed     = 1004
	errorIDUnsupported      = 1005
	errorIDLaunchCancelled  = 1006
)

// How long release waits for a killed debuggee to be reported as exited.
const debuggeeExitTimeout = 5 * time.Second

// AdapterConfig holds the configuration of the debug adapter.
type AdapterConfig struct {
	// TerminalTimeout bounds terminal acquisition. If zero, terminal.DefaultAcquisitionTimeout is used.
	TerminalTimeout time.Duration

	// Executable is started in terminal agent mode. If empty, the current executable is used.
	Executable string

	Logger logr.Logger
}

// Adapter is a debug adapter that launches a debuggee, optionally in a terminal owned by the client.
// An Adapter serves a single session.
type Adapter struct {
	config  AdapterConfig
	log     logr.Logger
	session *Session
	stop    context.CancelFunc

	// interruptCtx is cancelled as soon as the client asks to end the session,
	// even while a launch is still being handled.
	interruptCtx context.Context
	interrupt    context.CancelFunc

	// mu protects the fields below.
	mu                   sync.Mutex
	clientRunsInTerminal bool
	debuggee             *launcher.Debuggee
	terminal             *terminal.Terminal
	exitEventsSent       chan struct{}
}

func NewAdapter(config AdapterConfig) *Adapter {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Adapter{
		config: config,
		log:    log,
	}
}

// Serve runs the debug session over the given transport until the client disconnects,
// the transport fails, or the context is cancelled. The debuggee does not outlive Serve.
func (a *Adapter) Serve(ctx context.Context, transport Transport) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.stop = cancel
	a.interruptCtx, a.interrupt = context.WithCancel(context.Background())
	defer a.interrupt()

	a.session = NewSession(transport, a.log.WithName("session"))
	a.session.SetInterruptHandler(a.onRequestReceived)

	serveErr := a.session.Serve(serveCtx, a.handleRequest)
	a.release()

	a.log.V(1).Info("Debug session ended")
	return serveErr
}

// Disconnect and terminate abandon a launch that is still waiting for its terminal.
func (a *Adapter) onRequestReceived(request dap.RequestMessage) {
	switch request.(type) {
	case *dap.DisconnectRequest, *dap.TerminateRequest:
		if a.interruptCtx.Err() == nil {
			a.log.V(1).Info("Session end requested, abandoning pending launch", "Command", request.GetRequest().Command)
		}
		a.interrupt()
	}
}

func (a *Adapter) handleRequest(ctx context.Context, request dap.RequestMessage) {
	var handleErr error

	switch req := request.(type) {
	case *dap.InitializeRequest:
		handleErr = a.onInitialize(req)
	case *dap.LaunchRequest:
		handleErr = a.onLaunch(ctx, req)
	case *dap.ConfigurationDoneRequest:
		handleErr = a.session.SendResponse(req, &dap.ConfigurationDoneResponse{Response: dap.Response{Success: true}})
	case *dap.ThreadsRequest:
		// Clients ask for threads after a debuggee starts; there is nothing to inspect.
		handleErr = a.session.SendResponse(req, &dap.ThreadsResponse{
			Response: dap.Response{Success: true},
			Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{}},
		})
	case *dap.TerminateRequest:
		a.killDebuggee()
		handleErr = a.session.SendResponse(req, &dap.TerminateResponse{Response: dap.Response{Success: true}})
	case *dap.DisconnectRequest:
		handleErr = a.onDisconnect(req)
	default:
		cmd := request.GetRequest().Command
		a.log.V(1).Info("Received unsupported request", "Command", cmd)
		handleErr = a.session.SendErrorResponse(request, errorIDUnsupported, "unsupported command")
	}

	if handleErr != nil && !IsSessionError(handleErr) {
		a.log.Error(handleErr, "Could not complete request", "Command", request.GetRequest().Command)
	}
}

func (a *Adapter) onInitialize(req *dap.InitializeRequest) error {
	a.mu.Lock()
	a.clientRunsInTerminal = req.Arguments.SupportsRunInTerminalRequest
	a.mu.Unlock()

	a.log.Info("Client connected",
		"ClientID", req.Arguments.ClientID,
		"ClientName", req.Arguments.ClientName,
		"SupportsRunInTerminal", req.Arguments.SupportsRunInTerminalRequest)

	resp := &dap.InitializeResponse{
		Response: dap.Response{Success: true},
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsTerminateRequest:         true,
			SupportTerminateDebuggee:         true,
		},
	}
	if sendErr := a.session.SendResponse(req, resp); sendErr != nil {
		return sendErr
	}

	return a.session.SendEvent(&dap.InitializedEvent{Event: dap.Event{Event: "initialized"}})
}

func (a *Adapter) onLaunch(ctx context.Context, req *dap.LaunchRequest) error {
	args, argsErr := parseLaunchArguments(req.Arguments)
	if argsErr != nil {
		return a.session.SendErrorResponse(req, errorIDInvalidArguments, argsErr.Error())
	}

	a.mu.Lock()
	alreadyLaunched := a.debuggee != nil
	supportsRunInTerminal := a.clientRunsInTerminal
	a.mu.Unlock()
	if alreadyLaunched {
		return a.session.SendErrorResponse(req, errorIDAlreadyLaunched, "the debuggee has already been launched")
	}

	log := a.log.WithValues("Program", args.Program)
	kind := args.EffectiveTerminal()
	if kind != TerminalKindConsole && !supportsRunInTerminal {
		log.Info("Client does not support runInTerminal, debuggee output will go to the debug console", "Terminal", kind)
		a.sendOutput("console", "The client cannot run the program in a terminal; output is shown here instead.\n")
		kind = TerminalKindConsole
	}

	spec := launcher.LaunchSpec{
		Program: args.Program,
		Args:    args.Args,
		Cwd:     args.Cwd,
		Env:     args.Env,
	}

	var term *terminal.Terminal
	if kind == TerminalKindConsole {
		spec.Output = &outputEventWriter{adapter: a, category: "stdout"}
	} else {
		acquireCtx, cancelAcquire := onecontext.Merge(ctx, a.interruptCtx)
		var acquireErr error
		term, acquireErr = terminal.Acquire(acquireCtx, a.session, terminal.AcquireConfig{
			Kind:          string(kind),
			Title:         "Debug: " + filepath.Base(args.Program),
			ClearSequence: args.TerminalPromptClear,
			Timeout:       a.config.TerminalTimeout,
			Executable:    a.config.Executable,
			Logger:        log.WithName("terminal"),
		})
		cancelAcquire()
		switch {
		case acquireErr == nil:
		case a.interruptCtx.Err() != nil:
			// A step cut short by the interrupt may still be reported as its own failure.
			return a.session.SendErrorResponse(req, errorIDLaunchCancelled, "launch cancelled: the client ended the session")
		case terminal.IsAcquisitionError(acquireErr):
			return a.session.SendErrorResponse(req, errorIDTerminalFailed, fmt.Sprintf("could not acquire a terminal: %v", acquireErr))
		default:
			return a.session.SendErrorResponse(req, errorIDLaunchFailed, fmt.Sprintf("could not launch %s: %v", args.Program, acquireErr))
		}

		spec.Stdin = term.InputDeviceName()
		spec.Stdout = term.OutputDeviceName()
	}

	debuggee, startErr := startDebuggee(ctx, spec, term, log)
	if startErr != nil {
		if term != nil {
			_ = term.Close()
		}
		return a.session.SendErrorResponse(req, errorIDLaunchFailed, fmt.Sprintf("could not launch %s: %v", args.Program, startErr))
	}

	exitEventsSent := make(chan struct{})
	a.mu.Lock()
	a.debuggee = debuggee
	a.terminal = term
	a.exitEventsSent = exitEventsSent
	a.mu.Unlock()

	if sendErr := a.session.SendResponse(req, &dap.LaunchResponse{Response: dap.Response{Success: true}}); sendErr != nil {
		close(exitEventsSent)
		return sendErr
	}

	processEvent := &dap.ProcessEvent{
		Event: dap.Event{Event: "process"},
		Body: dap.ProcessEventBody{
			Name:            args.Program,
			SystemProcessId: int(debuggee.Pid()),
			IsLocalProcess:  true,
			StartMethod:     "launch",
		},
	}
	if sendErr := a.session.SendEvent(processEvent); sendErr != nil {
		close(exitEventsSent)
		return sendErr
	}

	go a.reportExit(debuggee, exitEventsSent)
	return nil
}

// The debuggee inherits the terminal's console on Windows, so the console is attached only
// for the duration of the start. Console attachment is process-wide; launches are serialized
// by the session request queue.
func startDebuggee(ctx context.Context, spec launcher.LaunchSpec, term *terminal.Terminal, log logr.Logger) (*launcher.Debuggee, error) {
	if term != nil && term.SupportsConsoleAttach() {
		term.AttachConsole()
		defer term.DetachConsole()
	}

	return launcher.Start(ctx, spec, log.WithName("debuggee"))
}

func (a *Adapter) reportExit(debuggee *launcher.Debuggee, exitEventsSent chan struct{}) {
	defer close(exitEventsSent)

	select {
	case <-debuggee.Done():
	case <-a.session.Done():
		return
	}

	if waitErr := debuggee.Wait(); waitErr != nil {
		a.log.Error(waitErr, "Could not determine how the debuggee exited")
	}

	exitCode := int(debuggee.ExitCode())
	a.log.Info("Debuggee exited", "ExitCode", exitCode)

	exited := &dap.ExitedEvent{
		Event: dap.Event{Event: "exited"},
		Body:  dap.ExitedEventBody{ExitCode: exitCode},
	}
	if sendErr := a.session.SendEvent(exited); sendErr != nil {
		return
	}
	_ = a.session.SendEvent(&dap.TerminatedEvent{Event: dap.Event{Event: "terminated"}})
}

func (a *Adapter) onDisconnect(req *dap.DisconnectRequest) error {
	a.log.V(1).Info("Client requested disconnect")
	a.release()

	sendErr := a.session.SendResponse(req, &dap.DisconnectResponse{Response: dap.Response{Success: true}})
	a.stop()
	return sendErr
}

func (a *Adapter) killDebuggee() {
	a.mu.Lock()
	debuggee := a.debuggee
	a.mu.Unlock()

	if debuggee == nil {
		return
	}
	if killErr := debuggee.Kill(); killErr != nil {
		a.log.Error(killErr, "Could not terminate the debuggee", "PID", debuggee.Pid())
	}
}

// release kills the debuggee, waits until its exit has been reported, and closes the terminal.
func (a *Adapter) release() {
	a.killDebuggee()

	a.mu.Lock()
	term := a.terminal
	a.terminal = nil
	exitEventsSent := a.exitEventsSent
	a.mu.Unlock()

	if exitEventsSent != nil {
		select {
		case <-exitEventsSent:
		case <-time.After(debuggeeExitTimeout):
			a.log.Info("Debuggee did not exit in time after being terminated")
		}
	}

	if term != nil {
		if closeErr := term.Close(); closeErr != nil {
			a.log.V(1).Info("Error closing the terminal", "Error", closeErr.Error())
		}
	}
}

func (a *Adapter) sendOutput(category string, output string) {
	event := &dap.OutputEvent{
		Event: dap.Event{Event: "output"},
		Body: dap.OutputEventBody{
			Category: category,
			Output:   output,
		},
	}
	if sendErr := a.session.SendEvent(event); sendErr != nil && !IsSessionError(sendErr) {
		a.log.Error(sendErr, "Could not send output event")
	}
}

// outputEventWriter forwards debuggee output to the client as output events.
type outputEventWriter struct {
	adapter  *Adapter
	category string
}

func (w *outputEventWriter) Write(p []byte) (int, error) {
	w.adapter.sendOutput(w.category, string(p))
	return len(p), nil
}
