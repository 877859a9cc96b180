/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpterm/internal/agent"
	"github.com/microsoft/dcpterm/internal/terminal"
	"github.com/microsoft/dcpterm/pkg/testutil"
)

const (
	adapterTestTimeout = 30 * time.Second
	agentExecutable    = "/opt/dcpterm/dcpterm"

	debuggeeModeVar = "DCPTERM_DAP_TEST_DEBUGGEE"
)

// The test binary doubles as the debuggee.
func TestMain(m *testing.M) {
	switch os.Getenv(debuggeeModeVar) {
	case "":
		os.Exit(m.Run())
	case "greet":
		fmt.Println("hello from the debuggee")
		os.Exit(7)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
}

// ideClient plays the part of the IDE. It answers runInTerminal requests by running
// the terminal agent in-process, reporting deviceIdentity as the terminal.
type ideClient struct {
	t         *testing.T
	transport Transport
	seq       *sequenceCounter

	deviceIdentity string
	rejectAll      bool

	mu           sync.Mutex
	inbox        []dap.Message
	matched      []bool
	arrived      chan struct{}
	termRequests []*dap.RunInTerminalRequest
	agentsDone   sync.WaitGroup
}

func newIDEClient(t *testing.T, transport Transport) *ideClient {
	return &ideClient{
		t:         t,
		transport: transport,
		seq:       newSequenceCounter(),
		arrived:   make(chan struct{}, 1),
	}
}

func (c *ideClient) run(ctx context.Context) {
	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			return
		}

		if req, isTermRequest := msg.(*dap.RunInTerminalRequest); isTermRequest {
			c.onRunInTerminal(ctx, req)
			continue
		}

		c.mu.Lock()
		c.inbox = append(c.inbox, msg)
		c.matched = append(c.matched, false)
		c.mu.Unlock()
		select {
		case c.arrived <- struct{}{}:
		default:
		}
	}
}

func (c *ideClient) onRunInTerminal(ctx context.Context, req *dap.RunInTerminalRequest) {
	c.mu.Lock()
	c.termRequests = append(c.termRequests, req)
	c.mu.Unlock()

	resp := &dap.RunInTerminalResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: c.seq.Next(), Type: "response"},
			RequestSeq:      req.Seq,
			Command:         req.Command,
			Success:         !c.rejectAll,
		},
	}
	if c.rejectAll {
		resp.Message = "terminals are disabled"
	}

	args := req.Arguments.Args
	if !c.rejectAll && len(args) == 3 && args[1] == terminal.AgentCommand {
		port, portErr := strconv.Atoi(strings.TrimPrefix(args[2], "--"+terminal.AgentConnectFlag+"="))
		require.NoError(c.t, portErr)

		c.agentsDone.Add(1)
		go func() {
			defer c.agentsDone.Done()
			agentErr := agent.Run(ctx, agent.Config{
				Port:     port,
				Identify: func() (string, error) { return c.deviceIdentity, nil },
			})
			assert.NoError(c.t, agentErr)
		}()
	}

	assert.NoError(c.t, c.transport.WriteMessage(resp))
}

func (c *ideClient) send(request dap.RequestMessage) {
	req := request.GetRequest()
	req.Seq = c.seq.Next()
	req.Type = "request"
	require.NoError(c.t, c.transport.WriteMessage(request))
}

// waitFor returns the first message not returned before that satisfies the predicate.
func (c *ideClient) waitFor(ctx context.Context, description string, pred func(dap.Message) bool) dap.Message {
	for {
		c.mu.Lock()
		for i, msg := range c.inbox {
			if !c.matched[i] && pred(msg) {
				c.matched[i] = true
				c.mu.Unlock()
				return msg
			}
		}
		c.mu.Unlock()

		select {
		case <-c.arrived:
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			require.FailNow(c.t, "timed out waiting for "+description)
		}
	}
}

func (c *ideClient) waitForResponse(ctx context.Context, command string) *dap.Response {
	msg := c.waitFor(ctx, command+" response", func(m dap.Message) bool {
		resp, isResponse := m.(dap.ResponseMessage)
		return isResponse && resp.GetResponse().Command == command
	})
	return msg.(dap.ResponseMessage).GetResponse()
}

func (c *ideClient) waitForEvent(ctx context.Context, event string) dap.Message {
	return c.waitFor(ctx, event+" event", func(m dap.Message) bool {
		ev, isEvent := m.(dap.EventMessage)
		return isEvent && ev.GetEvent().Event == event
	})
}

// output returns the text of all output events received so far in the given category.
func (c *ideClient) output(category string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	for _, msg := range c.inbox {
		if ev, isOutput := msg.(*dap.OutputEvent); isOutput && ev.Body.Category == category {
			sb.WriteString(ev.Body.Output)
		}
	}
	return sb.String()
}

func (c *ideClient) terminalRequests() []*dap.RunInTerminalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*dap.RunInTerminalRequest{}, c.termRequests...)
}

func (c *ideClient) initialize(ctx context.Context, supportsRunInTerminal bool) {
	c.send(&dap.InitializeRequest{
		Request: dap.Request{Command: "initialize"},
		Arguments: dap.InitializeRequestArguments{
			ClientID:                     "test-ide",
			AdapterID:                    "dcpterm",
			SupportsRunInTerminalRequest: supportsRunInTerminal,
		},
	})
	resp := c.waitForResponse(ctx, "initialize")
	require.True(c.t, resp.Success)
	c.waitForEvent(ctx, "initialized")
}

func (c *ideClient) launch(ctx context.Context, args map[string]any) *dap.Response {
	raw, marshalErr := json.Marshal(args)
	require.NoError(c.t, marshalErr)
	c.send(&dap.LaunchRequest{Request: dap.Request{Command: "launch"}, Arguments: raw})
	return c.waitForResponse(ctx, "launch")
}

func (c *ideClient) disconnect(ctx context.Context) {
	c.send(&dap.DisconnectRequest{Request: dap.Request{Command: "disconnect"}})
	resp := c.waitForResponse(ctx, "disconnect")
	require.True(c.t, resp.Success)
}

type adapterUnderTest struct {
	client *ideClient
	served chan error
}

func startAdapter(t *testing.T, ctx context.Context, config AdapterConfig) *adapterUnderTest {
	pair := newTransportPair(t)
	config.Logger = testutil.NewLogForTesting(t.Name())
	if config.Executable == "" {
		config.Executable = agentExecutable
	}

	a := NewAdapter(config)
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, pair.adapter) }()

	client := newIDEClient(t, pair.client)
	go client.run(ctx)

	return &adapterUnderTest{client: client, served: served}
}

func (aut *adapterUnderTest) waitServed(t *testing.T, ctx context.Context) {
	select {
	case err := <-aut.served:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("adapter did not stop serving")
	}
}

func debuggeeArgs(t *testing.T, mode string, extra map[string]any) map[string]any {
	exe, exeErr := os.Executable()
	require.NoError(t, exeErr)

	args := map[string]any{
		"program": exe,
		"env":     map[string]string{debuggeeModeVar: mode},
	}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func TestAdapterLaunchesInDebugConsole(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, adapterTestTimeout)
	defer cancel()

	aut := startAdapter(t, ctx, AdapterConfig{})
	client := aut.client
	client.initialize(ctx, true)

	resp := client.launch(ctx, debuggeeArgs(t, "greet", nil))
	require.True(t, resp.Success, resp.Message)

	processEvent := client.waitForEvent(ctx, "process").(*dap.ProcessEvent)
	assert.Greater(t, processEvent.Body.SystemProcessId, 0)
	assert.Equal(t, "launch", processEvent.Body.StartMethod)

	exited := client.waitForEvent(ctx, "exited").(*dap.ExitedEvent)
	assert.Equal(t, 7, exited.Body.ExitCode)
	client.waitForEvent(ctx, "terminated")

	assert.Contains(t, client.output("stdout"), "hello from the debuggee")
	assert.Empty(t, client.terminalRequests(), "console mode should not ask for a terminal")

	client.disconnect(ctx)
	aut.waitServed(t, ctx)
}

func TestAdapterLaunchesInIntegratedTerminal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("terminal devices are consoles on Windows")
	}
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, adapterTestTimeout)
	defer cancel()

	// A regular file stands in for the terminal device.
	device := filepath.Join(t.TempDir(), "pts")
	require.NoError(t, os.WriteFile(device, nil, 0600))

	aut := startAdapter(t, ctx, AdapterConfig{TerminalTimeout: 10 * time.Second})
	client := aut.client
	client.deviceIdentity = device
	client.initialize(ctx, true)

	resp := client.launch(ctx, debuggeeArgs(t, "greet", map[string]any{
		"terminal":            "integrated",
		"terminalPromptClear": []string{"clear"},
	}))
	require.True(t, resp.Success, resp.Message)

	exited := client.waitForEvent(ctx, "exited").(*dap.ExitedEvent)
	assert.Equal(t, 7, exited.Body.ExitCode)
	client.waitForEvent(ctx, "terminated")

	written, readErr := os.ReadFile(device)
	require.NoError(t, readErr)
	assert.Contains(t, string(written), "hello from the debuggee")
	assert.Empty(t, client.output("stdout"))

	requests := client.terminalRequests()
	require.Len(t, requests, 2)
	assert.Equal(t, []string{"clear"}, requests[0].Arguments.Args)
	assert.Equal(t, "integrated", requests[1].Arguments.Kind)
	assert.Equal(t, agentExecutable, requests[1].Arguments.Args[0])
	assert.Equal(t, terminal.AgentCommand, requests[1].Arguments.Args[1])
	assert.True(t, strings.HasPrefix(requests[1].Arguments.Title, "Debug: "))

	// Disconnecting releases the terminal, which lets the agent finish.
	client.disconnect(ctx)
	aut.waitServed(t, ctx)
	client.agentsDone.Wait()
}

func TestAdapterFallsBackToConsoleWithoutRunInTerminal(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, adapterTestTimeout)
	defer cancel()

	aut := startAdapter(t, ctx, AdapterConfig{})
	client := aut.client
	client.initialize(ctx, false)

	resp := client.launch(ctx, debuggeeArgs(t, "greet", map[string]any{"terminal": "external"}))
	require.True(t, resp.Success, resp.Message)

	client.waitForEvent(ctx, "exited")
	assert.NotEmpty(t, client.output("console"))
	assert.Contains(t, client.output("stdout"), "hello from the debuggee")
	assert.Empty(t, client.terminalRequests())

	client.disconnect(ctx)
	aut.waitServed(t, ctx)
}

func TestAdapterReportsTerminalAcquisitionFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, adapterTestTimeout)
	defer cancel()

	aut := startAdapter(t, ctx, AdapterConfig{TerminalTimeout: 300 * time.Millisecond})
	client := aut.client
	client.rejectAll = true
	client.initialize(ctx, true)

	resp := client.launch(ctx, debuggeeArgs(t, "greet", map[string]any{"terminal": "integrated"}))
	require.False(t, resp.Success)
	assert.Contains(t, resp.Message, "could not acquire a terminal")
	assert.Len(t, client.terminalRequests(), 1)

	client.disconnect(ctx)
	aut.waitServed(t, ctx)
}

func TestAdapterRejectsInvalidLaunch(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, adapterTestTimeout)
	defer cancel()

	aut := startAdapter(t, ctx, AdapterConfig{})
	client := aut.client
	client.initialize(ctx, true)

	resp := client.launch(ctx, map[string]any{"args": []string{"no", "program"}})
	require.False(t, resp.Success)
	assert.Contains(t, resp.Message, "'program' is required")

	client.disconnect(ctx)
	aut.waitServed(t, ctx)
}

func TestAdapterDisconnectKillsDebuggee(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, adapterTestTimeout)
	defer cancel()

	aut := startAdapter(t, ctx, AdapterConfig{})
	client := aut.client
	client.initialize(ctx, true)

	resp := client.launch(ctx, debuggeeArgs(t, "sleep", nil))
	require.True(t, resp.Success, resp.Message)
	client.waitForEvent(ctx, "process")

	client.disconnect(ctx)
	client.waitForEvent(ctx, "exited")
	aut.waitServed(t, ctx)
}

func TestAdapterRejectsSecondLaunch(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, adapterTestTimeout)
	defer cancel()

	aut := startAdapter(t, ctx, AdapterConfig{})
	client := aut.client
	client.initialize(ctx, true)

	resp := client.launch(ctx, debuggeeArgs(t, "sleep", nil))
	require.True(t, resp.Success, resp.Message)

	resp = client.launch(ctx, debuggeeArgs(t, "sleep", nil))
	require.False(t, resp.Success)

	client.disconnect(ctx)
	aut.waitServed(t, ctx)
}

func TestAdapterAnswersDisconnectWhileWaitingForTerminal(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, adapterTestTimeout)
	defer cancel()

	// The terminal never shows up; only the disconnect can end the launch early.
	aut := startAdapter(t, ctx, AdapterConfig{TerminalTimeout: 5 * time.Minute})
	client := aut.client
	client.rejectAll = true
	client.initialize(ctx, true)

	raw, marshalErr := json.Marshal(debuggeeArgs(t, "greet", map[string]any{"terminal": "integrated"}))
	require.NoError(t, marshalErr)
	client.send(&dap.LaunchRequest{Request: dap.Request{Command: "launch"}, Arguments: raw})

	require.Eventually(t, func() bool {
		return len(client.terminalRequests()) == 1
	}, 10*time.Second, 10*time.Millisecond, "the adapter should be waiting for the terminal agent")

	start := time.Now()
	client.disconnect(ctx)
	assert.Less(t, time.Since(start), 5*time.Second)

	resp := client.waitForResponse(ctx, "launch")
	require.False(t, resp.Success)
	assert.Contains(t, resp.Message, "launch cancelled")

	aut.waitServed(t, ctx)
}
