// Copyright (c) Microsoft Corporation. All rights reserved.

package agent

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpterm/pkg/osutil"
	"github.com/microsoft/dcpterm/pkg/testutil"
)

func fixedIdentity(identity string) func() (string, error) {
	return func() (string, error) { return identity, nil }
}

func listenerPort(t *testing.T, l net.Listener) int {
	return l.Addr().(*net.TCPAddr).Port
}

func TestAgentReportsIdentityAndWaitsForClose(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(ctx, Config{
			Port:     listenerPort(t, l),
			Identify: fixedIdentity("/dev/pts/4"),
			Logger:   testutil.NewLogForTesting(t.Name()),
		})
	}()

	conn, err := l.Accept()
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, string(osutil.WithNewline([]byte("/dev/pts/4"))), line)

	select {
	case <-runErr:
		t.Fatal("agent should keep waiting while the connection is open")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, conn.Close())

	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("agent did not exit after the connection was closed")
	}
}

func TestAgentRetriesUntilListenerIsUp(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	// Reserve a port, then release it so the first attempts are refused.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listenerPort(t, probe)
	require.NoError(t, probe.Close())

	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(ctx, Config{
			Port:           port,
			ConnectTimeout: 10 * time.Second,
			Identify:       fixedIdentity("12345"),
		})
	}()

	time.Sleep(300 * time.Millisecond)
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Skipf("port %d was taken by another process: %v", port, err)
	}
	defer l.Close()

	conn, err := l.Accept()
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "12345")
	require.NoError(t, conn.Close())

	require.NoError(t, <-runErr)
}

func TestAgentGivesUpWhenNobodyListens(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listenerPort(t, probe)
	require.NoError(t, probe.Close())

	start := time.Now()
	err = Run(ctx, Config{
		Port:           port,
		ConnectTimeout: 500 * time.Millisecond,
		Identify:       fixedIdentity("/dev/ttys002"),
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestAgentFailsWithoutTerminal(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	err := Run(ctx, Config{
		Port:     40000,
		Identify: func() (string, error) { return "", ErrNotATerminal },
	})
	require.ErrorIs(t, err, ErrNotATerminal)
}

func TestAgentRejectsInvalidPort(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	for _, port := range []int{0, -1, 70000} {
		err := Run(ctx, Config{Port: port, Identify: fixedIdentity("/dev/pts/1")})
		require.Error(t, err, "port %d", port)
		require.False(t, errors.Is(err, ErrNotATerminal))
	}
}

func TestAgentStopsOnCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	runCtx, runCancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(runCtx, Config{Port: listenerPort(t, l), Identify: fixedIdentity("/dev/pts/9")})
	}()

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()
	_, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	runCancel()
	select {
	case err = <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-ctx.Done():
		t.Fatal("agent did not stop after cancellation")
	}
}
