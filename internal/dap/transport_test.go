/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpterm/pkg/testutil"
)

func initializeRequest(seq int) *dap.InitializeRequest {
	return &dap.InitializeRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         "initialize",
		},
	}
}

func TestTCPTransport(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)

	var serverTransport Transport
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverTransport, acceptErr = AcceptTCP(ctx, listener)
	}()

	clientTransport, dialErr := DialTCP(ctx, listener.Addr().String())
	require.NoError(t, dialErr)
	defer clientTransport.Close()

	wg.Wait()
	require.NoError(t, acceptErr)
	defer serverTransport.Close()

	t.Run("write and read message", func(t *testing.T) {
		require.NoError(t, clientTransport.WriteMessage(initializeRequest(1)))

		received, readErr := serverTransport.ReadMessage()
		require.NoError(t, readErr)

		initReq, ok := received.(*dap.InitializeRequest)
		require.True(t, ok)
		assert.Equal(t, 1, initReq.Seq)
		assert.Equal(t, "initialize", initReq.Command)
	})

	t.Run("close prevents further operations", func(t *testing.T) {
		assert.NoError(t, clientTransport.Close())

		writeErr := clientTransport.WriteMessage(&dap.InitializeRequest{})
		assert.ErrorIs(t, writeErr, ErrTransportClosed)

		// Double close should not fail
		assert.NoError(t, clientTransport.Close())

		_, readErr := serverTransport.ReadMessage()
		assert.Error(t, readErr, "peer should see the connection end")
	})
}

func TestAcceptTCPStopsOnCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)

	acceptCtx, acceptCancel := context.WithCancel(ctx)
	acceptErr := make(chan error, 1)
	go func() {
		_, err := AcceptTCP(acceptCtx, listener)
		acceptErr <- err
	}()

	acceptCancel()
	select {
	case err := <-acceptErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-ctx.Done():
		t.Fatal("accept was not unblocked after context cancellation")
	}
}

// nopWriteCloser adapts a buffer to io.WriteCloser.
type nopWriteCloser struct {
	*bytes.Buffer
	closed bool
}

func (w *nopWriteCloser) Close() error {
	w.closed = true
	return nil
}

func TestStdioTransport(t *testing.T) {
	t.Parallel()

	t.Run("write and read message", func(t *testing.T) {
		serverRead, clientWrite := io.Pipe()
		clientRead, serverWrite := io.Pipe()

		clientTransport := NewStdioTransport(clientRead, clientWrite)
		serverTransport := NewStdioTransport(serverRead, serverWrite)
		defer clientTransport.Close()
		defer serverTransport.Close()

		var wg sync.WaitGroup
		wg.Add(1)
		var received dap.Message
		var readErr error
		go func() {
			defer wg.Done()
			received, readErr = serverTransport.ReadMessage()
		}()

		require.NoError(t, clientTransport.WriteMessage(initializeRequest(1)))
		wg.Wait()

		require.NoError(t, readErr)
		initReq, ok := received.(*dap.InitializeRequest)
		require.True(t, ok)
		assert.Equal(t, 1, initReq.Seq)
	})

	t.Run("writes use content-length framing", func(t *testing.T) {
		out := &nopWriteCloser{Buffer: &bytes.Buffer{}}
		transport := NewStdioTransport(io.NopCloser(&bytes.Buffer{}), out)

		require.NoError(t, transport.WriteMessage(initializeRequest(7)))
		assert.Contains(t, out.String(), "Content-Length: ")
		assert.Contains(t, out.String(), `"command":"initialize"`)
	})

	t.Run("close closes both streams", func(t *testing.T) {
		out := &nopWriteCloser{Buffer: &bytes.Buffer{}}
		transport := NewStdioTransport(io.NopCloser(&bytes.Buffer{}), out)

		assert.NoError(t, transport.Close())
		assert.True(t, out.closed)

		assert.ErrorIs(t, transport.WriteMessage(&dap.InitializeRequest{}), ErrTransportClosed)
		_, readErr := transport.ReadMessage()
		assert.ErrorIs(t, readErr, ErrTransportClosed)

		// Double close should be safe
		assert.NoError(t, transport.Close())
	})
}
