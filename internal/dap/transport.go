// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
)

// Transport reads and writes DAP messages over a byte stream.
// ReadMessage must only be called from one goroutine; WriteMessage may be called concurrently.
type Transport interface {
	// ReadMessage blocks until the next complete message is available.
	ReadMessage() (dap.Message, error)

	WriteMessage(msg dap.Message) error

	// Close releases the underlying stream. Blocked reads and writes return with an error.
	Close() error
}

type streamTransport struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	closers []io.Closer

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewTCPTransport creates a Transport backed by a TCP connection.
func NewTCPTransport(conn net.Conn) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		closers: []io.Closer{conn},
	}
}

// NewStdioTransport creates a Transport backed by the given input and output streams,
// normally the process standard input and output.
func NewStdioTransport(stdin io.ReadCloser, stdout io.WriteCloser) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(stdin),
		writer:  bufio.NewWriter(stdout),
		closers: []io.Closer{stdin, stdout},
	}
}

// DialTCP connects to a DAP peer listening on the given address.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial TCP %s: %w", address, dialErr)
	}

	return NewTCPTransport(conn), nil
}

// AcceptTCP waits for a single client to connect to the listener and returns a Transport for it.
// The listener is closed once the client connects or the context is cancelled.
func AcceptTCP(ctx context.Context, listener net.Listener) (Transport, error) {
	stopCloseOnDone := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stopCloseOnDone()
	defer listener.Close()

	conn, acceptErr := listener.Accept()
	if acceptErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept DAP client connection: %w", acceptErr)
	}

	return NewTCPTransport(conn), nil
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	msg, readErr := dap.ReadProtocolMessage(t.reader)
	if readErr != nil {
		if t.closed.Load() {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
	}

	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := dap.WriteProtocolMessage(t.writer, msg); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}

	if flushErr := t.writer.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush DAP message: %w", flushErr)
	}

	return nil
}

func (t *streamTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, c := range t.closers {
		if closeErr := c.Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}
