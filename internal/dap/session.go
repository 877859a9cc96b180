// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"
)

// RequestHandler processes a request received from the client.
// Requests are handled one at a time, in the order they arrive. A handler may send its own
// requests to the client through the session and wait for their responses.
type RequestHandler func(ctx context.Context, request dap.RequestMessage)

// InterruptHandler sees every client request as soon as it is read, before it is queued behind
// the request being handled. It runs on the read loop and must not block.
type InterruptHandler func(request dap.RequestMessage)

// Session is one DAP conversation between this debug adapter and its client (the IDE).
// It assigns sequence numbers to outgoing messages and routes client responses back to
// the callers of SendRequest.
type Session struct {
	transport Transport
	log       logr.Logger
	seq       *sequenceCounter
	pending   *pendingRequestMap
	interrupt InterruptHandler

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewSession(transport Transport, log logr.Logger) *Session {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Session{
		transport: transport,
		log:       log,
		seq:       newSequenceCounter(),
		pending:   newPendingRequestMap(),
		done:      make(chan struct{}),
	}
}

// SetInterruptHandler installs the handler. It must be called before Serve.
func (s *Session) SetInterruptHandler(handler InterruptHandler) {
	s.interrupt = handler
}

// Serve reads client messages and dispatches requests to the handler until the transport fails,
// the context is cancelled, or the session is closed. The session is closed when Serve returns.
func (s *Session) Serve(ctx context.Context, handler RequestHandler) error {
	queueCtx, cancelQueue := context.WithCancel(ctx)
	defer cancelQueue()

	// The read loop must keep going while a handler waits for a response, so requests are queued.
	requests := chanx.NewUnboundedChan[dap.RequestMessage](queueCtx, 1)
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		for req := range requests.Out {
			handler(queueCtx, req)
		}
	}()

	stopCloseOnDone := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stopCloseOnDone()

	readErr := s.readLoop(queueCtx, requests.In)

	_ = s.Close()
	cancelQueue()
	<-handlerDone

	if errors.Is(readErr, ErrTransportClosed) || errors.Is(readErr, io.EOF) {
		return nil
	}
	return filterContextError(readErr, ctx, s.log)
}

func (s *Session) readLoop(ctx context.Context, requests chan<- dap.RequestMessage) error {
	for {
		msg, readErr := s.transport.ReadMessage()
		if readErr != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(readErr, &fieldErr) && strings.EqualFold(fieldErr.SubType, "request") && fieldErr.FieldName == "command" {
				s.rejectUnsupportedCommand(fieldErr)
				continue
			}
			return readErr
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			s.deliverResponse(m)

		case dap.RequestMessage:
			if s.interrupt != nil {
				s.interrupt(m)
			}
			select {
			case requests <- m:
			case <-ctx.Done():
				return ctx.Err()
			}

		case dap.EventMessage:
			s.log.V(1).Info("Ignoring event sent by the client", "Event", m.GetEvent().Event)

		default:
			s.log.V(1).Info("Ignoring unrecognized message", "Type", fmt.Sprintf("%T", msg))
		}
	}
}

func (s *Session) deliverResponse(msg dap.ResponseMessage) {
	resp := msg.GetResponse()
	req := s.pending.Get(resp.RequestSeq)
	if req == nil {
		s.log.V(1).Info("Received response to an unknown request",
			"RequestSeq", resp.RequestSeq,
			"Command", resp.Command)
		return
	}

	req.response <- msg
}

// The client sent a request whose command go-dap does not know; answer it so the client is not left waiting.
func (s *Session) rejectUnsupportedCommand(fieldErr *dap.DecodeProtocolMessageFieldError) {
	s.log.Info("Rejecting request with unsupported command", "Command", fieldErr.FieldValue)

	resp := &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			RequestSeq:      fieldErr.Seq,
			Command:         fieldErr.FieldValue,
			Success:         false,
			Message:         "unsupported command",
		},
	}
	if sendErr := s.send(resp); sendErr != nil {
		s.log.Error(sendErr, "Could not send error response")
	}
}

// SendRequest sends a request to the client and waits for the matching response.
// A response with success=false is returned together with an error wrapping ErrRequestFailed.
func (s *Session) SendRequest(ctx context.Context, request dap.RequestMessage) (dap.Message, error) {
	req := request.GetRequest()
	req.Type = "request"
	req.Seq = s.seq.Next()

	pending := &pendingRequest{
		command:  req.Command,
		response: make(chan dap.Message, 1),
	}
	if !s.pending.Add(req.Seq, pending) {
		return nil, ErrSessionClosed
	}

	s.log.V(1).Info("Sending request", "Command", req.Command, "Seq", req.Seq)

	if writeErr := s.transport.WriteMessage(request); writeErr != nil {
		s.pending.Remove(req.Seq)
		return nil, writeErr
	}

	select {
	case msg, isOpen := <-pending.response:
		if !isOpen {
			return nil, ErrSessionClosed
		}
		return checkResponse(pending.command, msg)
	case <-ctx.Done():
		s.pending.Remove(req.Seq)
		return nil, ctx.Err()
	}
}

func checkResponse(command string, msg dap.Message) (dap.Message, error) {
	respMsg, isResponse := msg.(dap.ResponseMessage)
	if !isResponse {
		return msg, fmt.Errorf("%w: %T", ErrUnexpectedResponse, msg)
	}

	resp := respMsg.GetResponse()
	if resp.Command != command {
		return msg, fmt.Errorf("%w: expected a response to %s, got %s", ErrUnexpectedResponse, command, resp.Command)
	}
	if !resp.Success {
		return msg, requestFailedError(command, resp.Message)
	}
	return msg, nil
}

// SendEvent sends an event to the client.
func (s *Session) SendEvent(event dap.EventMessage) error {
	ev := event.GetEvent()
	ev.Type = "event"
	return s.send(event)
}

// SendResponse sends a response to the given client request.
func (s *Session) SendResponse(request dap.RequestMessage, response dap.ResponseMessage) error {
	req := request.GetRequest()
	resp := response.GetResponse()
	resp.Type = "response"
	resp.RequestSeq = req.Seq
	resp.Command = req.Command
	return s.send(response)
}

// SendErrorResponse reports that the given client request failed.
func (s *Session) SendErrorResponse(request dap.RequestMessage, id int, message string) error {
	resp := &dap.ErrorResponse{
		Response: dap.Response{
			Success: false,
			Message: message,
		},
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:     id,
				Format: message,
			},
		},
	}
	return s.SendResponse(request, resp)
}

func (s *Session) send(msg dap.Message) error {
	switch m := msg.(type) {
	case dap.RequestMessage:
		m.GetRequest().Seq = s.seq.Next()
	case dap.ResponseMessage:
		m.GetResponse().Seq = s.seq.Next()
	case dap.EventMessage:
		m.GetEvent().Seq = s.seq.Next()
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	return s.transport.WriteMessage(msg)
}

// Done returns a channel that is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close shuts the session down. Callers waiting in SendRequest get ErrSessionClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pending.Drain()
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}
