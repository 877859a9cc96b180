/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
)

var (
	// ErrSessionClosed is returned to callers waiting on a session that has been shut down.
	ErrSessionClosed = errors.New("DAP session is closed")

	// ErrTransportClosed is returned when reading from or writing to a closed transport.
	ErrTransportClosed = errors.New("DAP transport is closed")

	// ErrRequestFailed is returned when the client answers a request with success=false.
	ErrRequestFailed = errors.New("request failed")

	// ErrUnexpectedResponse is returned when a response does not match the request it answers.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// IsSessionError returns true if the error means the session can no longer carry messages.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrTransportClosed)
}

// requestFailedError builds the error returned for an unsuccessful response.
func requestFailedError(command string, message string) error {
	if message == "" {
		return fmt.Errorf("%w: %s", ErrRequestFailed, command)
	}
	return fmt.Errorf("%w: %s: %s", ErrRequestFailed, command, message)
}

// filterContextError drops errors that are an expected side effect of the context being done,
// including a debuggee killed because of cancellation. Other errors are returned unchanged.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil || ctx.Err() == nil {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.V(1).Info("Filtering redundant context error", "error", err)
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && strings.Contains(exitErr.Error(), "signal: killed") {
		log.V(1).Info("Filtering process killed error on context cancellation", "error", err)
		return nil
	}

	return err
}
