/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package terminal

import (
	"errors"
)

var (
	// ErrClearCommandFailed is returned when the request that clears the target terminal fails.
	// Acquisition is aborted before any listener is created.
	ErrClearCommandFailed = errors.New("terminal clear command failed")

	// ErrLocalBindFailed is returned when the loopback listener for the terminal agent cannot be created.
	ErrLocalBindFailed = errors.New("could not create a local listener for the terminal agent")

	// ErrTimeout is returned when the terminal agent did not report its device identity before the deadline.
	// It covers a rejected run request, an agent that never started, never connected, or never wrote.
	ErrTimeout = errors.New("terminal agent did not respond within the allotted time")

	// ErrIoFailure is returned when accepting or reading the agent connection fails.
	ErrIoFailure = errors.New("terminal agent connection failed")
)

// IsAcquisitionError returns true if the error is one of the typed terminal acquisition failures.
func IsAcquisitionError(err error) bool {
	return errors.Is(err, ErrClearCommandFailed) ||
		errors.Is(err, ErrLocalBindFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrIoFailure)
}
