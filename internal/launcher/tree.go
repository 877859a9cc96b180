/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package launcher

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	ps "github.com/shirou/gopsutil/v4/process"
)

// processTree returns the given process and its descendants, root first.
func processTree(pid int32) ([]*ps.Process, error) {
	root, rootErr := ps.NewProcess(pid)
	if rootErr != nil {
		return nil, rootErr
	}

	tree := []*ps.Process{}
	next := []*ps.Process{root}
	for len(next) > 0 {
		current := next[0]
		next = next[1:]
		tree = append(tree, current)

		children, childrenErr := current.Children()
		if childrenErr != nil {
			// Assume no children.
			continue
		}
		next = append(next, children...)
	}

	return tree, nil
}

// killTree kills a process and everything it started. Processes that already exited are skipped.
func killTree(pid int32, log logr.Logger) error {
	tree, treeErr := processTree(pid)
	if treeErr != nil {
		return fmt.Errorf("could not enumerate processes started by %d: %w", pid, treeErr)
	}

	var errs []error
	for _, p := range tree {
		if killErr := p.Kill(); killErr != nil {
			if running, _ := p.IsRunning(); !running {
				continue
			}
			errs = append(errs, fmt.Errorf("could not kill process %d: %w", p.Pid, killErr))
			continue
		}
		log.V(1).Info("Killed process", "KilledPID", p.Pid)
	}

	return errors.Join(errs...)
}
