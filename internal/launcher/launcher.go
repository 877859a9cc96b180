/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package launcher starts the debuggee process and tracks its lifetime.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

const (
	// UnknownExitCode is reported until the debuggee exits, or if its exit code could not be obtained.
	UnknownExitCode int32 = -1

	// UnknownPID is reported for a debuggee that failed to start.
	UnknownPID int32 = -1
)

// ErrInvalidLaunchSpec is returned when no program is given.
var ErrInvalidLaunchSpec = errors.New("invalid launch specification: Program must not be empty")

// LaunchSpec describes the debuggee to start.
type LaunchSpec struct {
	Program string
	Args    []string

	// Cwd is the working directory. Empty means the current directory.
	Cwd string

	// Env is added to (and overrides) the environment of the current process.
	Env map[string]string

	// Stdin and Stdout are terminal device names the debuggee should use for its standard streams.
	// Standard error goes to the Stdout device. If empty, Output is used instead.
	Stdin  string
	Stdout string

	// Output receives standard output and standard error when no terminal devices are given.
	Output io.Writer
}

// UsesTerminal returns true if the debuggee is attached to terminal devices.
func (ls LaunchSpec) UsesTerminal() bool {
	return ls.Stdin != "" || ls.Stdout != ""
}

// Debuggee is a running debuggee process.
type Debuggee struct {
	pid  int32
	cmd  *exec.Cmd
	done chan struct{}
	log  logr.Logger

	mu       sync.Mutex
	exitCode int32
	exitErr  error
}

// Start launches the debuggee. The process is killed when the context is cancelled.
func Start(ctx context.Context, spec LaunchSpec, log logr.Logger) (*Debuggee, error) {
	if spec.Program == "" {
		return nil, ErrInvalidLaunchSpec
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnv(spec.Env)

	devices, openErr := attachStreams(cmd, spec)
	if openErr != nil {
		return nil, openErr
	}
	// The child inherits its own copies of the device handles.
	defer closeAll(devices)

	if startErr := cmd.Start(); startErr != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Program, startErr)
	}

	d := &Debuggee{
		pid:      int32(cmd.Process.Pid),
		cmd:      cmd,
		done:     make(chan struct{}),
		log:      log.WithValues("PID", cmd.Process.Pid),
		exitCode: UnknownExitCode,
	}

	log.Info("Debuggee started",
		"Program", spec.Program,
		"Args", spec.Args,
		"PID", d.pid,
		"Terminal", spec.UsesTerminal())

	go d.wait(ctx)
	return d, nil
}

func (d *Debuggee) wait(ctx context.Context) {
	stopKillOnDone := context.AfterFunc(ctx, func() {
		if killErr := d.Kill(); killErr != nil {
			d.log.V(1).Info("Could not kill the debuggee on cancellation", "Error", killErr.Error())
		}
	})
	defer stopKillOnDone()

	waitErr := d.cmd.Wait()
	exitCode, execErr := exitResult(waitErr, d.cmd)

	d.mu.Lock()
	d.exitCode = exitCode
	d.exitErr = execErr
	d.mu.Unlock()
	close(d.done)

	if execErr != nil {
		d.log.V(1).Info("Debuggee exited with error", "ExitCode", exitCode, "Error", execErr.Error())
	} else {
		d.log.V(1).Info("Debuggee exited", "ExitCode", exitCode)
	}
}

// Pid returns the process ID of the debuggee.
func (d *Debuggee) Pid() int32 {
	return d.pid
}

// Done returns a channel that is closed when the debuggee exits.
func (d *Debuggee) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the debuggee exits. A non-zero exit code alone is not an error.
func (d *Debuggee) Wait() error {
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

// ExitCode returns the exit code of the debuggee. Only valid after Done is closed.
func (d *Debuggee) ExitCode() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode
}

// Kill terminates the debuggee together with any processes it started. Killing an exited debuggee is a no-op.
func (d *Debuggee) Kill() error {
	select {
	case <-d.done:
		return nil
	default:
	}

	killErr := killTree(d.pid, d.log)
	if killErr != nil {
		if procKillErr := d.cmd.Process.Kill(); procKillErr != nil && !errors.Is(procKillErr, os.ErrProcessDone) {
			return errors.Join(killErr, procKillErr)
		}
	}
	return nil
}

func attachStreams(cmd *exec.Cmd, spec LaunchSpec) ([]*os.File, error) {
	if !spec.UsesTerminal() {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
		return nil, nil
	}

	var devices []*os.File
	open := func(name string, flag int) (*os.File, error) {
		f, openErr := os.OpenFile(name, flag, 0)
		if openErr != nil {
			closeAll(devices)
			return nil, fmt.Errorf("could not open terminal device %s: %w", name, openErr)
		}
		devices = append(devices, f)
		return f, nil
	}

	if spec.Stdin != "" {
		in, inErr := open(spec.Stdin, os.O_RDWR)
		if inErr != nil {
			return nil, inErr
		}
		cmd.Stdin = in
	}

	if spec.Stdout != "" {
		out, outErr := open(spec.Stdout, os.O_RDWR)
		if outErr != nil {
			return nil, outErr
		}
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}

	return devices, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// exitResult extracts the exit code from the result of exec.Cmd.Wait().
// An ExitError only carries the exit code, so it is not reported as an error.
func exitResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	if waitErr == nil {
		return int32(cmd.ProcessState.ExitCode()), nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return int32(exitErr.ExitCode()), nil
	}

	return UnknownExitCode, waitErr
}
