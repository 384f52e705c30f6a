//go:build linux

// Package pty opens pseudo-terminals for the bridge and the fan-out proxy:
// standalone pairs whose slave a user attaches to, and pairs with a child
// process running on the slave side.
package pty

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	cpty "github.com/creack/pty"
	"golang.org/x/term"
)

// Terminal is an open master/slave pair.
type Terminal struct {
	Master *os.File
	Slave  *os.File
	name   string
}

// Name returns the slave device path.
func (t *Terminal) Name() string {
	return t.name
}

// Close closes both sides. The slave may already be closed.
func (t *Terminal) Close() error {
	if t.Slave != nil {
		t.Slave.Close()
	}
	return t.Master.Close()
}

// Open allocates a pair and puts the slave in raw mode so bytes pass
// unchanged in both directions.
func Open() (*Terminal, error) {
	master, slave, err := cpty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("failed to make %s raw: %w", slave.Name(), err)
	}
	return &Terminal{Master: master, Slave: slave, name: slave.Name()}, nil
}

// StartOptions describes a child to run on a new pty.
type StartOptions struct {
	// Command is the program to execute.
	Command string

	// Args are the program's arguments.
	Args []string

	// Env is the child's environment. If nil, the current environment is used.
	Env []string

	// Dir is the working directory. If empty, the current directory is used.
	Dir string
}

// Process is a child whose stdio is a pty slave.
type Process struct {
	Terminal *Terminal
	Cmd      *exec.Cmd
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.Cmd.Process.Pid
}

// Start runs a child in its own session with the pty slave as its
// controlling terminal. The parent keeps only the master; Terminal.Slave is
// nil in the result.
func Start(opts StartOptions) (*Process, error) {
	t, err := Open()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Stdin = t.Slave
	cmd.Stdout = t.Slave
	cmd.Stderr = t.Slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command, err)
	}

	t.Slave.Close()
	t.Slave = nil
	return &Process{Terminal: t, Cmd: cmd}, nil
}

// Wait waits for the child and returns its exit code; -1 means it was
// killed by a signal.
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
