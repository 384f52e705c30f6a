//go:build linux

// Package daemon moves a command into the background by re-executing the
// binary in a new session. The child reports a readiness message
// back to the parent, which prints it and exits.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// EnvVar marks a re-executed child. Its value is the descriptor of the
// readiness pipe.
const EnvVar = "SERIALMUX_DETACHED"

// readyFD is where ExtraFiles[0] lands in the child.
const readyFD = 3

// DefaultTimeout bounds how long the parent waits for Ready.
const DefaultTimeout = 10 * time.Second

// ErrNotReady is returned when the child exits or times out before Ready.
var ErrNotReady = errors.New("detached process did not become ready")

// Options describe the child.
type Options struct {
	Path    string   // binary; defaults to os.Executable()
	Args    []string // arguments after argv[0]
	Env     []string // extra environment
	Timeout time.Duration
}

// Child is a started background process.
type Child struct {
	PID   int
	Ready string
}

// Detached reports whether this process is a re-executed child.
func Detached() bool {
	return os.Getenv(EnvVar) != ""
}

// Detach starts the child and waits for its readiness line.
func Detach(opts Options) (*Child, error) {
	path := opts.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to find executable: %w", err)
		}
		path = exe
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create readiness pipe: %w", err)
	}
	defer r.Close()

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		w.Close()
		return nil, err
	}
	defer null.Close()

	cmd := exec.Command(path, opts.Args...)
	cmd.Env = append(append(os.Environ(), opts.Env...), fmt.Sprintf("%s=%d", EnvVar, readyFD))
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}
	w.Close()
	pid := cmd.Process.Pid
	// The child is never waited on; it outlives the parent.
	cmd.Process.Release()

	msg := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		msg <- string(data)
	}()

	select {
	case s := <-msg:
		if s == "" {
			return nil, fmt.Errorf("%w: pid %d", ErrNotReady, pid)
		}
		return &Child{PID: pid, Ready: strings.TrimSuffix(s, "\n")}, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: pid %d after %s", ErrNotReady, pid, timeout)
	}
}

// Ready sends msg, one or more lines, to the waiting parent and closes the
// pipe. It is a no-op in a process that was not detached.
func Ready(msg string) error {
	if !Detached() {
		return nil
	}
	os.Unsetenv(EnvVar)
	f := os.NewFile(readyFD, "ready")
	if f == nil {
		return errors.New("readiness descriptor missing")
	}
	defer f.Close()
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	_, err := io.WriteString(f, msg)
	return err
}
