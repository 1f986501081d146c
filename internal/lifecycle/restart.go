// Package lifecycle restarts the daemon in place: the listening socket is
// handed to a fresh copy of the process so connections keep being accepted.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

const (
	inheritEnv = "OBSERVER_INHERIT_FD"
	fdEnv      = "OBSERVER_FD"
)

var ErrRestartInProgress = errors.New("restart already in progress")

type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
	// Drain runs before the new process starts. The daemon leaves every
	// channel here so the successor can join under the same node id.
	// Failures are logged and do not stop the restart.
	Drain func(context.Context) error

	mu         sync.Mutex
	restarting bool
}

func (r *Restarter) Restart(ctx context.Context) error {
	if r.Listener == nil {
		return fmt.Errorf("listener not set")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("args not set")
	}
	r.mu.Lock()
	if r.restarting {
		r.mu.Unlock()
		return ErrRestartInProgress
	}
	r.restarting = true
	r.mu.Unlock()

	file, err := listenerFile(r.Listener)
	if err != nil {
		r.done()
		return err
	}
	defer file.Close()

	if r.Drain != nil {
		if err := r.Drain(ctx); err != nil {
			log.Printf("restart: drain: %v", err)
		}
	}

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(append([]string{}, r.Env...), inheritEnv+"=1", fdEnv+"=3")
	cmd.ExtraFiles = []*os.File{file}

	if err := cmd.Start(); err != nil {
		r.done()
		return fmt.Errorf("start new process: %w", err)
	}
	log.Printf("restart: handed listener to pid %d", cmd.Process.Pid)
	return nil
}

func (r *Restarter) done() {
	r.mu.Lock()
	r.restarting = false
	r.mu.Unlock()
}

func listenerFile(listener net.Listener) (*os.File, error) {
	switch ln := listener.(type) {
	case *net.TCPListener:
		file, err := ln.File()
		if err != nil {
			return nil, fmt.Errorf("listener file: %w", err)
		}
		return file, nil
	default:
		return nil, fmt.Errorf("unsupported listener type %T", listener)
	}
}

// Listen returns the listener inherited from a restarting parent, or a new
// one on addr.
func Listen(addr string) (ln net.Listener, inherited bool, err error) {
	ln, err = ListenerFromEnv()
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, false, nil
}

func ListenerFromEnv() (net.Listener, error) {
	if os.Getenv(inheritEnv) != "1" {
		return nil, nil
	}
	fdStr := os.Getenv(fdEnv)
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("failed to create listener file")
	}
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}
