package lifecycle

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"strconv"
	"testing"
)

func TestListenerFromEnv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		t.Fatalf("expected TCP listener")
	}
	file, err := tcpLn.File()
	if err != nil {
		t.Fatalf("listener file: %v", err)
	}
	defer file.Close()

	t.Setenv(inheritEnv, "1")
	t.Setenv(fdEnv, strconv.Itoa(int(file.Fd())))

	got, inherited, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen from env: %v", err)
	}
	if !inherited || got == nil {
		t.Fatalf("expected inherited listener")
	}
	_ = got.Close()
}

func TestListenWithoutParent(t *testing.T) {
	t.Setenv(inheritEnv, "")
	ln, inherited, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if inherited {
		t.Fatalf("expected a fresh listener")
	}
}

func TestRestartDrainsBeforeStarting(t *testing.T) {
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true binary not available")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	drained := 0
	r := &Restarter{
		Listener: ln,
		Args:     []string{bin},
		Drain: func(context.Context) error {
			drained++
			return errors.New("one channel failed to stop")
		},
	}
	if err := r.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if drained != 1 {
		t.Fatalf("expected drain to run once, got %d", drained)
	}
	if err := r.Restart(context.Background()); !errors.Is(err, ErrRestartInProgress) {
		t.Fatalf("expected ErrRestartInProgress, got %v", err)
	}
}

func TestRestartValidation(t *testing.T) {
	r := &Restarter{}
	if err := r.Restart(context.Background()); err == nil {
		t.Fatalf("expected error without listener")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	r.Listener = ln
	if err := r.Restart(context.Background()); err == nil {
		t.Fatalf("expected error without args")
	}
}
