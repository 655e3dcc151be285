package agent

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Overlay manages the isolated lock-screen process. The child gets only the
// local channel path and display strings on argv: no token, no server
// address, nothing worth stealing from an untrusted desktop session.
type Overlay struct {
	mu  sync.Mutex
	cmd *exec.Cmd
	log *slog.Logger
}

func NewOverlay() *Overlay {
	return &Overlay{log: slog.With("component", "overlay")}
}

func (o *Overlay) Start(binPath, socketPath, title, message string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cmd != nil {
		return nil
	}
	cmd := exec.Command(binPath, "--socket", socketPath, "--title", title, "--msg", message)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return err
	}
	o.cmd = cmd
	o.log.Info("overlay started", "pid", cmd.Process.Pid)

	go func() {
		_ = cmd.Wait()
		o.mu.Lock()
		if o.cmd == cmd {
			o.cmd = nil
		}
		o.mu.Unlock()
	}()
	return nil
}

func (o *Overlay) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cmd != nil
}

// Stop force-kills the overlay. Best-effort: a process that already exited
// or cannot be signalled is not an error worth surfacing.
func (o *Overlay) Stop() {
	o.mu.Lock()
	cmd := o.cmd
	o.cmd = nil
	o.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		o.log.Warn("overlay kill", "err", err)
		return
	}
	o.log.Info("overlay stopped")
}
