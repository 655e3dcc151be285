// Package agent implements the endpoint-resident supervisor: a long-lived
// process that registers once, holds a live subscription to its device
// channel, and runs heartbeat and inventory loops with independent retry
// policies. It never dies on a transient error; any fatal slip in the outer
// loop sends it back through registration after a delay.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/managex/devlock/internal/agent/ipc"
	"github.com/managex/devlock/internal/bus"
	"github.com/managex/devlock/pkg/protocol"

	"github.com/google/uuid"
)

const (
	registerRetryDelay = 30 * time.Second
	fatalRetryDelay    = 10 * time.Second
	heartbeatInterval  = 30 * time.Second
	inventoryInterval  = 15 * time.Second
)

type Supervisor struct {
	Cfg       *Config
	API       *APIClient
	Collector Collector

	log     *slog.Logger
	overlay *Overlay

	mu        sync.Mutex
	ipcCancel context.CancelFunc
	sockPath  string
	lockMsg   string
}

func NewSupervisor(cfg *Config) *Supervisor {
	return &Supervisor{
		Cfg:       cfg,
		API:       NewAPIClient(cfg.ServerURL, cfg.LoadToken()),
		Collector: PSCollector{},
		log:       slog.With("component", "supervisor", "device", cfg.DeviceID),
		overlay:   NewOverlay(),
	}
}

// Run blocks until ctx is cancelled. On shutdown the overlay is force-
// stopped and the bus session closed; both best-effort.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.stopLock()
	s.log.Info("agent started")
	for ctx.Err() == nil {
		if err := s.cycle(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("cycle failed, restarting", "err", err)
			sleep(ctx, fatalRetryDelay)
		}
	}
	return ctx.Err()
}

// cycle walks the state machine once: Unregistered -> Connecting -> Running.
// It returns when the run context dies (shutdown, or a loop demanding
// re-registration).
func (s *Supervisor) cycle(ctx context.Context) error {
	if err := s.ensureRegistered(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeatLoop(runCtx, cancel)
	go s.inventoryLoop(runCtx)

	client := &bus.Client{
		Addr:  s.Cfg.BusAddr,
		Topic: protocol.DeviceTopic(s.Cfg.DeviceID),
		Token: s.API.Token(),
		Handler: func(m *protocol.Message) {
			s.handleEvent(runCtx, m)
		},
		// Missed commands are gone for good; authoritative lock state lives
		// in the device record, so every (re)connect re-derives it.
		OnConnect: func() {
			s.resync(runCtx)
		},
	}
	err := client.Run(runCtx)
	if runCtx.Err() != nil {
		return nil
	}
	return err
}

func (s *Supervisor) ensureRegistered(ctx context.Context) error {
	if s.API.Token() != "" {
		return nil
	}
	info := s.registerInfo()
	for {
		token, err := s.API.Register(ctx, info)
		if err == nil {
			if err := s.Cfg.SaveToken(token); err != nil {
				s.log.Warn("persist token", "err", err)
			}
			s.log.Info("registered")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("registration failed, retrying", "err", err, "delay", registerRetryDelay)
		if !sleep(ctx, registerRetryDelay) {
			return ctx.Err()
		}
	}
}

func (s *Supervisor) registerInfo() RegisterInfo {
	info := RegisterInfo{DeviceID: s.Cfg.DeviceID, OS: osDescription()}
	if u, err := user.Current(); err == nil {
		info.Username = u.Username
	}
	return info
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, restart context.CancelFunc) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := s.API.Heartbeat(ctx); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				// The token was invalidated (re-registration elsewhere).
				// Drop it and bounce the cycle back to Unregistered.
				s.log.Warn("token rejected, re-registering")
				s.Cfg.ClearToken()
				s.API.SetToken("")
				restart()
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("heartbeat", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) inventoryLoop(ctx context.Context) {
	ticker := time.NewTicker(inventoryInterval)
	defer ticker.Stop()
	for {
		processes, err := s.Collector.Snapshot(ctx)
		if err != nil {
			s.log.Warn("inventory collect", "err", err)
		} else if err := s.API.SubmitSnapshot(ctx, processes); err != nil && ctx.Err() == nil {
			s.log.Warn("inventory submit", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, m *protocol.Message) {
	cmd, err := protocol.ParseCommand(m.Payload)
	if err != nil {
		s.log.Warn("rejecting command", "err", err)
		return
	}
	switch cmd.Command {
	case protocol.CommandLock:
		s.startLock(ctx, cmd.Message)
	case protocol.CommandUnlock:
		s.stopLock()
	}
}

func (s *Supervisor) resync(ctx context.Context) {
	st, err := s.API.State(ctx)
	if err != nil {
		s.log.Warn("state re-sync", "err", err)
		return
	}
	s.log.Info("state re-synced", "lockState", st.LockState)
	if st.LockState == "LOCKED" {
		s.startLock(ctx, st.Message)
	} else {
		s.stopLock()
	}
}

// startLock is idempotent: a second LOCK while the overlay is up refreshes
// the displayed message instead of spawning a duplicate.
func (s *Supervisor) startLock(ctx context.Context, message string) {
	if message == "" {
		message = "This device is locked. Please contact Admin to get an unlock code."
	}

	s.mu.Lock()
	if s.ipcCancel != nil {
		refresh := message != s.lockMsg
		sock := s.sockPath
		s.lockMsg = message
		s.mu.Unlock()
		if refresh {
			s.overlay.Stop()
			if err := s.overlay.Start(s.Cfg.OverlayBin, sock, s.Cfg.LockTitle, message); err != nil {
				s.log.Error("overlay refresh", "err", err)
			}
		}
		return
	}

	sock := filepath.Join(os.TempDir(), fmt.Sprintf("devlock-%s.sock", uuid.NewString()))
	ipcCtx, cancel := context.WithCancel(ctx)
	s.ipcCancel = cancel
	s.sockPath = sock
	s.lockMsg = message
	s.mu.Unlock()

	bridge := ipc.NewBridge(sock, func(ctx context.Context, code string) error {
		return s.API.UnlockWithCode(ctx, code)
	})
	// On a verified code, tear the overlay down directly rather than waiting
	// for the UNLOCK broadcast round trip.
	bridge.OnSuccess = s.stopLock

	go func() {
		if err := bridge.Serve(ipcCtx); err != nil && ipcCtx.Err() == nil {
			s.log.Error("ipc bridge", "err", err)
		}
	}()

	if err := s.overlay.Start(s.Cfg.OverlayBin, sock, s.Cfg.LockTitle, message); err != nil {
		s.log.Error("overlay start", "err", err)
	}
}

// stopLock cancels the IPC listener and kills the overlay, unconditionally.
func (s *Supervisor) stopLock() {
	s.mu.Lock()
	cancel := s.ipcCancel
	s.ipcCancel = nil
	s.sockPath = ""
	s.lockMsg = ""
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.overlay.Stop()
}

func osDescription() string {
	desc := runtime.GOOS
	if runtime.GOOS == "linux" {
		if out, err := exec.Command("uname", "-r").Output(); err == nil {
			desc += " " + strings.TrimSpace(string(out))
		}
	}
	return desc
}

// sleep waits d or until ctx dies, reporting whether the full wait happened.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
