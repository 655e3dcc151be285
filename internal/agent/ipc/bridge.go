// Package ipc is the local bridge between the supervisor (trusted,
// network-capable) and the overlay (untrusted surface, UI only). The
// protocol per connection is a single newline-terminated candidate code in
// and a single status token out: "OK" or "ERR:<reason>". Nothing else
// crosses the boundary — no plaintext code storage, no secrets.
package ipc

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

const (
	StatusOK         = "OK"
	StatusErrEmpty   = "ERR:EMPTY"
	StatusErrInvalid = "ERR:INVALID"
)

const readTimeout = 5 * time.Minute

// VerifyFunc submits a candidate code over the supervisor's authenticated
// session. A nil return means the device is now unlocked.
type VerifyFunc func(ctx context.Context, code string) error

type Bridge struct {
	Path   string
	Verify VerifyFunc

	// OnSuccess fires after an OK has been written back, letting the
	// supervisor tear the overlay down immediately instead of waiting for
	// the UNLOCK broadcast to make the round trip.
	OnSuccess func()

	log *slog.Logger
}

func NewBridge(path string, verify VerifyFunc) *Bridge {
	return &Bridge{
		Path:   path,
		Verify: verify,
		log:    slog.With("component", "ipc", "socket", path),
	}
}

// Serve accepts one connection at a time until ctx is cancelled; after each
// attempt it re-listens immediately so the user can retry. Malformed or
// empty input is a rejected attempt, never a fatal error.
func (b *Bridge) Serve(ctx context.Context) error {
	_ = os.Remove(b.Path)
	ln, err := net.Listen("unix", b.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(b.Path)
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	b.log.Info("bridge listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn("accept", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		b.handle(ctx, conn)
	}
}

func (b *Bridge) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	code := strings.TrimSpace(line)
	if code == "" {
		_, _ = conn.Write([]byte(StatusErrEmpty + "\n"))
		return
	}

	if err := b.Verify(ctx, code); err != nil {
		// Detail stays in the supervisor's log; the overlay only learns
		// that the attempt failed.
		b.log.Info("unlock attempt rejected", "err", err)
		_, _ = conn.Write([]byte(StatusErrInvalid + "\n"))
		return
	}

	b.log.Info("unlock verified")
	_, _ = conn.Write([]byte(StatusOK + "\n"))
	if b.OnSuccess != nil {
		b.OnSuccess()
	}
}
