// Package bus is the pub/sub fabric carrying LOCK/UNLOCK directives and
// device-state deltas. It is a pure transport: one JSON frame per line over
// TCP, at-most-once delivery, no persistence and no replay. A subscriber
// that was away simply missed those frames; lock state stays authoritative
// in the device store.
package bus

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/managex/devlock/pkg/protocol"
)

const subscribeTimeout = 10 * time.Second

// AuthorizeFunc decides whether a credential may subscribe to a topic.
type AuthorizeFunc func(topic, token string) bool

type subscriber struct {
	conn  net.Conn
	topic string
	out   chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// send queues a frame for the subscriber's writer goroutine. The per-conn
// queue preserves publish order within a topic; if the subscriber cannot
// keep up the frame is dropped, which is within the at-most-once contract.
func (s *subscriber) send(frame []byte) {
	select {
	case s.out <- frame:
	case <-s.done:
	default:
		slog.Warn("bus subscriber lagging, frame dropped", "topic", s.topic)
	}
}

type Hub struct {
	authorize AuthorizeFunc
	log       *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	ln net.Listener
}

func NewHub(authorize AuthorizeFunc) *Hub {
	return &Hub{
		authorize: authorize,
		log:       slog.With("component", "bus"),
		subs:      make(map[string]map[*subscriber]struct{}),
	}
}

// Listen starts accepting subscribers until ctx is cancelled.
func (h *Hub) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.ln = ln
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	h.log.Info("hub listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		go h.handleConn(conn)
	}
}

// Addr reports the bound listen address (useful when addr was ":0").
func (h *Hub) Addr() string {
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

func (h *Hub) handleConn(c net.Conn) {
	r := bufio.NewReader(c)

	_ = c.SetReadDeadline(time.Now().Add(subscribeTimeout))
	line, err := r.ReadBytes('\n')
	if err != nil {
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	req, err := protocol.Decode(line)
	if err != nil || req.Op != protocol.OpSubscribe || req.Topic == "" {
		h.reject(c, "expected subscribe frame")
		return
	}
	if h.authorize != nil && !h.authorize(req.Topic, req.Token) {
		h.reject(c, "unauthorized")
		return
	}

	sub := &subscriber{
		conn:  c,
		topic: req.Topic,
		out:   make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	h.attach(sub)
	h.log.Info("subscriber attached", "topic", sub.topic, "remote", c.RemoteAddr().String())

	ack, _ := (&protocol.Message{Op: protocol.OpSubAck, Topic: req.Topic}).Encode()

	go func() {
		defer h.detach(sub)
		if _, err := c.Write(ack); err != nil {
			sub.close()
			return
		}
		for {
			select {
			case frame := <-sub.out:
				if _, err := c.Write(frame); err != nil {
					sub.close()
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	// Reader side exists only to notice the peer going away.
	go func() {
		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				sub.close()
				return
			}
		}
	}()
}

func (h *Hub) reject(c net.Conn, reason string) {
	frame, _ := (&protocol.Message{Op: protocol.OpError, Error: reason}).Encode()
	_, _ = c.Write(frame)
	_ = c.Close()
}

func (h *Hub) attach(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// A device topic has at most one live subscriber; a fresh subscribe
	// replaces (and closes) the previous session so two handles never
	// coexist.
	if strings.HasPrefix(sub.topic, "device:") {
		for old := range h.subs[sub.topic] {
			old.close()
			delete(h.subs[sub.topic], old)
		}
	}
	if h.subs[sub.topic] == nil {
		h.subs[sub.topic] = make(map[*subscriber]struct{})
	}
	h.subs[sub.topic][sub] = struct{}{}
}

func (h *Hub) detach(sub *subscriber) {
	sub.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.topic)
		}
	}
}

// Publish fans an event out to the topic's current subscribers. Best-effort:
// nobody listening means the frame is gone.
func (h *Hub) Publish(topic string, payload any) {
	msg := &protocol.Message{
		Op:      protocol.OpEvent,
		Topic:   topic,
		Payload: protocol.MarshalPayload(payload),
	}
	frame, err := msg.Encode()
	if err != nil {
		h.log.Error("encode event", "topic", topic, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[topic] {
		sub.send(frame)
	}
}

// SubscriberCount is used by tests and the list surface.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
