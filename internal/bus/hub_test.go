package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/managex/devlock/pkg/protocol"
)

// startHub brings up a hub on a loopback port and blocks until it is
// accepting.
func startHub(t *testing.T, authorize AuthorizeFunc) *Hub {
	t.Helper()
	h := NewHub(authorize)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.Listen(ctx, "127.0.0.1:0") }()
	deadline := time.Now().Add(5 * time.Second)
	for h.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("hub did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h
}

type testSub struct {
	conn net.Conn
	r    *bufio.Reader
}

// subscribe dials the hub and completes the handshake, failing the test on
// anything but a sub-ack.
func subscribe(t *testing.T, h *Hub, topic, token string) *testSub {
	t.Helper()
	sub, err := trySubscribe(h, topic, token)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	t.Cleanup(func() { _ = sub.conn.Close() })
	return sub
}

func trySubscribe(h *Hub, topic, token string) (*testSub, error) {
	conn, err := net.DialTimeout("tcp", h.Addr(), 2*time.Second)
	if err != nil {
		return nil, err
	}
	frame, _ := (&protocol.Message{Op: protocol.OpSubscribe, Topic: topic, Token: token}).Encode()
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return nil, err
	}
	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	msg, err := protocol.Decode(line)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if msg.Op != protocol.OpSubAck {
		conn.Close()
		return nil, fmt.Errorf("handshake answered %s: %s", msg.Op, msg.Error)
	}
	return &testSub{conn: conn, r: r}, nil
}

func (s *testSub) readEvent(t *testing.T) *protocol.Message {
	t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	msg, err := protocol.Decode(line)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return msg
}

func waitSubscribers(t *testing.T, h *Hub, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount(topic) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count on %s: got %d, want %d", topic, h.SubscriberCount(topic), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishReachesTopicSubscriber(t *testing.T) {
	t.Parallel()
	h := startHub(t, nil)
	sub := subscribe(t, h, protocol.DeviceTopic("d1"), "tok")
	waitSubscribers(t, h, protocol.DeviceTopic("d1"), 1)

	h.Publish(protocol.DeviceTopic("d1"), protocol.Command{Command: protocol.CommandLock, Message: "see admin"})

	msg := sub.readEvent(t)
	if msg.Op != protocol.OpEvent || msg.Topic != protocol.DeviceTopic("d1") {
		t.Fatalf("frame: op=%s topic=%s", msg.Op, msg.Topic)
	}
	cmd, err := protocol.ParseCommand(msg.Payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if cmd.Command != protocol.CommandLock || cmd.Message != "see admin" {
		t.Fatalf("payload: %+v", cmd)
	}
}

func TestPublishPreservesOrderPerTopic(t *testing.T) {
	t.Parallel()
	h := startHub(t, nil)
	sub := subscribe(t, h, protocol.TopicAdmins, "tok")
	waitSubscribers(t, h, protocol.TopicAdmins, 1)

	const n = 20
	for i := 0; i < n; i++ {
		h.Publish(protocol.TopicAdmins, map[string]int{"seq": i})
	}
	for i := 0; i < n; i++ {
		msg := sub.readEvent(t)
		var p struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if p.Seq != i {
			t.Fatalf("out of order: got seq %d at position %d", p.Seq, i)
		}
	}
}

func TestDeviceTopicReplacesPriorSubscriber(t *testing.T) {
	t.Parallel()
	h := startHub(t, nil)
	topic := protocol.DeviceTopic("d1")

	first := subscribe(t, h, topic, "tok")
	waitSubscribers(t, h, topic, 1)
	second := subscribe(t, h, topic, "tok")
	waitSubscribers(t, h, topic, 1)

	// The replaced session is closed by the hub.
	_ = first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := first.r.ReadBytes('\n'); err == nil {
		t.Fatalf("first session still readable after replacement")
	}

	h.Publish(topic, protocol.Command{Command: protocol.CommandUnlock})
	msg := second.readEvent(t)
	if msg.Topic != topic {
		t.Fatalf("second session got topic %s", msg.Topic)
	}
}

func TestAdminsTopicFansOut(t *testing.T) {
	t.Parallel()
	h := startHub(t, nil)
	a := subscribe(t, h, protocol.TopicAdmins, "tok")
	b := subscribe(t, h, protocol.TopicAdmins, "tok")
	waitSubscribers(t, h, protocol.TopicAdmins, 2)

	h.Publish(protocol.TopicAdmins, map[string]string{"deviceId": "d9"})
	for _, sub := range []*testSub{a, b} {
		msg := sub.readEvent(t)
		if msg.Op != protocol.OpEvent {
			t.Fatalf("fan-out frame op: %s", msg.Op)
		}
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	t.Parallel()
	h := startHub(t, nil)

	// Published into the void: nobody subscribed yet.
	h.Publish(protocol.TopicAdmins, map[string]string{"deviceId": "lost"})

	sub := subscribe(t, h, protocol.TopicAdmins, "tok")
	_ = sub.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if line, err := sub.r.ReadBytes('\n'); err == nil {
		t.Fatalf("late subscriber replayed a frame: %s", line)
	}
}

func TestUnauthorizedSubscribeRejected(t *testing.T) {
	t.Parallel()
	h := startHub(t, func(topic, token string) bool { return token == "secret" })

	if _, err := trySubscribe(h, protocol.TopicAdmins, "wrong"); err == nil {
		t.Fatalf("bad token accepted")
	}
	sub, err := trySubscribe(h, protocol.TopicAdmins, "secret")
	if err != nil {
		t.Fatalf("good token rejected: %v", err)
	}
	defer sub.conn.Close()
}

func TestGarbageHandshakeRejected(t *testing.T) {
	t.Parallel()
	h := startHub(t, nil)

	conn, err := net.DialTimeout("tcp", h.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("not json at all\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reject: %v", err)
	}
	msg, err := protocol.Decode(line)
	if err != nil {
		t.Fatalf("decode reject: %v", err)
	}
	if msg.Op != protocol.OpError {
		t.Fatalf("want error frame, got %s", msg.Op)
	}
}
