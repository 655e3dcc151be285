package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeAppendsNewline(t *testing.T) {
	t.Parallel()
	b, err := (&Message{Op: OpEvent, Topic: TopicAdmins}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		t.Fatalf("frame missing newline terminator: %q", b)
	}
	m, err := Decode(b[:len(b)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Op != OpEvent || m.Topic != TopicAdmins {
		t.Fatalf("roundtrip: %+v", m)
	}
}

func TestParseCommandClosedSet(t *testing.T) {
	t.Parallel()
	raw := MarshalPayload(Command{Command: CommandLock, Message: "see admin"})
	cmd, err := ParseCommand(raw)
	if err != nil {
		t.Fatalf("parse LOCK: %v", err)
	}
	if cmd.Message != "see admin" {
		t.Fatalf("message: %q", cmd.Message)
	}

	if _, err := ParseCommand(json.RawMessage(`{"command":"WIPE"}`)); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("unknown tag: got %v, want ErrUnknownCommand", err)
	}
	if _, err := ParseCommand(json.RawMessage(`{"command":""}`)); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("empty tag: got %v, want ErrUnknownCommand", err)
	}
	if _, err := ParseCommand(json.RawMessage(`{not json`)); err == nil {
		t.Fatalf("malformed payload accepted")
	}
}

func TestDeviceTopic(t *testing.T) {
	t.Parallel()
	if got := DeviceTopic("abc"); got != "device:abc" {
		t.Fatalf("topic: got %q", got)
	}
}
