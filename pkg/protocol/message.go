package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Op string

const (
	OpSubscribe Op = "subscribe"
	OpSubAck    Op = "sub-ack"
	OpEvent     Op = "event"
	OpError     Op = "error"
)

// Topic names. A device topic has at most one live subscriber (the agent);
// the admins topic fans out to every connected console.
const TopicAdmins = "admins"

func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}

// Message is the carrier for every frame on the bus, one JSON object per line.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Op      Op              `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Token   string          `json:"token,omitempty"` // subscribe credential, never echoed back
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func Decode(b []byte) (*Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return &m, err
}

// Command kinds pushed to a device topic.
const (
	CommandLock   = "LOCK"
	CommandUnlock = "UNLOCK"
)

var ErrUnknownCommand = errors.New("unknown command")

// Command is the directive sent to exactly one device. The set of commands is
// closed: anything but LOCK/UNLOCK fails ParseCommand with ErrUnknownCommand.
type Command struct {
	Command   string     `json:"command"`
	Message   string     `json:"message,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func ParseCommand(raw json.RawMessage) (*Command, error) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	switch c.Command {
	case CommandLock, CommandUnlock:
		return &c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Command)
	}
}

// DeviceUpdate is the presence delta broadcast to consoles on every
// state-affecting event.
type DeviceUpdate struct {
	DeviceID        string          `json:"deviceId"`
	Online          bool            `json:"online"`
	LastSeen        time.Time       `json:"lastSeen"`
	LastLocation    json.RawMessage `json:"lastLocation,omitempty"`
	LockState       string          `json:"lockState"`
	LastUnlockEvent *UnlockEvent    `json:"lastUnlockEvent,omitempty"`
}

type UnlockEvent struct {
	UsedAt        time.Time `json:"usedAt"`
	UsedCodeLast4 string    `json:"usedCodeLast4"`
	By            string    `json:"by"`
}

func MarshalPayload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
