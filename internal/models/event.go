package models

import (
	"encoding/json"
	"fmt"
)

// Event names carried on the wire.
const (
	EventSession     = "session"
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventMessage     = "message"
	EventJoinNotice  = "joinRoom"
	EventLeftNotice  = "leftRoom"
)

// Envelope is one frame on either transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

type SessionInfo struct {
	SID string `json:"sid"`
}

// RoomRequest is the body of join_room and leave_room.
type RoomRequest struct {
	Room string `json:"room"`
	Name string `json:"name"`
}

// ChatMessage is the body of send_message and of the inbound message event.
type ChatMessage struct {
	Room        string `json:"room"`
	Sender      string `json:"sender"`
	SenderEmail string `json:"senderemail"`
	SenderID    string `json:"senderid,omitempty"`
	Message     string `json:"message"`
	Time        string `json:"time"`
}

// Notice is the system announcement broadcast on join and leave.
type Notice struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}
