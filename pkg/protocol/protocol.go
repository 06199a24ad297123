// Package protocol defines the newline-delimited JSON event framing shared
// by server and clients, and the payload shapes for every event kind.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/parley-chat/parley/pkg/model"
)

// MaxEventSize is the maximum size of a single inbound event frame,
// including the trailing newline. Outbound frames are not capped: the
// AUTH_SUCCESS snapshot grows with message history and must always
// encode.
const MaxEventSize = 65536

var ErrEventTooLarge = errors.New("protocol: event too large")

// Client-to-server event kinds.
const (
	EventAuth          = "AUTH"
	EventSwitchChannel = "SWITCH_CHANNEL"
	EventChannelCreate = "CHANNEL_CREATE"
	EventChannelUpdate = "CHANNEL_UPDATE"
	EventChannelDelete = "CHANNEL_DELETE"
	EventMessageCreate = "MESSAGE_CREATE"
	EventMessageEdit   = "MESSAGE_EDIT"
	EventMessageDelete = "MESSAGE_DELETE"
	EventMessageReact  = "MESSAGE_REACT"
	EventMessageUnreact = "MESSAGE_REMOVE_REACT"
	EventVoiceJoin     = "VOICE_JOIN"
	EventVoiceLeave    = "VOICE_LEAVE"
)

// Server-to-client event kinds. Mutation events reuse the client kind so a
// broadcast frame mirrors the request that produced it.
const (
	EventAuthSuccess     = "AUTH_SUCCESS"
	EventAuthFailed      = "AUTH_FAILED"
	EventChannelSwitched = "CHANNEL_SWITCHED"
	EventVoiceJoined     = "VOICE_JOINED"
	EventError           = "ERROR"
)

// Event is one wire frame: a UTF-8 JSON object terminated by a newline.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. A missing payload decodes as an
// empty object.
func (e *Event) Decode(v any) error {
	raw := e.Payload
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Encode serializes an event to a framed byte slice ending in '\n'.
func Encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
	}
	frame, err := json.Marshal(Event{Event: kind, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", kind, err)
	}
	return append(frame, '\n'), nil
}

// WriteEvent encodes and writes one event frame.
func WriteEvent(w io.Writer, kind string, payload any) error {
	frame, err := Encode(kind, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write %s: %w", kind, err)
	}
	return nil
}

// ReadEvent reads one newline-terminated frame. It returns io.EOF on a
// clean end of stream and ErrEventTooLarge when a line exceeds
// MaxEventSize; in the latter case the connection is unusable because the
// oversized line was only partially consumed.
func ReadEvent(r *bufio.Reader) (*Event, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	ev := &Event{}
	if err := json.Unmarshal(line, ev); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal event: %w", err)
	}
	return ev, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxEventSize {
			return nil, ErrEventTooLarge
		}
		if err == nil {
			return line, nil
		}
		if err != bufio.ErrBufferFull {
			if err == io.EOF && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// ---- Client-to-server payloads ----

type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SwitchChannelRequest struct {
	ChannelID string `json:"channel_id"`
}

type ChannelCreateRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ChannelUpdateRequest struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
}

type ChannelDeleteRequest struct {
	ChannelID string `json:"channel_id"`
}

// MessageCreateRequest requires the content field to be present; an empty
// string is valid, omission is not. The pointer distinguishes the two.
type MessageCreateRequest struct {
	ChannelID string  `json:"channel_id"`
	Content   *string `json:"content"`
}

type MessageEditRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type MessageDeleteRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

type ReactionRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type VoiceJoinRequest struct {
	ChannelID string `json:"channel_id"`
	UDPPort   int    `json:"udp_port"`
}

type VoiceLeaveRequest struct {
	ChannelID string `json:"channel_id"`
}

// ---- Server-to-client payloads ----

type AuthSuccess struct {
	Token    string            `json:"token"`
	UserID   string            `json:"user_id"`
	Channels []ChannelSnapshot `json:"channels"`
}

type AuthFailed struct {
	Reason string `json:"reason"`
}

type ChannelSwitched struct {
	ChannelID string `json:"channel_id"`
}

type ChannelCreated struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type ChannelUpdated struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
}

type ChannelDeleted struct {
	ChannelID string `json:"channel_id"`
}

type MessageCreated struct {
	ChannelID string          `json:"channel_id"`
	Message   MessageSnapshot `json:"message"`
}

type MessageEdited struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type MessageDeleted struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

type ReactionChanged struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

type VoiceJoined struct {
	ChannelID string `json:"channel_id"`
}

type ErrorPayload struct {
	Reason string `json:"reason"`
}

// ChannelSnapshot is the full channel view sent on AUTH_SUCCESS.
type ChannelSnapshot struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Messages []MessageSnapshot `json:"messages"`
}

// MessageSnapshot is a message with its reaction map flattened to sorted
// user id lists.
type MessageSnapshot struct {
	ID        string              `json:"id"`
	AuthorID  string              `json:"author_id"`
	Content   string              `json:"content"`
	Timestamp int64               `json:"timestamp"`
	Edited    bool                `json:"edited,omitempty"`
	Deleted   bool                `json:"deleted,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// SnapshotChannel converts a model channel (with messages) to its wire form.
func SnapshotChannel(ch model.Channel) ChannelSnapshot {
	snap := ChannelSnapshot{
		ID:       ch.ID,
		Name:     ch.Name,
		Type:     ch.Type.String(),
		Messages: make([]MessageSnapshot, len(ch.Messages)),
	}
	for i, m := range ch.Messages {
		snap.Messages[i] = SnapshotMessage(*m)
	}
	return snap
}

// SnapshotMessage converts a model message to its wire form.
func SnapshotMessage(m model.Message) MessageSnapshot {
	snap := MessageSnapshot{
		ID:        m.ID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
	}
	if len(m.Reactions) > 0 {
		snap.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, reactors := range m.Reactions {
			ids := make([]string, 0, len(reactors))
			for id := range reactors {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			snap.Reactions[emoji] = ids
		}
	}
	return snap
}
