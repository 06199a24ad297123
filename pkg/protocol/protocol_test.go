package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/parley-chat/parley/pkg/model"
)

func TestEventRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := ChannelCreateRequest{Name: "general", Type: "TEXT"}
	if err := WriteEvent(&buf, EventChannelCreate, want); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		t.Fatalf("frame not newline-terminated: %q", buf.String())
	}

	ev, err := ReadEvent(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Event != EventChannelCreate {
		t.Fatalf("event kind = %q, want %q", ev.Event, EventChannelCreate)
	}
	var got ChannelCreateRequest
	if err := ev.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestReadEventSequenced(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteEvent(&buf, EventVoiceLeave, VoiceLeaveRequest{ChannelID: "c1"})
	_ = WriteEvent(&buf, EventSwitchChannel, SwitchChannelRequest{ChannelID: "c2"})

	r := bufio.NewReader(&buf)
	first, err := ReadEvent(r)
	if err != nil {
		t.Fatalf("ReadEvent 1: %v", err)
	}
	second, err := ReadEvent(r)
	if err != nil {
		t.Fatalf("ReadEvent 2: %v", err)
	}
	if first.Event != EventVoiceLeave || second.Event != EventSwitchChannel {
		t.Errorf("events out of order: %q then %q", first.Event, second.Event)
	}
	if _, err := ReadEvent(r); err != io.EOF {
		t.Errorf("trailing ReadEvent = %v, want io.EOF", err)
	}
}

func TestReadEventMalformed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("this is not json\n"))
	if _, err := ReadEvent(r); err == nil {
		t.Fatalf("ReadEvent accepted malformed frame")
	}
}

func TestReadEventTooLarge(t *testing.T) {
	line := strings.Repeat("x", MaxEventSize+1) + "\n"
	r := bufio.NewReader(strings.NewReader(line))
	if _, err := ReadEvent(r); err != ErrEventTooLarge {
		t.Fatalf("ReadEvent = %v, want ErrEventTooLarge", err)
	}
}

// The inbound frame cap does not apply to outbound frames: state
// snapshots grow with message history and must encode at any size.
func TestEncodeLargeFrame(t *testing.T) {
	payload := MessageEdited{ChannelID: "c1", MessageID: "m1", Content: strings.Repeat("x", MaxEventSize*2)}
	frame, err := Encode(EventMessageEdit, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frame) <= MaxEventSize {
		t.Fatalf("frame = %d bytes, want more than MaxEventSize", len(frame))
	}
}

func TestReadEventTruncated(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(`{"event":"AUTH"}`)) // no newline
	if _, err := ReadEvent(r); err != io.ErrUnexpectedEOF {
		t.Fatalf("ReadEvent = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestDecodeMissingPayload(t *testing.T) {
	ev := &Event{Event: EventVoiceLeave}
	var req VoiceLeaveRequest
	if err := ev.Decode(&req); err != nil {
		t.Fatalf("Decode with nil payload: %v", err)
	}
	if req.ChannelID != "" {
		t.Errorf("ChannelID = %q, want empty", req.ChannelID)
	}
}

func TestMessageCreateContentPresence(t *testing.T) {
	decode := func(t *testing.T, payload string) MessageCreateRequest {
		t.Helper()
		ev := &Event{Event: EventMessageCreate, Payload: []byte(payload)}
		var req MessageCreateRequest
		if err := ev.Decode(&req); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return req
	}

	if req := decode(t, `{"channel_id":"c1","content":""}`); req.Content == nil || *req.Content != "" {
		t.Errorf("empty content should decode as present")
	}
	if req := decode(t, `{"channel_id":"c1"}`); req.Content != nil {
		t.Errorf("omitted content should decode as nil")
	}
}

func TestSnapshotChannel(t *testing.T) {
	ch := model.NewChannel("general", model.ChannelText)
	msg, err := model.NewMessage("u1", "hello")
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	_ = msg.AddReaction("u3", "👍")
	_ = msg.AddReaction("u2", "👍")
	ch.AddMessage(msg)

	snap := SnapshotChannel(*ch)
	if snap.Type != "TEXT" || snap.Name != "general" {
		t.Fatalf("snapshot meta: %+v", snap)
	}
	if len(snap.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(snap.Messages))
	}
	if diff := cmp.Diff([]string{"u2", "u3"}, snap.Messages[0].Reactions["👍"]); diff != "" {
		t.Errorf("reactors mismatch (-want +got):\n%s", diff)
	}
}
