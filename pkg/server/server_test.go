package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-chat/parley/pkg/crypto"
	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/state"
)

const testPassword = "correct horse"

var (
	testHashOnce sync.Once
	testHash     string
)

// passwordHash hashes the shared test password once; argon2id is too slow
// to rerun per test.
func passwordHash(t *testing.T) string {
	t.Helper()
	testHashOnce.Do(func() {
		h, err := crypto.HashPassword(testPassword)
		if err != nil {
			panic(err)
		}
		testHash = h
	})
	return testHash
}

func newTestServer(t *testing.T) (*Server, datastore.DataStore) {
	t.Helper()
	st := state.New(model.NewCommunity("testville"))
	for _, role := range StandingRoles() {
		st.AddRole(role)
	}
	store := datastore.NewMemory()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.VoiceAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.WriteTimeout = 2 * time.Second

	srv := New(cfg, st, Dependencies{Store: store})
	return srv, store
}

func addTestUser(t *testing.T, srv *Server, username string) string {
	t.Helper()
	u := model.NewUser(username, passwordHash(t))
	srv.state.AddUser(u)
	return u.ID
}

func startControl(t *testing.T, srv *Server) string {
	t.Helper()
	if err := srv.StartControl(); err != nil {
		t.Fatalf("StartControl: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv.listener.Addr().String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialServer(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(kind string, payload any) {
	c.t.Helper()
	if err := protocol.WriteEvent(c.conn, kind, payload); err != nil {
		c.t.Fatalf("write %s: %v", kind, err)
	}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write raw: %v", err)
	}
}

func (c *testClient) read() *protocol.Event {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	ev, err := protocol.ReadEvent(c.r)
	if err != nil {
		c.t.Fatalf("read event: %v", err)
	}
	return ev
}

// readLarge reads one frame without the inbound size cap. Server
// replies are not capped; the auth snapshot in particular grows with
// message history.
func (c *testClient) readLarge() *protocol.Event {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	ev := &protocol.Event{}
	if err := json.Unmarshal([]byte(line), ev); err != nil {
		c.t.Fatalf("unmarshal frame: %v", err)
	}
	return ev
}

func (c *testClient) expect(kind string) *protocol.Event {
	c.t.Helper()
	ev := c.read()
	if ev.Event != kind {
		c.t.Fatalf("expected %s, got %s (%s)", kind, ev.Event, ev.Payload)
	}
	return ev
}

func (c *testClient) auth(username, password string) protocol.AuthSuccess {
	c.t.Helper()
	c.send(protocol.EventAuth, protocol.AuthRequest{Username: username, Password: password})
	ev := c.expect(protocol.EventAuthSuccess)
	var ok protocol.AuthSuccess
	if err := ev.Decode(&ok); err != nil {
		c.t.Fatalf("decode auth success: %v", err)
	}
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAuthSuccessDeliversSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	ch, err := srv.state.CreateChannel("general", model.ChannelText)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := srv.state.AppendMessage(ch.ID, "someone", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	ok := c.auth("alice", testPassword)

	if ok.Token == "" || ok.UserID == "" {
		t.Fatalf("incomplete auth payload: %+v", ok)
	}
	if srv.sessions.Get(ok.Token) == nil {
		t.Errorf("token not registered in session manager")
	}
	if len(ok.Channels) != 1 || ok.Channels[0].ID != ch.ID {
		t.Fatalf("snapshot channels = %+v", ok.Channels)
	}
	msgs := ok.Channels[0].Messages
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("snapshot messages = %+v", msgs)
	}
}

func TestAuthSnapshotLargeHistory(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	ch, err := srv.state.CreateChannel("general", model.ChannelText)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	// Enough history that the snapshot frame is several times larger
	// than the biggest frame a client may send.
	filler := strings.Repeat("x", 4000)
	const n = 20
	for i := 0; i < n; i++ {
		if _, err := srv.state.AppendMessage(ch.ID, "someone", filler); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	c.send(protocol.EventAuth, protocol.AuthRequest{Username: "alice", Password: testPassword})
	ev := c.readLarge()
	if ev.Event != protocol.EventAuthSuccess {
		t.Fatalf("expected AUTH_SUCCESS, got %s (%s)", ev.Event, ev.Payload)
	}
	var ok protocol.AuthSuccess
	if err := ev.Decode(&ok); err != nil {
		t.Fatalf("decode auth success: %v", err)
	}
	if len(ok.Channels) != 1 || len(ok.Channels[0].Messages) != n {
		t.Fatalf("snapshot incomplete: %+v channels", len(ok.Channels))
	}
	if got := ok.Channels[0].Messages[n-1].Content; got != filler {
		t.Errorf("last message truncated to %d bytes", len(got))
	}
	if srv.sessions.Get(ok.Token) == nil {
		t.Errorf("token not registered in session manager")
	}
}

func TestAuthFailedIsGeneric(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	addr := startControl(t, srv)

	// Wrong password and unknown user must be indistinguishable.
	for _, username := range []string{"alice", "nobody"} {
		c := dialServer(t, addr)
		c.send(protocol.EventAuth, protocol.AuthRequest{Username: username, Password: "wrong"})
		ev := c.expect(protocol.EventAuthFailed)
		var failed protocol.AuthFailed
		if err := ev.Decode(&failed); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if failed.Reason != authFailedReason {
			t.Errorf("username %q: reason = %q", username, failed.Reason)
		}
	}
}

func TestUnauthenticatedEventsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	content := "hi"
	c.send(protocol.EventMessageCreate, protocol.MessageCreateRequest{ChannelID: "x", Content: &content})
	ev := c.expect(protocol.EventError)
	var errPayload protocol.ErrorPayload
	if err := ev.Decode(&errPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errPayload.Reason != "not authenticated" {
		t.Errorf("reason = %q", errPayload.Reason)
	}
}

func TestMalformedEventKeepsConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	c.sendRaw("this is not json")
	ev := c.expect(protocol.EventError)
	var errPayload protocol.ErrorPayload
	if err := ev.Decode(&errPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errPayload.Reason != "malformed event" {
		t.Errorf("reason = %q", errPayload.Reason)
	}

	// The stream stays aligned and usable.
	c.auth("alice", testPassword)
}

func TestUnknownEventKind(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	c.auth("alice", testPassword)
	c.send("DANCE", nil)
	ev := c.expect(protocol.EventError)
	var errPayload protocol.ErrorPayload
	if err := ev.Decode(&errPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(errPayload.Reason, "DANCE") {
		t.Errorf("reason should name the event kind, got %q", errPayload.Reason)
	}
}

func TestMessageBroadcastOrdering(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceID := addTestUser(t, srv, "alice")
	addTestUser(t, srv, "bob")
	ch, err := srv.state.CreateChannel("general", model.ChannelText)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	addr := startControl(t, srv)

	alice := dialServer(t, addr)
	alice.auth("alice", testPassword)
	bob := dialServer(t, addr)
	bob.auth("bob", testPassword)

	const n = 5
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("msg-%d", i)
		alice.send(protocol.EventMessageCreate, protocol.MessageCreateRequest{ChannelID: ch.ID, Content: &content})
	}

	var lastTS int64
	for _, c := range []*testClient{alice, bob} {
		for i := 0; i < n; i++ {
			ev := c.expect(protocol.EventMessageCreate)
			var created protocol.MessageCreated
			if err := ev.Decode(&created); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if want := fmt.Sprintf("msg-%d", i); created.Message.Content != want {
				t.Fatalf("out of order: got %q, want %q", created.Message.Content, want)
			}
			if created.Message.AuthorID != aliceID {
				t.Errorf("author = %q, want %q", created.Message.AuthorID, aliceID)
			}
			if created.Message.Timestamp < lastTS {
				t.Errorf("timestamp decreased: %d after %d", created.Message.Timestamp, lastTS)
			}
			lastTS = created.Message.Timestamp
		}
		lastTS = 0
	}
}

func TestEmptyMessageContentAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	ch, _ := srv.state.CreateChannel("general", model.ChannelText)
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	c.auth("alice", testPassword)

	empty := ""
	c.send(protocol.EventMessageCreate, protocol.MessageCreateRequest{ChannelID: ch.ID, Content: &empty})
	c.expect(protocol.EventMessageCreate)

	// Omitting the content field entirely is a different thing: rejected.
	c.send(protocol.EventMessageCreate, protocol.MessageCreateRequest{ChannelID: ch.ID})
	c.expect(protocol.EventError)
}

func TestEditDeletedMessageRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	ch, _ := srv.state.CreateChannel("general", model.ChannelText)
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	c.auth("alice", testPassword)

	content := "doomed"
	c.send(protocol.EventMessageCreate, protocol.MessageCreateRequest{ChannelID: ch.ID, Content: &content})
	ev := c.expect(protocol.EventMessageCreate)
	var created protocol.MessageCreated
	if err := ev.Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	msgID := created.Message.ID

	c.send(protocol.EventMessageDelete, protocol.MessageDeleteRequest{ChannelID: ch.ID, MessageID: msgID})
	c.expect(protocol.EventMessageDelete)

	c.send(protocol.EventMessageEdit, protocol.MessageEditRequest{ChannelID: ch.ID, MessageID: msgID, Content: "resurrected"})
	ev = c.expect(protocol.EventError)
	var errPayload protocol.ErrorPayload
	if err := ev.Decode(&errPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errPayload.Reason != "message is deleted" {
		t.Errorf("reason = %q", errPayload.Reason)
	}
}

func TestReactionAddAndRemove(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceID := addTestUser(t, srv, "alice")
	ch, _ := srv.state.CreateChannel("general", model.ChannelText)
	msg, err := srv.state.AppendMessage(ch.ID, "someone", "react to me")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	c.auth("alice", testPassword)

	// Reacting twice with the same emoji stays a single reaction.
	c.send(protocol.EventMessageReact, protocol.ReactionRequest{ChannelID: ch.ID, MessageID: msg.ID, Emoji: "👍"})
	c.expect(protocol.EventMessageReact)
	c.send(protocol.EventMessageReact, protocol.ReactionRequest{ChannelID: ch.ID, MessageID: msg.ID, Emoji: "👍"})
	c.expect(protocol.EventMessageReact)

	snap := currentMessage(t, srv, ch.ID, msg.ID)
	if got := snap.Reactions["👍"]; len(got) != 1 || !got[aliceID] {
		t.Fatalf("reactions after double add = %v", snap.Reactions)
	}

	c.send(protocol.EventMessageUnreact, protocol.ReactionRequest{ChannelID: ch.ID, MessageID: msg.ID, Emoji: "👍"})
	c.expect(protocol.EventMessageUnreact)

	snap = currentMessage(t, srv, ch.ID, msg.ID)
	if len(snap.Reactions) != 0 {
		t.Errorf("reactions after removal = %v", snap.Reactions)
	}
}

func TestRemoveAbsentReactionNotBroadcast(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	addTestUser(t, srv, "bob")
	ch, _ := srv.state.CreateChannel("general", model.ChannelText)
	msg, err := srv.state.AppendMessage(ch.ID, "someone", "unreacted")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	addr := startControl(t, srv)

	alice := dialServer(t, addr)
	alice.auth("alice", testPassword)
	bob := dialServer(t, addr)
	bob.auth("bob", testPassword)

	// Removing a reaction nobody recorded changes nothing and must not
	// fan out.
	alice.send(protocol.EventMessageUnreact, protocol.ReactionRequest{ChannelID: ch.ID, MessageID: msg.ID, Emoji: "🎉"})

	// A follow-up mutation proves neither client saw a frame for the no-op.
	alice.send(protocol.EventMessageReact, protocol.ReactionRequest{ChannelID: ch.ID, MessageID: msg.ID, Emoji: "👍"})
	alice.expect(protocol.EventMessageReact)
	bob.expect(protocol.EventMessageReact)

	if got := srv.metrics.ReactionEvents.Load(); got != 1 {
		t.Errorf("ReactionEvents = %d, want 1", got)
	}
}

func currentMessage(t *testing.T, srv *Server, channelID, messageID string) model.Message {
	t.Helper()
	for _, ch := range srv.state.Snapshot() {
		if ch.ID != channelID {
			continue
		}
		for _, m := range ch.Messages {
			if m.ID == messageID {
				return *m
			}
		}
	}
	t.Fatalf("message %s not found in channel %s", messageID, channelID)
	return model.Message{}
}

func TestChannelLifecycleBroadcast(t *testing.T) {
	srv, store := newTestServer(t)
	addTestUser(t, srv, "alice")
	addTestUser(t, srv, "bob")
	addr := startControl(t, srv)

	alice := dialServer(t, addr)
	alice.auth("alice", testPassword)
	bob := dialServer(t, addr)
	bob.auth("bob", testPassword)

	alice.send(protocol.EventChannelCreate, protocol.ChannelCreateRequest{Name: "plans", Type: "TEXT"})
	ev := bob.expect(protocol.EventChannelCreate)
	var created protocol.ChannelCreated
	if err := ev.Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "plans" || created.Type != "TEXT" {
		t.Fatalf("ChannelCreated = %+v", created)
	}
	alice.expect(protocol.EventChannelCreate)

	// Creation reached the store.
	stored, err := store.LoadChannels(srv.state.CommunityID())
	if err != nil {
		t.Fatalf("LoadChannels: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != created.ID {
		t.Fatalf("stored channels = %+v", stored)
	}

	alice.send(protocol.EventChannelUpdate, protocol.ChannelUpdateRequest{ChannelID: created.ID, Name: "better-plans"})
	bob.expect(protocol.EventChannelUpdate)
	alice.expect(protocol.EventChannelUpdate)

	alice.send(protocol.EventChannelDelete, protocol.ChannelDeleteRequest{ChannelID: created.ID})
	bob.expect(protocol.EventChannelDelete)
	alice.expect(protocol.EventChannelDelete)

	stored, _ = store.LoadChannels(srv.state.CommunityID())
	if len(stored) != 0 {
		t.Errorf("channel survived delete: %+v", stored)
	}
}

func TestChannelDeleteUnknownIsError(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	addTestUser(t, srv, "bob")
	addr := startControl(t, srv)

	alice := dialServer(t, addr)
	alice.auth("alice", testPassword)
	bob := dialServer(t, addr)
	bob.auth("bob", testPassword)

	alice.send(protocol.EventChannelDelete, protocol.ChannelDeleteRequest{ChannelID: "no-such"})
	ev := alice.expect(protocol.EventError)
	var errPayload protocol.ErrorPayload
	if err := ev.Decode(&errPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errPayload.Reason != "channel not found" {
		t.Errorf("reason = %q", errPayload.Reason)
	}

	// A follow-up mutation proves bob saw no broadcast for the failed delete.
	name := "after"
	alice.send(protocol.EventChannelCreate, protocol.ChannelCreateRequest{Name: name, Type: "TEXT"})
	bob.expect(protocol.EventChannelCreate)
}

func TestSwitchChannel(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	ch, _ := srv.state.CreateChannel("general", model.ChannelText)
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	c.auth("alice", testPassword)

	c.send(protocol.EventSwitchChannel, protocol.SwitchChannelRequest{ChannelID: ch.ID})
	ev := c.expect(protocol.EventChannelSwitched)
	var switched protocol.ChannelSwitched
	if err := ev.Decode(&switched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if switched.ChannelID != ch.ID {
		t.Errorf("switched to %q, want %q", switched.ChannelID, ch.ID)
	}

	c.send(protocol.EventSwitchChannel, protocol.SwitchChannelRequest{ChannelID: "no-such"})
	c.expect(protocol.EventError)
}

func TestVoiceRelayForwardsWithoutEcho(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	addTestUser(t, srv, "bob")
	ch, err := srv.state.CreateChannel("lounge", model.ChannelVoice)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	addr := startControl(t, srv)
	if err := srv.StartVoice(); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}
	relayAddr := srv.voiceConn.LocalAddr().(*net.UDPAddr)

	openUDP := func() *net.UDPConn {
		uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("ListenUDP: %v", err)
		}
		t.Cleanup(func() { _ = uc.Close() })
		return uc
	}

	aliceUDP := openUDP()
	bobUDP := openUDP()

	alice := dialServer(t, addr)
	alice.auth("alice", testPassword)
	bob := dialServer(t, addr)
	bob.auth("bob", testPassword)

	alice.send(protocol.EventVoiceJoin, protocol.VoiceJoinRequest{
		ChannelID: ch.ID,
		UDPPort:   aliceUDP.LocalAddr().(*net.UDPAddr).Port,
	})
	alice.expect(protocol.EventVoiceJoined)
	bob.send(protocol.EventVoiceJoin, protocol.VoiceJoinRequest{
		ChannelID: ch.ID,
		UDPPort:   bobUDP.LocalAddr().(*net.UDPAddr).Port,
	})
	bob.expect(protocol.EventVoiceJoined)

	payload := []byte("opus-frame-1")
	if _, err := aliceUDP.WriteToUDP(payload, relayAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	buf := make([]byte, 256)
	_ = bobUDP.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := bobUDP.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("bob got no relayed datagram: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("relayed payload = %q, want %q", buf[:n], payload)
	}

	// The sender must not hear itself.
	_ = aliceUDP.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, _, err := aliceUDP.ReadFromUDP(buf); err == nil {
		t.Errorf("sender received its own datagram: %q", buf[:n])
	}
}

func TestVoiceJoinTextChannelRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestUser(t, srv, "alice")
	ch, _ := srv.state.CreateChannel("general", model.ChannelText)
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	c.auth("alice", testPassword)
	c.send(protocol.EventVoiceJoin, protocol.VoiceJoinRequest{ChannelID: ch.ID, UDPPort: 40000})
	ev := c.expect(protocol.EventError)
	var errPayload protocol.ErrorPayload
	if err := ev.Decode(&errPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errPayload.Reason != "not a voice channel" {
		t.Errorf("reason = %q", errPayload.Reason)
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceID := addTestUser(t, srv, "alice")
	ch, _ := srv.state.CreateChannel("lounge", model.ChannelVoice)
	addr := startControl(t, srv)

	c := dialServer(t, addr)
	ok := c.auth("alice", testPassword)

	c.send(protocol.EventVoiceJoin, protocol.VoiceJoinRequest{ChannelID: ch.ID, UDPPort: 40001})
	c.expect(protocol.EventVoiceJoined)

	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001}
	if _, registered := srv.state.VoicePeers(src); !registered {
		t.Fatalf("voice participant not registered before disconnect")
	}

	_ = c.conn.Close()

	waitFor(t, "session invalidation", func() bool {
		return srv.sessions.Get(ok.Token) == nil
	})
	waitFor(t, "voice record removal", func() bool {
		_, registered := srv.state.VoicePeers(src)
		return !registered
	})
	waitFor(t, "presence offline", func() bool {
		return srv.sessions.CountForUser(aliceID) == 0
	})
}

func TestSlowConsumerTornDown(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.WriteTimeout = 200 * time.Millisecond
	addTestUser(t, srv, "alice")
	addTestUser(t, srv, "bob")
	addTestUser(t, srv, "mallory")
	ch, err := srv.state.CreateChannel("general", model.ChannelText)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	addr := startControl(t, srv)

	alice := dialServer(t, addr)
	alice.auth("alice", testPassword)
	bob := dialServer(t, addr)
	bob.auth("bob", testPassword)

	// mallory authenticates and then never reads again. Tiny socket
	// buffers on both ends make the server's writes to her back up
	// within a few frames.
	mallory := dialServer(t, addr)
	_ = mallory.conn.(*net.TCPConn).SetReadBuffer(1024)
	malloryAuth := mallory.auth("mallory", testPassword)

	srv.connMu.RLock()
	for _, c := range srv.conns {
		if sess := c.session(); sess != nil && sess.Username == "mallory" {
			_ = c.nc.(*net.TCPConn).SetWriteBuffer(4096)
		}
	}
	srv.connMu.RUnlock()

	const n = 50
	filler := strings.Repeat("x", 4000)
	go func() {
		for i := 0; i < n; i++ {
			_ = protocol.WriteEvent(alice.conn, protocol.EventMessageCreate,
				protocol.MessageCreateRequest{ChannelID: ch.ID, Content: &filler})
		}
	}()
	// Drain alice's own copies so she never becomes the stalled one.
	go func() {
		for {
			if _, err := protocol.ReadEvent(alice.r); err != nil {
				return
			}
		}
	}()

	// The healthy consumer still receives every broadcast.
	for i := 0; i < n; i++ {
		bob.expect(protocol.EventMessageCreate)
	}

	waitFor(t, "slow consumer drop", func() bool {
		return srv.metrics.SlowConsumerDrops.Load() >= 1
	})
	waitFor(t, "stalled session invalidation", func() bool {
		return srv.sessions.Get(malloryAuth.Token) == nil
	})
}

func TestSecondSessionSurvivesFirstDisconnect(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceID := addTestUser(t, srv, "alice")
	addr := startControl(t, srv)

	first := dialServer(t, addr)
	firstAuth := first.auth("alice", testPassword)
	second := dialServer(t, addr)
	secondAuth := second.auth("alice", testPassword)

	if firstAuth.Token == secondAuth.Token {
		t.Fatalf("sessions share a token")
	}
	if got := srv.sessions.CountForUser(aliceID); got != 2 {
		t.Fatalf("CountForUser = %d, want 2", got)
	}

	_ = first.conn.Close()
	waitFor(t, "first session removal", func() bool {
		return srv.sessions.Get(firstAuth.Token) == nil
	})
	if srv.sessions.Get(secondAuth.Token) == nil {
		t.Errorf("second session was invalidated by first disconnect")
	}
}
