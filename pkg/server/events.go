package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/parley-chat/parley/pkg/crypto"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/state"
)

// authFailedReason is deliberately the same for unknown users and wrong
// passwords so the reply does not leak which usernames exist.
const authFailedReason = "invalid credentials"

// handleEvent dispatches one decoded frame. AUTH is the only event an
// unauthenticated connection may send; everything else is answered with
// an ERROR and the connection stays open.
func (s *Server) handleEvent(c *conn, ev *protocol.Event) {
	if ev.Event == protocol.EventAuth {
		s.handleAuth(c, ev)
		return
	}

	sess := c.session()
	if sess == nil {
		s.reject(c, "not authenticated")
		return
	}

	switch ev.Event {
	case protocol.EventSwitchChannel:
		s.handleSwitchChannel(c, ev)
	case protocol.EventChannelCreate:
		s.handleChannelCreate(c, sess, ev)
	case protocol.EventChannelUpdate:
		s.handleChannelUpdate(c, sess, ev)
	case protocol.EventChannelDelete:
		s.handleChannelDelete(c, sess, ev)
	case protocol.EventMessageCreate:
		s.handleMessageCreate(c, sess, ev)
	case protocol.EventMessageEdit:
		s.handleMessageEdit(c, sess, ev)
	case protocol.EventMessageDelete:
		s.handleMessageDelete(c, sess, ev)
	case protocol.EventMessageReact:
		s.handleReaction(c, sess, ev, true)
	case protocol.EventMessageUnreact:
		s.handleReaction(c, sess, ev, false)
	case protocol.EventVoiceJoin:
		s.handleVoiceJoin(c, sess, ev)
	case protocol.EventVoiceLeave:
		s.handleVoiceLeave(c, sess, ev)
	default:
		s.reject(c, fmt.Sprintf("unknown event %q", ev.Event))
	}
}

// reject answers a frame with an ERROR reply to the sender only.
func (s *Server) reject(c *conn, reason string) {
	s.metrics.EventsRejected.Add(1)
	c.sendError(reason)
}

func (s *Server) handleAuth(c *conn, ev *protocol.Event) {
	if c.session() != nil {
		s.reject(c, "already authenticated")
		return
	}

	var req protocol.AuthRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}

	userID, hash, ok := s.state.Credentials(req.Username)
	if ok {
		match, err := crypto.VerifyPassword(req.Password, hash)
		if err != nil {
			slog.Warn("unverifiable password hash", "username", req.Username, "err", err)
		}
		ok = err == nil && match
	}
	if !ok {
		s.metrics.FailedAuths.Add(1)
		slog.Info("auth failed", "username", req.Username, "conn", c.id)
		c.send(protocol.EventAuthFailed, protocol.AuthFailed{Reason: authFailedReason})
		return
	}

	sess, err := s.sessions.Create(userID, req.Username)
	if err != nil {
		slog.Error("create session", "err", err)
		c.send(protocol.EventAuthFailed, protocol.AuthFailed{Reason: "internal error"})
		return
	}

	// Holding fanoutMu from the moment the conn becomes a broadcast target
	// until the snapshot is sent means the client misses no mutation and
	// sees no duplicate: every later broadcast reflects a mutation ordered
	// after this snapshot.
	s.fanoutMu.Lock()
	c.setSession(sess)
	s.state.SetPresence(userID, model.PresenceOnline)
	channels := s.state.Snapshot()
	snap := make([]protocol.ChannelSnapshot, len(channels))
	for i, ch := range channels {
		snap[i] = protocol.SnapshotChannel(ch)
	}
	err = c.deliver(protocol.EventAuthSuccess, protocol.AuthSuccess{
		Token:    sess.Token,
		UserID:   userID,
		Channels: snap,
	})
	if err != nil {
		// The client never saw the snapshot, so the auth did not happen:
		// roll the session back rather than leave it live behind a hung
		// client.
		c.setSession(nil)
		if s.sessions.Remove(sess.Token) {
			s.state.SetPresence(userID, model.PresenceOffline)
		}
		s.fanoutMu.Unlock()
		slog.Error("deliver auth snapshot", "username", req.Username, "conn", c.id, "err", err)
		c.send(protocol.EventAuthFailed, protocol.AuthFailed{Reason: "internal error"})
		return
	}
	s.fanoutMu.Unlock()

	s.metrics.SuccessfulAuths.Add(1)
	slog.Info("auth success", "username", req.Username, "conn", c.id,
		"sessions", s.sessions.CountForUser(userID))
}

func (s *Server) handleSwitchChannel(c *conn, ev *protocol.Event) {
	var req protocol.SwitchChannelRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}

	if _, ok := s.state.Channel(req.ChannelID); !ok {
		s.reject(c, "channel not found")
		return
	}
	c.setActiveChannel(req.ChannelID)
	c.send(protocol.EventChannelSwitched, protocol.ChannelSwitched{ChannelID: req.ChannelID})
}

func (s *Server) handleChannelCreate(c *conn, sess *Session, ev *protocol.Event) {
	var req protocol.ChannelCreateRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	if !s.state.HasPermission(sess.UserID, model.PermManageServer) {
		s.reject(c, "permission denied")
		return
	}
	chType, err := model.ParseChannelType(req.Type)
	if err != nil {
		s.reject(c, "unknown channel type")
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	ch, err := s.state.CreateChannel(req.Name, chType)
	if err != nil {
		s.reject(c, reasonFor(err))
		return
	}
	s.persistChannel(&ch)
	s.metrics.ChannelsCreated.Add(1)
	slog.Info("channel created", "channel", ch.ID, "name", ch.Name,
		"type", ch.Type, "by", sess.Username)
	s.Broadcast(protocol.EventChannelCreate, protocol.ChannelCreated{
		ID:   ch.ID,
		Name: ch.Name,
		Type: ch.Type.String(),
	})
}

func (s *Server) handleChannelUpdate(c *conn, sess *Session, ev *protocol.Event) {
	var req protocol.ChannelUpdateRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	if !s.state.HasPermission(sess.UserID, model.PermManageServer) {
		s.reject(c, "permission denied")
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	ch, err := s.state.RenameChannel(req.ChannelID, req.Name)
	if err != nil {
		s.reject(c, reasonFor(err))
		return
	}
	s.persistChannel(&ch)
	slog.Info("channel renamed", "channel", ch.ID, "name", ch.Name, "by", sess.Username)
	s.Broadcast(protocol.EventChannelUpdate, protocol.ChannelUpdated{
		ChannelID: ch.ID,
		Name:      ch.Name,
	})
}

func (s *Server) handleChannelDelete(c *conn, sess *Session, ev *protocol.Event) {
	var req protocol.ChannelDeleteRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	if !s.state.HasPermission(sess.UserID, model.PermManageServer) {
		s.reject(c, "permission denied")
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	if err := s.state.DeleteChannel(req.ChannelID); err != nil {
		s.reject(c, reasonFor(err))
		return
	}
	if err := s.store.DeleteChannel(req.ChannelID); err != nil {
		slog.Error("persist channel delete", "channel", req.ChannelID, "err", err)
	}
	s.metrics.ChannelsDeleted.Add(1)
	slog.Info("channel deleted", "channel", req.ChannelID, "by", sess.Username)
	s.Broadcast(protocol.EventChannelDelete, protocol.ChannelDeleted{ChannelID: req.ChannelID})
}

func (s *Server) handleMessageCreate(c *conn, sess *Session, ev *protocol.Event) {
	var req protocol.MessageCreateRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	if req.Content == nil {
		s.reject(c, "content required")
		return
	}
	if !s.state.HasPermission(sess.UserID, model.PermSendMessage) {
		s.reject(c, "permission denied")
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	msg, err := s.state.AppendMessage(req.ChannelID, sess.UserID, *req.Content)
	if err != nil {
		s.reject(c, reasonFor(err))
		return
	}
	s.persistMessage(req.ChannelID, &msg)
	s.metrics.MessagesCreated.Add(1)
	s.Broadcast(protocol.EventMessageCreate, protocol.MessageCreated{
		ChannelID: req.ChannelID,
		Message:   protocol.SnapshotMessage(msg),
	})
}

func (s *Server) handleMessageEdit(c *conn, sess *Session, ev *protocol.Event) {
	var req protocol.MessageEditRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	if !s.state.HasPermission(sess.UserID, model.PermManageMessages) {
		s.reject(c, "permission denied")
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	msg, err := s.state.EditMessage(req.ChannelID, req.MessageID, req.Content)
	if err != nil {
		s.reject(c, reasonFor(err))
		return
	}
	s.persistMessage(req.ChannelID, &msg)
	s.metrics.MessagesEdited.Add(1)
	s.Broadcast(protocol.EventMessageEdit, protocol.MessageEdited{
		ChannelID: req.ChannelID,
		MessageID: msg.ID,
		Content:   msg.Content,
	})
}

func (s *Server) handleMessageDelete(c *conn, sess *Session, ev *protocol.Event) {
	var req protocol.MessageDeleteRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	if !s.state.HasPermission(sess.UserID, model.PermManageMessages) {
		s.reject(c, "permission denied")
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	msg, err := s.state.SoftDeleteMessage(req.ChannelID, req.MessageID)
	if err != nil {
		s.reject(c, reasonFor(err))
		return
	}
	s.persistMessage(req.ChannelID, &msg)
	s.metrics.MessagesDeleted.Add(1)
	s.Broadcast(protocol.EventMessageDelete, protocol.MessageDeleted{
		ChannelID: req.ChannelID,
		MessageID: msg.ID,
	})
}

func (s *Server) handleReaction(c *conn, sess *Session, ev *protocol.Event, add bool) {
	var req protocol.ReactionRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	if req.Emoji == "" {
		s.reject(c, "emoji required")
		return
	}
	if !s.state.HasPermission(sess.UserID, model.PermSendMessage) {
		s.reject(c, "permission denied")
		return
	}

	s.fanoutMu.Lock()
	defer s.fanoutMu.Unlock()

	var (
		msg  model.Message
		err  error
		kind string
	)
	if add {
		msg, err = s.state.AddReaction(req.ChannelID, req.MessageID, sess.UserID, req.Emoji)
		kind = protocol.EventMessageReact
	} else {
		var removed bool
		msg, removed, err = s.state.RemoveReaction(req.ChannelID, req.MessageID, sess.UserID, req.Emoji)
		kind = protocol.EventMessageUnreact
		if err == nil && !removed {
			// Nothing changed: no persist, no broadcast.
			return
		}
	}
	if err != nil {
		s.reject(c, reasonFor(err))
		return
	}
	s.persistMessage(req.ChannelID, &msg)
	s.metrics.ReactionEvents.Add(1)
	s.Broadcast(kind, protocol.ReactionChanged{
		ChannelID: req.ChannelID,
		MessageID: msg.ID,
		UserID:    sess.UserID,
		Emoji:     req.Emoji,
	})
}

func (s *Server) handleVoiceJoin(c *conn, sess *Session, ev *protocol.Event) {
	var req protocol.VoiceJoinRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	if req.UDPPort < 1 || req.UDPPort > 65535 {
		s.reject(c, "invalid udp port")
		return
	}
	if !s.state.HasPermission(sess.UserID, model.PermSpeak) {
		s.reject(c, "permission denied")
		return
	}
	ch, ok := s.state.Channel(req.ChannelID)
	if !ok {
		s.reject(c, "channel not found")
		return
	}
	if ch.Type != model.ChannelVoice {
		s.reject(c, "not a voice channel")
		return
	}

	ip := c.peerIP()
	if ip == nil {
		s.reject(c, "voice unavailable on this transport")
		return
	}
	// The datagram source is the TCP peer's IP with the client's declared
	// port; the port alone is never trusted to identify a participant.
	addr := &net.UDPAddr{IP: ip, Port: req.UDPPort}

	// JoinVoice moves the user out of any other voice channel in the same
	// step; a failed join leaves the old membership intact.
	if err := s.state.JoinVoice(req.ChannelID, sess.UserID, addr); err != nil {
		s.reject(c, reasonFor(err))
		return
	}
	slog.Info("voice join", "channel", req.ChannelID, "user", sess.Username, "addr", addr)
	c.send(protocol.EventVoiceJoined, protocol.VoiceJoined{ChannelID: req.ChannelID})
}

func (s *Server) handleVoiceLeave(c *conn, sess *Session, ev *protocol.Event) {
	var req protocol.VoiceLeaveRequest
	if err := ev.Decode(&req); err != nil {
		s.reject(c, "malformed event")
		return
	}
	s.state.LeaveVoice(req.ChannelID, sess.UserID)
	slog.Info("voice leave", "channel", req.ChannelID, "user", sess.Username)
}

// persistChannel writes a channel row. Persistence is best effort: the
// in-memory mutation stands and the broadcast proceeds even when the
// write fails.
func (s *Server) persistChannel(ch *model.Channel) {
	if err := s.store.SaveChannel(s.state.CommunityID(), ch); err != nil {
		slog.Error("persist channel", "channel", ch.ID, "err", err)
	}
}

// persistMessage writes a message row, best effort.
func (s *Server) persistMessage(channelID string, msg *model.Message) {
	if err := s.store.SaveMessage(channelID, msg); err != nil {
		slog.Error("persist message", "message", msg.ID, "err", err)
	}
}

// reasonFor maps state and model errors to client-facing ERROR reasons.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, state.ErrChannelNotFound):
		return "channel not found"
	case errors.Is(err, state.ErrMessageNotFound):
		return "message not found"
	case errors.Is(err, model.ErrMessageDeleted):
		return "message is deleted"
	case errors.Is(err, model.ErrMessageTooLong):
		return "message too long"
	case errors.Is(err, model.ErrChannelNameEmpty), errors.Is(err, model.ErrChannelNameTooLong):
		return "invalid channel name"
	default:
		return err.Error()
	}
}
