package transport

import (
	"context"
	"net/http"
	"sync"

	sio "github.com/zishang520/socket.io/v2/socket"

	"github.com/rotoshake/imagecanvas/internal/ctxlog"
	"github.com/rotoshake/imagecanvas/internal/state"
)

// conn is one connected client as the event handlers see it. The socket.io
// socket satisfies it through socketConn; tests substitute a fake.
type conn interface {
	ID() string
	// Emit sends an event to this client only.
	Emit(event string, data any)
	// Broadcast sends an event to every other member of the room.
	Broadcast(room, event string, data any)
	Join(room string)
	Leave(room string)
}

// session is the project/user binding a join established for one socket.
type session struct {
	projectID string
	userID    string
}

// Server is the socket.io adapter in front of the state manager. It owns no
// canvas semantics: every event handler decodes, delegates, and answers.
type Server struct {
	state *state.Manager
	io    *sio.Server

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer wires a socket.io server around the given state manager. Mount
// Handler() under /socket.io/.
func NewServer(ctx context.Context, st *state.Manager) *Server {
	s := &Server{
		state:    st,
		sessions: make(map[string]*session),
	}
	io := sio.NewServer(nil, nil)
	io.On("connection", func(clients ...any) {
		client := clients[0].(*sio.Socket)
		s.attach(ctx, client)
	})
	s.io = io
	return s
}

// Handler returns the HTTP handler serving the socket.io endpoint.
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

// Close shuts the socket.io server down.
func (s *Server) Close() {
	s.io.Close(nil)
}

func (s *Server) attach(ctx context.Context, client *sio.Socket) {
	c := &socketConn{client: client}
	logger := ctxlog.FromContext(ctx).With("sid", c.ID())
	logger.Debug("Client connected.")

	client.On("disconnect", func(...any) {
		s.dropSession(c.ID())
		logger.Debug("Client disconnected.")
	})
	client.On(EventJoinProject, func(args ...any) {
		s.handleJoin(ctx, c, payloadOf(args))
	})
	client.On(EventLeaveProject, func(args ...any) {
		s.handleLeave(ctx, c)
	})
	client.On(EventCanvasOperation, func(args ...any) {
		s.handleOperation(ctx, c, payloadOf(args))
	})
	client.On(EventUndoOperation, func(args ...any) {
		s.handleRevert(ctx, c, "undo")
	})
	client.On(EventRedoOperation, func(args ...any) {
		s.handleRevert(ctx, c, "redo")
	})
	client.On(EventRequestFullSync, func(args ...any) {
		s.handleFullSync(ctx, c)
	})
}

// payloadOf extracts the request object from a socket.io event argument list.
func payloadOf(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m, _ := args[0].(map[string]any)
	return m
}

func (s *Server) session(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) handleJoin(ctx context.Context, c conn, payload map[string]any) {
	projectID := stringField(payload, "projectId")
	userID := stringField(payload, "userId")
	if projectID == "" || userID == "" {
		c.Emit(EventProjectJoined, map[string]any{
			"success": false,
			"error":   "projectId and userId are required",
		})
		return
	}

	s.mu.Lock()
	prev := s.sessions[c.ID()]
	s.sessions[c.ID()] = &session{projectID: projectID, userID: userID}
	s.mu.Unlock()
	if prev != nil && prev.projectID != projectID {
		c.Leave(prev.projectID)
	}
	c.Join(projectID)

	version, err := s.state.Version(ctx, projectID)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Failed to load project for join.", "projectID", projectID, "error", err)
		c.Emit(EventProjectJoined, map[string]any{"success": false, "error": "failed to load project"})
		return
	}
	ctxlog.FromContext(ctx).Info("Client joined project.", "sid", c.ID(), "projectID", projectID, "userID", userID)
	c.Emit(EventProjectJoined, map[string]any{
		"success":   true,
		"projectId": projectID,
		"userId":    userID,
		"version":   version,
	})
}

func (s *Server) handleLeave(ctx context.Context, c conn) {
	sess := s.session(c.ID())
	if sess == nil {
		c.Emit(EventProjectLeft, map[string]any{"success": false, "error": "not in a project"})
		return
	}
	c.Leave(sess.projectID)
	s.dropSession(c.ID())
	ctxlog.FromContext(ctx).Info("Client left project.", "sid", c.ID(), "projectID", sess.projectID)
	c.Emit(EventProjectLeft, map[string]any{"success": true, "projectId": sess.projectID})
}

func (s *Server) handleOperation(ctx context.Context, c conn, payload map[string]any) {
	sess := s.session(c.ID())
	if sess == nil {
		c.Emit(EventOperationAck, map[string]any{"success": false, "error": "join a project first"})
		return
	}
	o, err := DecodeOperation(payload["operation"])
	if err != nil {
		c.Emit(EventOperationAck, map[string]any{"success": false, "error": err.Error()})
		return
	}

	res := s.state.ExecuteOperation(ctx, sess.projectID, o, sess.userID)
	ack := map[string]any{
		"operationId":  o.ID,
		"success":      res.Success,
		"stateVersion": res.StateVersion,
	}
	if res.Err != nil {
		ack["error"] = res.Err.Error()
	}
	c.Emit(EventOperationAck, ack)

	if res.Success {
		c.Broadcast(sess.projectID, EventCanvasOperation, map[string]any{
			"operation":    EncodeOperation(o),
			"userId":       sess.userID,
			"stateVersion": res.StateVersion,
			"changes":      res.Changes,
		})
	}
}

// handleRevert serves undo_operation and redo_operation. The requester gets
// an executed/failed response; everyone else in the room gets the resulting
// state delta.
func (s *Server) handleRevert(ctx context.Context, c conn, verb string) {
	okEvent, failEvent := EventUndoExecuted, EventUndoFailed
	revert := s.state.Undo
	if verb == "redo" {
		okEvent, failEvent = EventRedoExecuted, EventRedoFailed
		revert = s.state.Redo
	}

	sess := s.session(c.ID())
	if sess == nil {
		c.Emit(failEvent, map[string]any{"reason": "join a project first"})
		return
	}

	res, err := revert(ctx, sess.projectID, sess.userID)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Revert failed internally.", "verb", verb, "projectID", sess.projectID, "error", err)
		c.Emit(failEvent, map[string]any{"reason": "internal error"})
		return
	}
	if !res.Success {
		c.Emit(failEvent, map[string]any{"reason": res.Reason})
		return
	}

	c.Emit(okEvent, map[string]any{
		"stateVersion": res.StateVersion,
		"changes":      res.Changes,
	})
	c.Broadcast(sess.projectID, EventStateUpdate, map[string]any{
		"userId":       sess.userID,
		"stateVersion": res.StateVersion,
		"changes":      res.Changes,
		"cause":        verb,
	})
}

func (s *Server) handleFullSync(ctx context.Context, c conn) {
	sess := s.session(c.ID())
	if sess == nil {
		c.Emit(EventFullStateSync, map[string]any{"success": false, "error": "join a project first"})
		return
	}
	nodes, version, err := s.state.FullState(ctx, sess.projectID)
	if err != nil {
		c.Emit(EventFullStateSync, map[string]any{"success": false, "error": "failed to load project"})
		return
	}
	c.Emit(EventFullStateSync, map[string]any{
		"success":   true,
		"projectId": sess.projectID,
		"version":   version,
		"nodes":     nodes,
	})
}

// socketConn adapts a socket.io socket to the conn interface.
type socketConn struct {
	client *sio.Socket
}

func (s *socketConn) ID() string { return string(s.client.Id()) }

func (s *socketConn) Emit(event string, data any) {
	if err := s.client.Emit(event, data); err != nil {
		ctxlog.FromContext(context.Background()).Warn("Failed to emit event.", "event", event, "error", err)
	}
}

func (s *socketConn) Broadcast(room, event string, data any) {
	s.client.To(sio.Room(room)).Emit(event, data)
}

func (s *socketConn) Join(room string) {
	s.client.Join(sio.Room(room))
}

func (s *socketConn) Leave(room string) {
	s.client.Leave(sio.Room(room))
}
