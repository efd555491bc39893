// Package engine is the authoritative server core: the session registry,
// the room manager, the auth-token table and the dispatcher that routes
// decoded frames into them. State is process-wide with an explicit
// lifecycle; the engine is constructed at server start and torn down at
// shutdown, never held in package globals.
package engine

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"archive/server/internal/codec"
	"archive/server/internal/conn"
	"archive/server/internal/metrics"
)

// Config carries the tunables injected at server start.
type Config struct {
	// SendOptions are the retransmission defaults applied to every
	// server-originated reliable send.
	SendOptions conn.SendOptions

	// MaxSessions caps concurrently registered sessions; zero means
	// unlimited. Over-limit accepts are refused before a session exists.
	MaxSessions int
}

// Engine owns all realtime state for one server process.
type Engine struct {
	cfg      Config
	registry *registry
	nextID   atomic.Uint64

	// mu guards rooms, tokens and the mutable fields of every Session.
	mu     sync.RWMutex
	rooms  map[string]*room
	tokens map[string]uint64

	// OnAudit, when set, receives session lifecycle events (connect, auth,
	// disconnect). Wired to the persistent store by the caller.
	OnAudit func(connID uint64, event, detail, remoteAddr string)
}

// New returns an empty engine.
func New(cfg Config) *Engine {
	if cfg.SendOptions.Timeout <= 0 {
		cfg.SendOptions.Timeout = conn.DefaultSendOptions.Timeout
	}
	if cfg.SendOptions.MaxRetries <= 0 {
		cfg.SendOptions.MaxRetries = conn.DefaultSendOptions.MaxRetries
	}
	return &Engine{
		cfg:      cfg,
		registry: newRegistry(),
		rooms:    make(map[string]*room),
		tokens:   make(map[string]uint64),
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// ErrServerFull is returned by Accept when the session cap is reached.
var ErrServerFull = errors.New("server full")

// Accept registers a new transport session and returns its connection.
// The caller runs the returned connection's read loop; everything else —
// dispatch, acking, cleanup — is wired here.
func (e *Engine) Accept(tr conn.Transport, remoteAddr string) (*conn.Conn, error) {
	if e.cfg.MaxSessions > 0 && e.registry.count() >= e.cfg.MaxSessions {
		return nil, ErrServerFull
	}

	id := e.nextID.Add(1)
	c := conn.New(id, remoteAddr, tr)
	s := &Session{Conn: c, props: make(map[string]codec.Value)}

	c.OnMessage = func(m *codec.Message, raw []byte) { e.dispatch(s, m, raw) }
	c.OnError = func(err conn.Error) {
		slog.Warn("connection error", "conn_id", id, "kind", err.Kind, "seq", err.Sequence, "err", err.Message)
	}
	c.OnClosed = func() { e.cleanup(s) }

	e.registry.register(s)
	metrics.ActiveSessions.Set(float64(e.registry.count()))
	slog.Info("session accepted", "conn_id", id, "remote", remoteAddr)
	e.audit(id, "connect", "", remoteAddr)
	return c, nil
}

// Lookup returns the session for a connection id.
func (e *Engine) Lookup(id uint64) (*Session, bool) {
	return e.registry.lookup(id)
}

// cleanup runs exactly once per session, on transport close or
// SYSTEM.DISCONNECT: room membership is released (with a leave
// notification), issued tokens are purged and the session is unregistered.
func (e *Engine) cleanup(s *Session) {
	id := s.ID()
	if _, ok := e.registry.unregister(id); !ok {
		return
	}

	e.mu.Lock()
	notify := e.leaveRoomLocked(s)
	for token, connID := range e.tokens {
		if connID == id {
			delete(e.tokens, token)
		}
	}
	e.mu.Unlock()
	notify()

	metrics.ActiveSessions.Set(float64(e.registry.count()))
	slog.Info("session closed", "conn_id", id, "remote", s.Conn.RemoteAddr())
	e.audit(id, "disconnect", "", s.Conn.RemoteAddr())
}

// Shutdown closes every registered session. Each close runs the normal
// cleanup path, so rooms drain and empty out.
func (e *Engine) Shutdown() {
	e.registry.each(func(s *Session) { s.Conn.Close() })
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// dispatch routes one decoded frame. ACK frames never arrive here; the
// connection consumes them. Frames from the same connection arrive in
// receive order.
func (e *Engine) dispatch(s *Session, m *codec.Message, raw []byte) {
	if m.Type == codec.MsgSystem {
		e.handleSystem(s, m)
		return
	}

	if !e.isAuthenticated(s) {
		slog.Debug("frame dropped: unauthenticated",
			"conn_id", s.ID(), "type", m.TypeName(), "op", m.OpName())
		return
	}

	switch m.Type {
	case codec.MsgReliable, codec.MsgUnreliable:
		// The ACK for a reliable frame was already emitted by the
		// connection. Relay verbatim to the sender's room, if any.
		e.relayToRoom(s, raw)
	case codec.MsgRoom:
		e.handleRoom(s, m)
	case codec.MsgEvent:
		e.handleEvent(s, m, raw)
	case codec.MsgPing:
		e.replyTo(s, codec.MsgPing, codec.OpPing, codec.NewParams(
			codec.Param{Code: codec.ParamTimestamp, Value: now()},
		))
	case codec.MsgFragment:
		// Reserved. Payloads that need fragmentation are rejected at the
		// sender; inbound fragments are dropped.
		slog.Warn("fragment frame dropped", "conn_id", s.ID(), "op", m.Op)
	default:
		e.catchAll(s, m)
	}
}

// catchAll absorbs structurally valid frames the dispatcher has no policy
// for: unknown opcodes in a known namespace and unknown message types.
func (e *Engine) catchAll(s *Session, m *codec.Message) {
	slog.Warn("unhandled frame",
		"conn_id", s.ID(),
		"type", m.TypeName(), "type_byte", byte(m.Type),
		"op", m.OpName(), "op_byte", m.Op)
}

func (e *Engine) isAuthenticated(s *Session) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return s.authenticated
}

// ---------------------------------------------------------------------------
// SYSTEM
// ---------------------------------------------------------------------------

func (e *Engine) handleSystem(s *Session, m *codec.Message) {
	switch m.Op {
	case codec.OpSysConnect:
		e.handleConnect(s)
	case codec.OpSysAuth:
		e.handleAuth(s, m)
	case codec.OpSysDisconnect:
		slog.Info("client requested disconnect", "conn_id", s.ID())
		s.Conn.Close()
	case codec.OpSysHeartbeat:
		e.replyTo(s, codec.MsgSystem, codec.OpSysHeartbeat, codec.NewParams(
			codec.Param{Code: codec.ParamTimestamp, Value: now()},
		))
	default:
		e.catchAll(s, m)
	}
}

// handleConnect mints a one-shot auth token and hands it to the client in
// a SYSTEM.AUTH challenge.
func (e *Engine) handleConnect(s *Session) {
	token, err := mintToken()
	if err != nil {
		slog.Error("mint token", "conn_id", s.ID(), "err", err)
		return
	}

	e.mu.Lock()
	e.tokens[token] = s.ID()
	e.mu.Unlock()

	e.replyTo(s, codec.MsgSystem, codec.OpSysAuth, codec.NewParams(
		codec.Param{Code: codec.ParamPlayerID, Value: intValue(int64(s.ID()))},
		codec.Param{Code: codec.ParamTimestamp, Value: now()},
		codec.Param{Code: codec.ParamProperties, Value: codec.String(token)},
	))
	slog.Debug("auth token issued", "conn_id", s.ID())
}

// handleAuth verifies the echoed token. On success the session becomes
// authenticated under the claimed player id (falling back to the connection
// id); on failure it stays unauthenticated and learns nothing beyond a
// false reply.
func (e *Engine) handleAuth(s *Session, m *codec.Message) {
	var token string
	if v, ok := m.Params.Get(codec.ParamProperties); ok {
		if str, ok := v.(codec.String); ok {
			token = string(str)
		}
	}

	id := s.ID()
	e.mu.Lock()
	owner, known := e.tokens[token]
	ok := known && owner == id
	if ok {
		delete(e.tokens, token)
		s.authenticated = true
		if claimed, has := m.Params.Int64(codec.ParamPlayerID); has {
			s.playerID = claimed
		} else {
			s.playerID = int64(id)
		}
	}
	playerID := s.playerID
	e.mu.Unlock()

	if !ok {
		slog.Warn("auth rejected", "conn_id", id)
		e.replyTo(s, codec.MsgSystem, codec.OpSysAuth, codec.NewParams(
			codec.Param{Code: codec.ParamTimestamp, Value: now()},
			codec.Param{Code: codec.ParamProperties, Value: codec.Bool(false)},
		))
		return
	}

	slog.Info("session authenticated", "conn_id", id, "player_id", playerID)
	e.audit(id, "auth", fmt.Sprintf("player %d", playerID), s.Conn.RemoteAddr())
	e.replyTo(s, codec.MsgSystem, codec.OpSysAuth, codec.NewParams(
		codec.Param{Code: codec.ParamPlayerID, Value: intValue(playerID)},
		codec.Param{Code: codec.ParamTimestamp, Value: now()},
		codec.Param{Code: codec.ParamProperties, Value: codec.Bool(true)},
	))
}

// ---------------------------------------------------------------------------
// ROOM
// ---------------------------------------------------------------------------

func (e *Engine) handleRoom(s *Session, m *codec.Message) {
	switch m.Op {
	case codec.OpRoomCreate:
		roomID := stringParam(m, codec.ParamRoomID)
		if err := e.CreateRoom(s, roomID); err != nil {
			slog.Debug("room create failed", "conn_id", s.ID(), "room_id", roomID, "err", err)
			e.replyRoomResult(s, m.Op, roomID, false)
			return
		}
		e.replyRoomResult(s, m.Op, roomID, true)
	case codec.OpRoomJoin:
		roomID := stringParam(m, codec.ParamRoomID)
		if err := e.JoinRoom(s, roomID); err != nil {
			slog.Debug("room join failed", "conn_id", s.ID(), "room_id", roomID, "err", err)
			e.replyRoomResult(s, m.Op, roomID, false)
			return
		}
		e.replyRoomResult(s, m.Op, roomID, true)
	case codec.OpRoomLeave:
		roomID, err := e.LeaveRoom(s)
		if err != nil {
			e.replyRoomResult(s, m.Op, "", false)
			return
		}
		e.replyRoomResult(s, m.Op, roomID, true)
	case codec.OpRoomList:
		// JSON inside a BYTE_ARRAY, for compatibility with deployed peers.
		data, err := json.Marshal(e.RoomIDs())
		if err != nil {
			slog.Error("marshal room list", "err", err)
			return
		}
		e.replyTo(s, codec.MsgRoom, codec.OpRoomList, codec.NewParams(
			codec.Param{Code: codec.ParamProperties, Value: codec.ByteArray(data)},
		))
	case codec.OpRoomProperties:
		updates, _ := m.Params.Get(codec.ParamProperties)
		dict, ok := updates.(codec.Dictionary)
		if !ok {
			e.replyRoomResult(s, m.Op, "", false)
			return
		}
		roomID := stringParam(m, codec.ParamRoomID)
		if roomID == "" {
			e.mu.RLock()
			roomID = s.roomID
			e.mu.RUnlock()
		}
		if err := e.SetRoomProperties(roomID, dict); err != nil {
			slog.Debug("room properties failed", "conn_id", s.ID(), "room_id", roomID, "err", err)
			e.replyRoomResult(s, m.Op, roomID, false)
		}
	default:
		e.catchAll(s, m)
	}
}

// replyRoomResult sends the positive/negative outcome of a room operation
// back to the requester.
func (e *Engine) replyRoomResult(s *Session, op byte, roomID string, ok bool) {
	params := codec.Params{}
	if roomID != "" {
		params.Set(codec.ParamRoomID, codec.String(roomID))
	}
	params.Set(codec.ParamProperties, codec.Bool(ok))
	e.replyTo(s, codec.MsgRoom, op, params)
}

// CreateRoom creates roomID and joins the owner atomically. A session that
// creates a room while in another room leaves the old room first.
func (e *Engine) CreateRoom(s *Session, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrEmptyRoomID
	}

	e.mu.Lock()
	if _, exists := e.rooms[roomID]; exists {
		e.mu.Unlock()
		return ErrRoomExists
	}
	notifyLeave := e.leaveRoomLocked(s)
	r := &room{
		id:      roomID,
		members: map[uint64]struct{}{s.ID(): {}},
		props:   make(map[string]codec.Value),
	}
	e.rooms[roomID] = r
	s.roomID = roomID
	roomCount := len(e.rooms)
	e.mu.Unlock()
	notifyLeave()

	metrics.ActiveRooms.Set(float64(roomCount))
	slog.Info("room created", "room_id", roomID, "owner", s.ID())
	return nil
}

// JoinRoom adds the session to roomID, leaving any previous room first
// (with a leave notification to its remaining members). The joining
// session's arrival is announced to the existing members.
func (e *Engine) JoinRoom(s *Session, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrEmptyRoomID
	}

	e.mu.Lock()
	r, exists := e.rooms[roomID]
	if !exists {
		e.mu.Unlock()
		return ErrRoomNotFound
	}
	notifyLeave := e.leaveRoomLocked(s)
	r.members[s.ID()] = struct{}{}
	s.roomID = roomID
	playerID := s.playerID
	targets := e.memberConnsLocked(r, s.ID())
	e.mu.Unlock()
	notifyLeave()

	e.notify(targets, codec.MsgRoom, codec.OpRoomJoin, codec.NewParams(
		codec.Param{Code: codec.ParamPlayerID, Value: intValue(playerID)},
		codec.Param{Code: codec.ParamRoomID, Value: codec.String(roomID)},
	))
	slog.Info("room joined", "room_id", roomID, "conn_id", s.ID())
	return nil
}

// LeaveRoom removes the session from its current room and returns the room
// id it left.
func (e *Engine) LeaveRoom(s *Session) (string, error) {
	e.mu.Lock()
	roomID := s.roomID
	notify := e.leaveRoomLocked(s)
	e.mu.Unlock()
	notify()

	if roomID == "" {
		return "", ErrNotInRoom
	}
	slog.Info("room left", "room_id", roomID, "conn_id", s.ID())
	return roomID, nil
}

// leaveRoomLocked detaches s from its current room under e.mu and returns
// a function that emits the leave notification after the lock is released.
// The room is deleted the moment its member set empties.
func (e *Engine) leaveRoomLocked(s *Session) func() {
	if s.roomID == "" {
		return func() {}
	}
	roomID := s.roomID
	s.roomID = ""
	r, ok := e.rooms[roomID]
	if !ok {
		return func() {}
	}
	delete(r.members, s.ID())
	if len(r.members) == 0 {
		delete(e.rooms, roomID)
		roomCount := len(e.rooms)
		slog.Info("room destroyed", "room_id", roomID)
		return func() { metrics.ActiveRooms.Set(float64(roomCount)) }
	}

	playerID := s.playerID
	targets := e.memberConnsLocked(r, s.ID())
	return func() {
		e.notify(targets, codec.MsgRoom, codec.OpRoomLeave, codec.NewParams(
			codec.Param{Code: codec.ParamPlayerID, Value: intValue(playerID)},
			codec.Param{Code: codec.ParamRoomID, Value: codec.String(roomID)},
		))
	}
}

// SetRoomProperties shallow-merges updates into the room's bag and
// broadcasts the full resulting bag to every member.
func (e *Engine) SetRoomProperties(roomID string, updates codec.Dictionary) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrEmptyRoomID
	}

	e.mu.Lock()
	r, exists := e.rooms[roomID]
	if !exists {
		e.mu.Unlock()
		return ErrRoomNotFound
	}
	r.mergeProperties(updates)
	bag := r.propertyBag()
	targets := e.memberConnsLocked(r, 0)
	e.mu.Unlock()

	e.notify(targets, codec.MsgRoom, codec.OpRoomProperties, codec.NewParams(
		codec.Param{Code: codec.ParamRoomID, Value: codec.String(roomID)},
		codec.Param{Code: codec.ParamProperties, Value: bag},
	))
	slog.Debug("room properties updated", "room_id", roomID, "keys", len(updates))
	return nil
}

// RoomIDs returns a sorted snapshot of live room ids.
func (e *Engine) RoomIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// EVENT / relay
// ---------------------------------------------------------------------------

// handleEvent relays an event frame to the sender's room. Events are only
// meaningful inside a room; a roomless sender is logged and dropped.
func (e *Engine) handleEvent(s *Session, m *codec.Message, raw []byte) {
	e.mu.RLock()
	roomID := s.roomID
	e.mu.RUnlock()
	if roomID == "" {
		slog.Debug("event dropped: no room", "conn_id", s.ID(), "op", m.OpName())
		return
	}
	e.Broadcast(roomID, raw, s.ID())
}

// relayToRoom forwards a frame verbatim to the sender's room, if any.
func (e *Engine) relayToRoom(s *Session, raw []byte) {
	e.mu.RLock()
	roomID := s.roomID
	e.mu.RUnlock()
	if roomID == "" {
		return
	}
	e.Broadcast(roomID, raw, s.ID())
}

// Broadcast sends the same encoded bytes to every member of roomID except
// excludeConnID. Frames are never re-encoded on the relay path; the
// original bytes (and their CRC) are forwarded as-is.
func (e *Engine) Broadcast(roomID string, frame []byte, excludeConnID uint64) {
	e.mu.RLock()
	r, exists := e.rooms[roomID]
	if !exists {
		e.mu.RUnlock()
		return
	}
	targets := e.memberConnsLocked(r, excludeConnID)
	e.mu.RUnlock()

	metrics.Broadcasts.Inc()
	for _, c := range targets {
		if err := c.Send(frame, e.cfg.SendOptions); err != nil {
			slog.Debug("broadcast send", "room_id", roomID, "conn_id", c.ID(), "err", err)
		}
	}
}

// memberConnsLocked resolves a room's member connections, skipping exclude.
// Callers hold e.mu.
func (e *Engine) memberConnsLocked(r *room, exclude uint64) []*conn.Conn {
	out := make([]*conn.Conn, 0, len(r.members))
	for id := range r.members {
		if id == exclude {
			continue
		}
		if member, ok := e.registry.lookup(id); ok {
			out = append(out, member.Conn)
		}
	}
	return out
}

// notify encodes one server-originated frame and delivers the same bytes
// to every target.
func (e *Engine) notify(targets []*conn.Conn, t codec.MsgType, op byte, params codec.Params) {
	if len(targets) == 0 {
		return
	}
	frame, err := codec.Encode(t, op, params)
	if err != nil {
		slog.Error("encode notification", "type", t.Name(), "op", op, "err", err)
		return
	}
	for _, c := range targets {
		if err := c.Send(frame, e.cfg.SendOptions); err != nil {
			slog.Debug("notify send", "conn_id", c.ID(), "err", err)
		}
	}
}

// replyTo encodes and sends one frame to a single session.
func (e *Engine) replyTo(s *Session, t codec.MsgType, op byte, params codec.Params) {
	frame, err := codec.Encode(t, op, params)
	if err != nil {
		slog.Error("encode reply", "type", t.Name(), "op", op, "err", err)
		return
	}
	if err := s.Conn.Send(frame, e.cfg.SendOptions); err != nil {
		slog.Debug("reply send", "conn_id", s.ID(), "err", err)
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Rooms returns a snapshot of all live rooms, sorted by id.
func (e *Engine) Rooms() []RoomInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RoomInfo, 0, len(e.rooms))
	for _, r := range e.rooms {
		out = append(out, RoomInfo{ID: r.id, Members: len(r.members), Properties: len(r.props)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns a snapshot of all registered sessions, in id order.
func (e *Engine) Sessions() []SessionInfo {
	var out []SessionInfo
	e.registry.each(func(s *Session) {
		e.mu.RLock()
		info := SessionInfo{
			ID:            s.ID(),
			RemoteAddr:    s.Conn.RemoteAddr(),
			Authenticated: s.authenticated,
			PlayerID:      s.playerID,
			RoomID:        s.roomID,
			Pending:       s.Conn.PendingCount(),
		}
		e.mu.RUnlock()
		out = append(out, info)
	})
	return out
}

// SessionCount returns the number of registered sessions.
func (e *Engine) SessionCount() int { return e.registry.count() }

// RoomCount returns the number of live rooms.
func (e *Engine) RoomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rooms)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) audit(connID uint64, event, detail, remoteAddr string) {
	if e.OnAudit != nil {
		e.OnAudit(connID, event, detail, remoteAddr)
	}
}

// mintToken returns a 128-bit random token as 32 hex characters.
func mintToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

func now() codec.Value {
	return codec.Long(time.Now().UnixMilli())
}

// intValue encodes an integer as INT when it fits, LONG otherwise.
func intValue(n int64) codec.Value {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return codec.Int(n)
	}
	return codec.Long(n)
}

func stringParam(m *codec.Message, code byte) string {
	v, ok := m.Params.Get(code)
	if !ok {
		return ""
	}
	if s, ok := v.(codec.String); ok {
		return string(s)
	}
	return ""
}
