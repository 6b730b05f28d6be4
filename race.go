// Tapdash race transport
//
// Each client holds one WebSocket and one identity cookie. Over the
// socket it invokes the room operations (create, join, tap, start,
// reset, leave); back over the same socket it receives every committed
// room snapshot, pushed by its store subscription. The socket layer
// never computes game state itself — it renders whatever the room
// document says, and the engine behind the store is the only writer.
//
// Features:
// - Single WebSocket endpoint: /ws
// - Players identified by cookie (uuid), minted on the landing page
// - Snapshot push after every committed write, latest-wins under load
// - Disconnected players are removed from their room after a grace
//   period, transferring the host role if needed
// - In-browser QR button to share a room join URL, backed by go-qrcode

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"tapdash/race"
	"tapdash/room"
)

// Messages coming from clients
type ClientMessage struct {
	Type   string `json:"type"`             // "create", "join", "tap", "start", "reset", "leave"
	Name   string `json:"name,omitempty"`   // create / join
	Code   string `json:"code,omitempty"`   // join
	Avatar int    `json:"avatar,omitempty"` // create / join: palette index
}

// RoomMessage carries one committed snapshot.
type RoomMessage struct {
	Type string     `json:"type"` // "room"
	Room *room.Room `json:"room"`
}

// JoinedMessage acknowledges create/join with the normalized code.
type JoinedMessage struct {
	Type string `json:"type"` // "joined"
	Code string `json:"code"`
}

// SimpleMessage is for generic notifications ("left", "room_closed").
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ErrorMessage surfaces a typed operation failure for the UI to render.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Client struct {
	conn     *websocket.Conn
	playerID string

	mu      sync.Mutex // guards session
	session *race.Session

	sendMu sync.Mutex // guards send and closed
	send   chan any
	closed bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "tapdash_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// raceServer bridges sockets to the engine and tracks which identities
// are currently connected per room, so departures can be scheduled when
// a socket drops without an explicit leave.
type raceServer struct {
	cfg *Config
	mgr *race.Manager

	mu      sync.Mutex
	present map[string]map[string]int // code -> playerID -> live sockets
}

func newRaceServer(cfg *Config, mgr *race.Manager) *raceServer {
	return &raceServer{
		cfg:     cfg,
		mgr:     mgr,
		present: make(map[string]map[string]int),
	}
}

func (rs *raceServer) markPresent(code, playerID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.present[code] == nil {
		rs.present[code] = make(map[string]int)
	}
	rs.present[code][playerID]++
}

func (rs *raceServer) markAbsent(code, playerID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if players, ok := rs.present[code]; ok {
		players[playerID]--
		if players[playerID] <= 0 {
			delete(players, playerID)
		}
		if len(players) == 0 {
			delete(rs.present, code)
		}
	}
}

func (rs *raceServer) isPresent(code, playerID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.present[code][playerID] > 0
}

// scheduleRemoval waits for the grace period, and if no socket for this
// identity has reconnected to the room, removes the player. Leave
// handles host transfer and room teardown.
func (rs *raceServer) scheduleRemoval(code, playerID string, d time.Duration) {
	time.Sleep(d)

	if rs.isPresent(code, playerID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := rs.mgr.LeaveRoom(ctx, playerID, code); err != nil {
		logf(rs.cfg, "ROOM: Failed to remove idle player %s from %s: %v", playerID, code, err)
		return
	}

	logf(rs.cfg, "ROOM: Removed disconnected player %s from %s", playerID, code)
}

// attach binds the client to a room: registers presence and opens the
// session whose subscription feeds snapshots back over the socket.
func (rs *raceServer) attach(c *Client, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if c.session.Code() == code {
			return nil
		}
		rs.detachLocked(c)
	}

	session, err := race.NewSession(rs.mgr.Store(), c.playerID, code, func(snap *room.Room) {
		if snap == nil {
			c.trySend(SimpleMessage{
				Type:    "room_closed",
				Message: "The room no longer exists.",
			})
			return
		}
		c.trySend(RoomMessage{
			Type: "room",
			Room: snap,
		})
	})
	if err != nil {
		return err
	}

	c.session = session
	rs.markPresent(code, c.playerID)

	return nil
}

// detach closes the client's session and schedules its removal from the
// room unless another socket for the same identity remains.
func (rs *raceServer) detach(c *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs.detachLocked(c)
}

func (rs *raceServer) detachLocked(c *Client) {
	if c.session == nil {
		return
	}

	code := c.session.Code()
	c.session.Close()
	c.session = nil

	rs.markAbsent(code, c.playerID)
	go rs.scheduleRemoval(code, c.playerID, rs.cfg.playerTimeout)
}

// trySend queues a message without blocking the subscription; a full
// outbox drops the message, the next snapshot supersedes it anyway.
// Snapshots can arrive after the socket is gone, hence the closed check.
func (c *Client) trySend(msg any) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) sessionCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ""
	}

	return c.session.Code()
}

func (rs *raceServer) handleMessage(c *Client, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch msg.Type {
	case "create":
		r, err := rs.mgr.CreateRoom(ctx, c.playerID, msg.Name, msg.Avatar)
		if err != nil {
			c.trySend(errorMessage(err))
			return
		}
		if err := rs.attach(c, r.Code); err != nil {
			c.trySend(errorMessage(err))
			return
		}
		logf(rs.cfg, "ROOM: Player %q created %s", msg.Name, r.Code)
		c.trySend(JoinedMessage{Type: "joined", Code: r.Code})

	case "join":
		r, err := rs.mgr.JoinRoom(ctx, c.playerID, msg.Code, msg.Name, msg.Avatar)
		if err != nil {
			c.trySend(errorMessage(err))
			return
		}
		if err := rs.attach(c, r.Code); err != nil {
			c.trySend(errorMessage(err))
			return
		}
		logf(rs.cfg, "ROOM: Player %q joined %s", msg.Name, r.Code)
		c.trySend(JoinedMessage{Type: "joined", Code: r.Code})

	case "tap":
		code := c.sessionCode()
		if code == "" {
			return
		}
		if err := rs.mgr.SubmitTap(ctx, c.playerID, code); err != nil {
			c.trySend(errorMessage(err))
		}

	case "start":
		code := c.sessionCode()
		if code == "" {
			return
		}
		if err := rs.mgr.StartGame(ctx, c.playerID, code); err != nil {
			c.trySend(errorMessage(err))
		}

	case "reset":
		code := c.sessionCode()
		if code == "" {
			return
		}
		if err := rs.mgr.ResetGame(ctx, c.playerID, code); err != nil {
			c.trySend(errorMessage(err))
		}

	case "leave":
		code := c.sessionCode()
		if code == "" {
			return
		}
		// Close the session first so the scheduled removal below finds
		// nothing left to do after the explicit leave succeeds.
		c.mu.Lock()
		if c.session != nil {
			c.session.Close()
			c.session = nil
			rs.markAbsent(code, c.playerID)
		}
		c.mu.Unlock()

		if err := rs.mgr.LeaveRoom(ctx, c.playerID, code); err != nil {
			c.trySend(errorMessage(err))
			return
		}
		c.trySend(SimpleMessage{Type: "left"})

	default:
		// ignore unknown types
	}
}

func errorMessage(err error) ErrorMessage {
	code := "internal"

	switch {
	case errors.Is(err, room.ErrNameRequired):
		code = "name_required"
	case errors.Is(err, room.ErrRoomNotFound):
		code = "room_not_found"
	case errors.Is(err, room.ErrRoomNotJoinable):
		code = "room_not_joinable"
	case errors.Is(err, room.ErrNotHost):
		code = "not_host"
	case errors.Is(err, room.ErrConflictExhausted):
		code = "conflict"
	case errors.Is(err, room.ErrStoreUnavailable):
		code = "unavailable"
	}

	return ErrorMessage{
		Type:    "error",
		Code:    code,
		Message: err.Error(),
	}
}

func (rs *raceServer) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		go client.writePump()
		client.readPump(rs)
	}
}

func (c *Client) readPump(rs *raceServer) {
	defer func() {
		rs.detach(c)

		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()

		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		rs.handleMessage(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for a room join URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := room.NormalizeCode(ps.ByName("code"))
	if !room.ValidCode(code) {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /race/:code/qr; strip trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerRaceGame sets up routes so that:
//   - /ws               → WebSocket carrying operations and snapshots
//   - $path/:code       → join landing page (sets the identity cookie)
//   - $path/:code/qr    → PNG QR code linking to the join URL
//
// The socket lives outside $path because httprouter cannot mix a static
// "ws" segment with the :code parameter.
func registerRaceGame(cfg *Config, path string, mux *httprouter.Router, mgr *race.Manager) {
	rs := newRaceServer(cfg, mgr)

	mux.GET(cfg.prefix+"/ws", rs.serveWS())

	mux.GET(cfg.prefix+path+"/:code", serveJoinPage(cfg))

	mux.GET(cfg.prefix+path+"/:code/qr", qrHandler)
}

func serveJoinPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := room.NormalizeCode(ps.ByName("code"))
		if !room.ValidCode(code) {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write([]byte(newPage("tapdash — "+code,
			"Room "+code+". Connect a client to "+cfg.prefix+"/ws and join with this code.")))
	}
}
