// Guesswho
//
// Two players each secretly pick a character from a shared board, then take
// turns asking yes/no questions over chat (or a video call) to work out the
// opponent's pick. First correct guess wins; matching outcomes in the last
// two guesses end the game as a draw.
//
// Features:
// - One shared WebSocket per client at /guesswho/ws; rooms joined by code
// - Room codes: 6 chars, crypto/rand, ambiguous characters (0/O/1/I) excluded
// - All mutation of a room happens on that room's own goroutine
// - Per-viewer state pushes: a player's secret never leaves their own view
// - Private cross-off notes, echoed only to their owner
// - Text chat with server-side length cap
// - WebRTC call setup (offer/answer/ICE) relayed verbatim between occupants
// - Rooms are deleted when their last player disconnects; nothing persists
// - In-browser QR button to share a room invite, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Room phases, strictly forward.
const (
	phaseSelecting = "selecting"
	phasePlaying   = "playing"
	phaseFinished  = "finished"
)

// winnerDraw is the sentinel stored in Room.winner on a stalemate.
const winnerDraw = "draw"

const (
	maxSeats   = 2
	codeLength = 6
	// No 0/O or 1/I, to keep codes easy to read aloud.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

const (
	commModeChat  = "chat"
	commModeVideo = "video"
)

// envelope is the frame every client message arrives in. The payload stays
// raw until the owning room decodes it.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// push is the frame every server message leaves in.
type push struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type createRoomPayload struct {
	Theme string `json:"theme"`
}

type joinRoomPayload struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type codePayload struct {
	Code string `json:"code"`
}

type characterPayload struct {
	Code        string `json:"code"`
	CharacterID string `json:"characterId"`
}

type chatPayload struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

type answerPayload struct {
	Code   string `json:"code"`
	Answer bool   `json:"answer"`
}

type signalPayload struct {
	Code      string          `json:"code"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
}

type commModePayload struct {
	Code string `json:"code"`
	Mode string `json:"mode"`
}

type roomCreatedMessage struct {
	Code string `json:"code"`
}

type joinResultMessage struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Board []Character `json:"board,omitempty"`
	You   string      `json:"you,omitempty"`
	Theme string      `json:"theme,omitempty"`
}

// ChatMessage is broadcast to both occupants and kept in the room log.
type ChatMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// signalMessage wraps a relayed call-control or negotiation payload. SDP and
// candidate blobs are opaque to the server; only routing and the sender tag
// are its business.
type signalMessage struct {
	From      string          `json:"from"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// PlayerView is the redacted per-viewer projection of a seated player.
// SecretID is non-nil only in the owner's own view.
type PlayerView struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	SecretID *string `json:"secretId"`
}

// RoomView is what goes over the wire on every state push. The board is
// public; the choice of secret is the only private part of a room.
type RoomView struct {
	Code        string       `json:"code"`
	Board       []Character  `json:"board"`
	Players     []PlayerView `json:"players"`
	Phase       string       `json:"phase"`
	CurrentTurn string       `json:"currentTurn"`
	Winner      string       `json:"winner"`
	CreatorID   string       `json:"creatorId"`
	CommMode    string       `json:"commMode"`
}

// Player holds the data we store server-side for one seat.
type Player struct {
	ID       string
	Name     string
	SecretID string
	Crossed  map[string]bool

	client *Client
}

// guessRecord is one entry in the draw window. Answers are recorded with
// Correct always false so the window still sees them; draw detection reads
// nothing but the flag.
type guessRecord struct {
	PlayerID string
	Correct  bool
}

type roomEvent struct {
	client *Client
	name   string
	data   json.RawMessage
	leave  bool
}

// Room owns all mutable state of one two-player session. Every field below
// events is touched only by the room's run goroutine.
type Room struct {
	events chan roomEvent
	done   chan struct{}

	code        string
	theme       string
	board       []Character
	players     map[string]*Player
	playerOrder []string
	phase       string
	currentTurn string
	winner      string
	history     []guessRecord
	chat        []ChatMessage
	creatorID   string
	commMode    string
}

// RoomManager holds the set of live rooms keyed by join code.
type RoomManager struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func newRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

// newCodeLocked generates a room code, retrying on the rare collision with a
// live room. Assumes rm.mu is held.
func (rm *RoomManager) newCodeLocked() string {
	for {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, codeLength)
		for i := range out {
			out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(out)

		if _, exists := rm.rooms[code]; !exists {
			return code
		}
	}
}

func (rm *RoomManager) create(cfg *Config, theme string) *Room {
	rm.mu.Lock()

	room := &Room{
		events:   make(chan roomEvent, 64),
		done:     make(chan struct{}),
		code:     rm.newCodeLocked(),
		theme:    coerceTheme(theme),
		board:    generateBoard(theme, cfg.boardSize),
		players:  make(map[string]*Player),
		phase:    phaseSelecting,
		commMode: commModeChat,
	}
	rm.rooms[room.code] = room

	rm.mu.Unlock()

	go room.run(cfg, rm)

	return room
}

func (rm *RoomManager) get(code string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return rm.rooms[code]
}

func (rm *RoomManager) remove(code string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.rooms, code)
}

// dispatch hands an event to the room goroutine. A room that has already
// shut down drops the event instead of blocking the sender forever.
func (r *Room) dispatch(ev roomEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// run is the only goroutine that mutates this room. Handlers execute one at
// a time to completion, so no two events can interleave mid-mutation.
func (r *Room) run(cfg *Config, rm *RoomManager) {
	defer close(r.done)

	for ev := range r.events {
		if ev.leave {
			if r.handleLeave(cfg, ev.client) {
				rm.remove(r.code)
				logf(cfg, "GAMES: Deleted empty room %s", r.code)

				return
			}
			continue
		}

		r.handleEvent(cfg, ev.client, ev.name, ev.data)
	}
}

func (r *Room) handleEvent(cfg *Config, c *Client, name string, data json.RawMessage) {
	switch name {
	case "joinRoom":
		r.handleJoin(cfg, c, data)
	case "selectSecret":
		r.handleSelectSecret(c, data)
	case "sendChat":
		r.handleChat(cfg, c, data)
	case "answerYesNo":
		r.handleAnswer(c, data)
	case "updateCrossed":
		r.handleCrossed(c, data)
	case "guessCharacter":
		r.handleGuess(cfg, c, data)
	case "endTurn":
		r.handleEndTurn(c)
	case "requestCall":
		r.relay(c, "incomingCall", nil, nil)
	case "callAccepted":
		r.relay(c, "callAccepted", nil, nil)
	case "callDeclined":
		r.relay(c, "callDeclined", nil, nil)
	case "rtc-offer", "rtc-answer", "rtc-ice", "endCall":
		var payload signalPayload
		_ = json.Unmarshal(data, &payload)
		r.relay(c, name, payload.SDP, payload.Candidate)
	case "setCommMode":
		r.handleCommMode(c, data)
	default:
		// ignore unknown events
	}
}

// opponentOf returns the other seated player, or nil for a half-empty room.
func (r *Room) opponentOf(id string) *Player {
	for _, pid := range r.playerOrder {
		if pid != id {
			return r.players[pid]
		}
	}
	return nil
}

func (r *Room) handleJoin(cfg *Config, c *Client, data json.RawMessage) {
	var payload joinRoomPayload
	_ = json.Unmarshal(data, &payload)

	if _, seated := r.players[c.id]; seated {
		return
	}

	if len(r.playerOrder) >= maxSeats {
		c.deliver(push{Event: "joinResult", Data: joinResultMessage{Error: "Room is full"}})
		return
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		name = fmt.Sprintf("Player %d", len(r.playerOrder)+1)
	}

	r.players[c.id] = &Player{
		ID:      c.id,
		Name:    name,
		Crossed: make(map[string]bool),
		client:  c,
	}
	r.playerOrder = append(r.playerOrder, c.id)
	if r.creatorID == "" {
		r.creatorID = c.id
	}

	logf(cfg, "GAMES: Player %q joined room %s", name, r.code)

	r.broadcastState()

	// Each player gets the board in their own random order.
	c.deliver(push{Event: "joinResult", Data: joinResultMessage{
		OK:    true,
		Board: shuffledCopy(r.board),
		You:   c.id,
		Theme: r.theme,
	}})
}

// handleLeave removes the player and reports whether the room is now empty.
func (r *Room) handleLeave(cfg *Config, c *Client) bool {
	if _, seated := r.players[c.id]; !seated {
		return len(r.playerOrder) == 0
	}

	delete(r.players, c.id)

	order := r.playerOrder[:0]
	for _, id := range r.playerOrder {
		if id != c.id {
			order = append(order, id)
		}
	}
	r.playerOrder = order

	logf(cfg, "GAMES: Player %s left room %s", c.id, r.code)

	r.broadcastState()

	return len(r.playerOrder) == 0
}

func (r *Room) handleSelectSecret(c *Client, data json.RawMessage) {
	p, seated := r.players[c.id]
	if !seated || r.phase != phaseSelecting {
		return
	}

	var payload characterPayload
	_ = json.Unmarshal(data, &payload)

	// The id is taken at face value; the client only offers board tiles.
	p.SecretID = payload.CharacterID

	r.startIfReady()
	r.broadcastState()
}

// startIfReady fires the selecting → playing transition once both seats are
// filled and both secrets are set. The opening turn is a coin flip.
func (r *Room) startIfReady() {
	if r.phase != phaseSelecting || len(r.playerOrder) != maxSeats {
		return
	}
	for _, id := range r.playerOrder {
		if r.players[id].SecretID == "" {
			return
		}
	}

	r.currentTurn = r.playerOrder[randomIndex(maxSeats)]
	r.phase = phasePlaying
}

func (r *Room) handleChat(cfg *Config, c *Client, data json.RawMessage) {
	var payload chatPayload
	_ = json.Unmarshal(data, &payload)

	msg := ChatMessage{
		ID:   uuid.NewString(),
		From: c.id,
		Text: truncateRunes(payload.Text, cfg.chatLimit),
		TS:   time.Now().UnixMilli(),
	}
	r.chat = append(r.chat, msg)

	r.broadcastChat(msg)
}

// handleAnswer lets the non-current-turn player answer the standing yes/no
// question. The answer lands in chat and, as a never-correct placeholder, in
// the draw window. The turn goes to the answerer's opponent — which is the
// asker, who keeps the initiative to follow up.
func (r *Room) handleAnswer(c *Client, data json.RawMessage) {
	if r.phase != phasePlaying || c.id == r.currentTurn {
		return
	}

	var payload answerPayload
	_ = json.Unmarshal(data, &payload)

	text := "Answer: NO"
	if payload.Answer {
		text = "Answer: YES"
	}

	msg := ChatMessage{
		ID:   uuid.NewString(),
		From: c.id,
		Text: text,
		TS:   time.Now().UnixMilli(),
	}
	r.chat = append(r.chat, msg)

	r.history = append(r.history, guessRecord{PlayerID: c.id})

	r.broadcastChat(msg)

	r.currentTurn = ""
	if opponent := r.opponentOf(c.id); opponent != nil {
		r.currentTurn = opponent.ID
	}

	r.broadcastState()
}

func (r *Room) handleCrossed(c *Client, data json.RawMessage) {
	p, seated := r.players[c.id]
	if !seated {
		return
	}

	var payload characterPayload
	_ = json.Unmarshal(data, &payload)

	if p.Crossed[payload.CharacterID] {
		delete(p.Crossed, payload.CharacterID)
	} else {
		p.Crossed[payload.CharacterID] = true
	}

	// Notes are private; only the owner ever sees their crossed list.
	c.deliver(push{Event: "yourCrossed", Data: p.crossedList()})
}

func (p *Player) crossedList() []string {
	list := make([]string, 0, len(p.Crossed))
	for id := range p.Crossed {
		list = append(list, id)
	}
	sort.Strings(list)
	return list
}

func (r *Room) handleGuess(cfg *Config, c *Client, data json.RawMessage) {
	if r.phase != phasePlaying || c.id != r.currentTurn {
		return
	}

	opponent := r.opponentOf(c.id)
	if opponent == nil {
		return
	}

	var payload characterPayload
	_ = json.Unmarshal(data, &payload)

	correct := payload.CharacterID == opponent.SecretID
	r.history = append(r.history, guessRecord{PlayerID: c.id, Correct: correct})

	if correct {
		// A correct guess that completes a matching pair still resolves
		// to a draw; the stalemate check outranks the win.
		if !r.checkDraw() {
			r.phase = phaseFinished
			r.winner = c.id
		}
	} else {
		r.currentTurn = opponent.ID
		r.checkDraw()
	}

	logf(cfg, "GAMES: Player %s guessed %q in room %s (correct=%v)", c.id, payload.CharacterID, r.code, correct)

	r.broadcastState()
}

// checkDraw finishes the room as a draw when the last two window entries
// agree on correctness. Answer placeholders share the window with guesses,
// so an answer followed by a wrong guess completes a matching pair.
func (r *Room) checkDraw() bool {
	if len(r.history) < 2 {
		return false
	}

	last := r.history[len(r.history)-2:]
	if last[0].Correct == last[1].Correct {
		r.phase = phaseFinished
		r.winner = winnerDraw
		return true
	}

	return false
}

func (r *Room) handleEndTurn(c *Client) {
	if r.phase != phasePlaying || c.id != r.currentTurn {
		return
	}

	r.currentTurn = ""
	if opponent := r.opponentOf(c.id); opponent != nil {
		r.currentTurn = opponent.ID
	}

	r.broadcastState()
}

func (r *Room) handleCommMode(c *Client, data json.RawMessage) {
	if c.id != r.creatorID {
		return
	}

	var payload commModePayload
	_ = json.Unmarshal(data, &payload)

	if payload.Mode != commModeChat && payload.Mode != commModeVideo {
		return
	}

	r.commMode = payload.Mode
}

// relay forwards a call-control or negotiation message to the sender's
// opponent, tagged with the sender id. No opponent, no delivery.
func (r *Room) relay(c *Client, event string, sdp, candidate json.RawMessage) {
	opponent := r.opponentOf(c.id)
	if opponent == nil || opponent.client == nil {
		return
	}

	opponent.client.deliver(push{Event: event, Data: signalMessage{
		From:      c.id,
		SDP:       sdp,
		Candidate: candidate,
	}})
}

// serializeFor projects the room into what one viewer is allowed to see.
// Everything is public except secrets, which survive only in the owner's
// own player entry.
func (r *Room) serializeFor(viewerID string) RoomView {
	players := make([]PlayerView, 0, len(r.playerOrder))
	for _, id := range r.playerOrder {
		p := r.players[id]

		view := PlayerView{
			ID:   p.ID,
			Name: p.Name,
		}
		if id == viewerID && p.SecretID != "" {
			secret := p.SecretID
			view.SecretID = &secret
		}

		players = append(players, view)
	}

	return RoomView{
		Code:        r.code,
		Board:       r.board,
		Players:     players,
		Phase:       r.phase,
		CurrentTurn: r.currentTurn,
		Winner:      r.winner,
		CreatorID:   r.creatorID,
		CommMode:    r.commMode,
	}
}

// broadcastState recomputes the per-viewer projection for every seated
// player. One shared payload would leak secrets over the wire, so each
// player gets their own copy.
func (r *Room) broadcastState() {
	for _, id := range r.playerOrder {
		p := r.players[id]
		if p.client == nil {
			continue
		}
		p.client.deliver(push{Event: "roomState", Data: r.serializeFor(id)})
	}
}

func (r *Room) broadcastChat(msg ChatMessage) {
	for _, id := range r.playerOrder {
		p := r.players[id]
		if p.client == nil {
			continue
		}
		p.client.deliver(push{Event: "chatMessage", Data: msg})
	}
}

func randomIndex(n int) int {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(b[0]) % n
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

type Client struct {
	id   string
	conn *websocket.Conn
	send chan push
	done chan struct{}
}

// deliver queues a message without ever blocking a room goroutine. A slow
// client loses messages rather than stalling the game.
func (c *Client) deliver(msg push) {
	select {
	case <-c.done:
	default:
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump decodes inbound frames and routes them: room creation goes to the
// manager, everything else resolves a room by the code in its payload and is
// dispatched to that room's goroutine. On disconnect, every room this client
// joined gets a leave event.
func (c *Client) readPump(cfg *Config, rm *RoomManager) {
	joined := make(map[string]*Room)

	defer func() {
		for _, room := range joined {
			room.dispatch(roomEvent{client: c, leave: true})
		}
		close(c.done)
		_ = c.conn.Close()
	}()

	for {
		var msg envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.Event == "createRoom" {
			var payload createRoomPayload
			_ = json.Unmarshal(msg.Data, &payload)

			room := rm.create(cfg, payload.Theme)
			logf(cfg, "GAMES: Created room %s", room.code)

			c.deliver(push{Event: "roomCreated", Data: roomCreatedMessage{Code: room.code}})
			continue
		}

		var ref codePayload
		_ = json.Unmarshal(msg.Data, &ref)

		room := rm.get(ref.Code)
		if room == nil {
			// Joining a dead room is the one failure a client hears about.
			if msg.Event == "joinRoom" {
				c.deliver(push{Event: "joinResult", Data: joinResultMessage{Error: "Room not found"}})
			}
			continue
		}

		if msg.Event == "joinRoom" {
			joined[room.code] = room
		}

		room.dispatch(roomEvent{client: c, name: msg.Event, data: msg.Data})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveGameSocket(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan push, 32),
			done: make(chan struct{}),
		}

		logf(cfg, "GAMES: Client %s connected from %s", client.id, realIP(r))

		go client.writePump()
		client.readPump(cfg, rm)
	}
}

// QR handler: generates a PNG QR code for a room invite URL using go-qrcode.
func qrHandler(cfg *Config, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")
		if code == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
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

		url := scheme + "://" + r.Host + cfg.prefix + path + "?code=" + code

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// ---- Static file paths ----

//go:embed guesswho/index.html
var indexHTML []byte

//go:embed guesswho/app.css
var guesswhoCSS []byte

//go:embed guesswho/app.js
var guesswhoJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(guesswhoCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(guesswhoJS)
	}
}

// registerGuessWhoGame sets up routes so that:
//   - $path            → HTML client (create/join screen)
//   - $path/ws         → shared game websocket
//   - $path/qr/:code   → PNG QR code for a room invite
func registerGuessWhoGame(cfg *Config, path string, mux *httprouter.Router) *RoomManager {
	rm := newRoomManager()

	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets (no room code in route)
	mux.GET(cfg.prefix+"/assets/guesswho/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/guesswho/app.js", getJsHandler(cfg))

	// One websocket serves every room; clients bind to a room by code
	mux.GET(cfg.prefix+path+"/ws", serveGameSocket(cfg, rm))

	// Per-room invite QR code
	mux.GET(cfg.prefix+path+"/qr/:code", qrHandler(cfg, path))

	return rm
}
