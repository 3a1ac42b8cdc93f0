package main

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		boardSize: defaultBoardSize,
		chatLimit: defaultChatLimit,
	}
}

func testClient() *Client {
	return &Client{
		id:   uuid.NewString(),
		send: make(chan push, 32),
		done: make(chan struct{}),
	}
}

// testRoom builds a room without starting its goroutine, so handlers can be
// driven synchronously. The run loop executes them the same way, one at a
// time.
func testRoom(cfg *Config) *Room {
	return &Room{
		events:   make(chan roomEvent, 64),
		done:     make(chan struct{}),
		code:     "TESTAA",
		theme:    defaultTheme,
		board:    generateBoard(defaultTheme, cfg.boardSize),
		players:  make(map[string]*Player),
		phase:    phaseSelecting,
		commMode: commModeChat,
	}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func drain(c *Client) []push {
	var out []push
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func findEvent(msgs []push, event string) (push, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Event == event {
			return msgs[i], true
		}
	}
	return push{}, false
}

// seatTwo joins two players and drains their join traffic.
func seatTwo(t *testing.T, cfg *Config, r *Room) (*Client, *Client) {
	t.Helper()
	a, b := testClient(), testClient()
	r.handleJoin(cfg, a, raw(t, joinRoomPayload{Code: r.code, Name: "Alice"}))
	r.handleJoin(cfg, b, raw(t, joinRoomPayload{Code: r.code, Name: "Bob"}))
	drain(a)
	drain(b)
	return a, b
}

// startPlaying selects secrets for both players and pins the opening turn to
// the first client for deterministic assertions.
func startPlaying(t *testing.T, cfg *Config, r *Room, a, b *Client) {
	t.Helper()
	r.handleSelectSecret(a, raw(t, characterPayload{Code: r.code, CharacterID: "c1"}))
	r.handleSelectSecret(b, raw(t, characterPayload{Code: r.code, CharacterID: "c2"}))
	require.Equal(t, phasePlaying, r.phase)
	r.currentTurn = a.id
	drain(a)
	drain(b)
}

func TestJoinSeatsPlayerAndAcks(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a := testClient()

	r.handleJoin(cfg, a, raw(t, joinRoomPayload{Code: r.code, Name: "Alice"}))

	require.Equal(t, []string{a.id}, r.playerOrder)
	assert.Equal(t, a.id, r.creatorID)

	msgs := drain(a)
	ack, ok := findEvent(msgs, "joinResult")
	require.True(t, ok)
	result := ack.Data.(joinResultMessage)
	assert.True(t, result.OK)
	assert.Equal(t, a.id, result.You)
	assert.Equal(t, defaultTheme, result.Theme)
	assert.Len(t, result.Board, defaultBoardSize)

	_, ok = findEvent(msgs, "roomState")
	assert.True(t, ok, "join should push room state")
}

func TestJoinDefaultsBlankName(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := testClient(), testClient()

	r.handleJoin(cfg, a, raw(t, joinRoomPayload{Code: r.code}))
	r.handleJoin(cfg, b, raw(t, joinRoomPayload{Code: r.code, Name: "   "}))

	assert.Equal(t, "Player 1", r.players[a.id].Name)
	assert.Equal(t, "Player 2", r.players[b.id].Name)
}

func TestJoinRejectsThirdPlayer(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	seatTwo(t, cfg, r)

	c := testClient()
	r.handleJoin(cfg, c, raw(t, joinRoomPayload{Code: r.code, Name: "Carol"}))

	require.Len(t, r.playerOrder, 2)

	msgs := drain(c)
	ack, ok := findEvent(msgs, "joinResult")
	require.True(t, ok)
	result := ack.Data.(joinResultMessage)
	assert.False(t, result.OK)
	assert.Equal(t, "Room is full", result.Error)
}

func TestJoinTwiceIsNoop(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a := testClient()

	r.handleJoin(cfg, a, raw(t, joinRoomPayload{Code: r.code, Name: "Alice"}))
	r.handleJoin(cfg, a, raw(t, joinRoomPayload{Code: r.code, Name: "Alice"}))

	assert.Len(t, r.playerOrder, 1)
}

func TestSelectSecretTransition(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)

	r.handleSelectSecret(a, raw(t, characterPayload{Code: r.code, CharacterID: "c1"}))
	assert.Equal(t, phaseSelecting, r.phase, "one secret must not start the game")
	assert.Empty(t, r.currentTurn)

	r.handleSelectSecret(b, raw(t, characterPayload{Code: r.code, CharacterID: "c2"}))
	assert.Equal(t, phasePlaying, r.phase)
	assert.Contains(t, []string{a.id, b.id}, r.currentTurn)
}

func TestSelectSecretIgnoredWhilePlaying(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleSelectSecret(a, raw(t, characterPayload{Code: r.code, CharacterID: "c9"}))

	assert.Equal(t, "c1", r.players[a.id].SecretID)
}

func TestSelectSecretIgnoredForStranger(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	seatTwo(t, cfg, r)

	stranger := testClient()
	r.handleSelectSecret(stranger, raw(t, characterPayload{Code: r.code, CharacterID: "c1"}))

	assert.Len(t, r.players, 2)
	assert.Empty(t, drain(stranger))
}

func TestViewHidesOpponentSecret(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	viewA := r.serializeFor(a.id)
	require.Len(t, viewA.Players, 2)
	for _, p := range viewA.Players {
		if p.ID == a.id {
			require.NotNil(t, p.SecretID)
			assert.Equal(t, "c1", *p.SecretID)
		} else {
			assert.Nil(t, p.SecretID, "opponent secret leaked to viewer")
		}
	}

	viewB := r.serializeFor(b.id)
	for _, p := range viewB.Players {
		if p.ID == b.id {
			require.NotNil(t, p.SecretID)
			assert.Equal(t, "c2", *p.SecretID)
		} else {
			assert.Nil(t, p.SecretID)
		}
	}
}

func TestStatePushIsPerViewer(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)

	r.handleSelectSecret(a, raw(t, characterPayload{Code: r.code, CharacterID: "c1"}))

	msgs := drain(b)
	state, ok := findEvent(msgs, "roomState")
	require.True(t, ok)
	view := state.Data.(RoomView)
	for _, p := range view.Players {
		if p.ID == a.id {
			assert.Nil(t, p.SecretID, "a's secret visible in b's push")
		}
	}
}

func TestEndTurnPassesTurn(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleEndTurn(a)

	assert.Equal(t, b.id, r.currentTurn)
	assert.Equal(t, phasePlaying, r.phase)
}

func TestEndTurnWrongActorIsNoop(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleEndTurn(b)

	assert.Equal(t, a.id, r.currentTurn)
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
}

// Pins the observed behavior: answering a question hands the turn to the
// answerer's opponent, i.e. back to the asker.
func TestAnswerKeepsAskerTurn(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleAnswer(b, raw(t, answerPayload{Code: r.code, Answer: true}))

	assert.Equal(t, a.id, r.currentTurn)

	require.Len(t, r.history, 1)
	assert.Equal(t, b.id, r.history[0].PlayerID)
	assert.False(t, r.history[0].Correct)

	for _, c := range []*Client{a, b} {
		msgs := drain(c)
		chat, ok := findEvent(msgs, "chatMessage")
		require.True(t, ok)
		assert.Equal(t, "Answer: YES", chat.Data.(ChatMessage).Text)
	}
}

func TestAnswerByCurrentTurnIgnored(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleAnswer(a, raw(t, answerPayload{Code: r.code, Answer: false}))

	assert.Empty(t, r.history)
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
}

func TestCorrectGuessWins(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleGuess(cfg, a, raw(t, characterPayload{Code: r.code, CharacterID: "c2"}))

	assert.Equal(t, phaseFinished, r.phase)
	assert.Equal(t, a.id, r.winner)
}

func TestWrongGuessPassesTurn(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleGuess(cfg, a, raw(t, characterPayload{Code: r.code, CharacterID: "c7"}))

	assert.Equal(t, phasePlaying, r.phase)
	assert.Equal(t, b.id, r.currentTurn)
	require.Len(t, r.history, 1)
	assert.False(t, r.history[0].Correct)
}

func TestTwoWrongGuessesDraw(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleGuess(cfg, a, raw(t, characterPayload{Code: r.code, CharacterID: "c7"}))
	r.handleGuess(cfg, b, raw(t, characterPayload{Code: r.code, CharacterID: "c8"}))

	assert.Equal(t, phaseFinished, r.phase)
	assert.Equal(t, winnerDraw, r.winner)
}

// A correct guess that completes a both-correct pair resolves to a draw, not
// an individual win.
func TestDrawBeatsWin(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.history = []guessRecord{{PlayerID: b.id, Correct: true}}

	r.handleGuess(cfg, a, raw(t, characterPayload{Code: r.code, CharacterID: "c2"}))

	assert.Equal(t, phaseFinished, r.phase)
	assert.Equal(t, winnerDraw, r.winner)
}

// Answer placeholders share the draw window with guesses, so an answer
// followed by a wrong guess ends the game as a draw.
func TestAnswerThenWrongGuessDraws(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleAnswer(b, raw(t, answerPayload{Code: r.code, Answer: false}))
	r.handleGuess(cfg, a, raw(t, characterPayload{Code: r.code, CharacterID: "c7"}))

	assert.Equal(t, phaseFinished, r.phase)
	assert.Equal(t, winnerDraw, r.winner)
}

func TestGuessIgnoredWhenNotYourTurn(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)
	startPlaying(t, cfg, r, a, b)

	r.handleGuess(cfg, b, raw(t, characterPayload{Code: r.code, CharacterID: "c1"}))

	assert.Equal(t, phasePlaying, r.phase)
	assert.Empty(t, r.winner)
	assert.Empty(t, r.history)
}

func TestCrossedTogglePrivateAndIdempotent(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)

	r.handleCrossed(a, raw(t, characterPayload{Code: r.code, CharacterID: "c3"}))

	msgs := drain(a)
	note, ok := findEvent(msgs, "yourCrossed")
	require.True(t, ok)
	assert.Equal(t, []string{"c3"}, note.Data.([]string))
	assert.Empty(t, drain(b), "crossed notes must never reach the opponent")

	r.handleCrossed(a, raw(t, characterPayload{Code: r.code, CharacterID: "c3"}))

	msgs = drain(a)
	note, ok = findEvent(msgs, "yourCrossed")
	require.True(t, ok)
	assert.Empty(t, note.Data.([]string), "double toggle must restore original membership")
}

func TestSignalingRoutedToOpponent(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	r.handleEvent(cfg, a, "rtc-offer", raw(t, signalPayload{Code: r.code, SDP: sdp}))

	msgs := drain(b)
	offer, ok := findEvent(msgs, "rtc-offer")
	require.True(t, ok)
	signal := offer.Data.(signalMessage)
	assert.Equal(t, a.id, signal.From)
	assert.JSONEq(t, string(sdp), string(signal.SDP))

	assert.Empty(t, drain(a), "signal must not echo to the sender")
}

func TestSignalingUnrelatedRoomUntouched(t *testing.T) {
	cfg := testConfig()
	r1 := testRoom(cfg)
	a, _ := seatTwo(t, cfg, r1)

	r2 := testRoom(cfg)
	r2.code = "TESTBB"
	c := testClient()
	r2.handleJoin(cfg, c, raw(t, joinRoomPayload{Code: r2.code, Name: "Carol"}))
	drain(c)

	r1.handleEvent(cfg, a, "rtc-offer", raw(t, signalPayload{Code: r1.code, SDP: json.RawMessage(`{}`)}))

	assert.Empty(t, drain(c), "signal leaked across rooms")
}

func TestSignalingWithoutOpponentDropped(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a := testClient()
	r.handleJoin(cfg, a, raw(t, joinRoomPayload{Code: r.code, Name: "Alice"}))
	drain(a)

	r.handleEvent(cfg, a, "rtc-offer", raw(t, signalPayload{Code: r.code, SDP: json.RawMessage(`{}`)}))
	r.handleEvent(cfg, a, "endCall", raw(t, codePayload{Code: r.code}))

	assert.Empty(t, drain(a))
}

func TestCallControlRouting(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)

	r.handleEvent(cfg, a, "requestCall", raw(t, codePayload{Code: r.code}))
	msgs := drain(b)
	call, ok := findEvent(msgs, "incomingCall")
	require.True(t, ok)
	assert.Equal(t, a.id, call.Data.(signalMessage).From)

	r.handleEvent(cfg, b, "callAccepted", raw(t, codePayload{Code: r.code}))
	msgs = drain(a)
	accepted, ok := findEvent(msgs, "callAccepted")
	require.True(t, ok)
	assert.Equal(t, b.id, accepted.Data.(signalMessage).From)

	r.handleEvent(cfg, b, "callDeclined", raw(t, codePayload{Code: r.code}))
	msgs = drain(a)
	declined, ok := findEvent(msgs, "callDeclined")
	require.True(t, ok)
	assert.Equal(t, b.id, declined.Data.(signalMessage).From)
}

func TestCommModeCreatorOnly(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)

	r.handleCommMode(b, raw(t, commModePayload{Code: r.code, Mode: commModeVideo}))
	assert.Equal(t, commModeChat, r.commMode)

	r.handleCommMode(a, raw(t, commModePayload{Code: r.code, Mode: "smoke-signals"}))
	assert.Equal(t, commModeChat, r.commMode)

	r.handleCommMode(a, raw(t, commModePayload{Code: r.code, Mode: commModeVideo}))
	assert.Equal(t, commModeVideo, r.commMode)
}

func TestChatTruncatedAndBroadcast(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)

	long := ""
	for i := 0; i < 600; i++ {
		long += "x"
	}
	r.handleChat(cfg, a, raw(t, chatPayload{Code: r.code, Text: long}))

	require.Len(t, r.chat, 1)
	assert.Len(t, r.chat[0].Text, cfg.chatLimit)

	for _, c := range []*Client{a, b} {
		msgs := drain(c)
		chat, ok := findEvent(msgs, "chatMessage")
		require.True(t, ok)
		assert.Equal(t, a.id, chat.Data.(ChatMessage).From)
	}
}

func TestLeaveKeepsRoomForSurvivor(t *testing.T) {
	cfg := testConfig()
	r := testRoom(cfg)
	a, b := seatTwo(t, cfg, r)

	empty := r.handleLeave(cfg, b)

	assert.False(t, empty)
	assert.Equal(t, []string{a.id}, r.playerOrder)

	msgs := drain(a)
	state, ok := findEvent(msgs, "roomState")
	require.True(t, ok)
	assert.Len(t, state.Data.(RoomView).Players, 1)

	empty = r.handleLeave(cfg, a)
	assert.True(t, empty)
}

func TestRoomManagerCreateGetRemove(t *testing.T) {
	cfg := testConfig()
	rm := newRoomManager()

	room := rm.create(cfg, "bd_politics")
	require.NotNil(t, room)
	assert.Len(t, room.code, codeLength)
	for _, ch := range room.code {
		assert.Contains(t, codeAlphabet, string(ch))
	}
	assert.Equal(t, phaseSelecting, room.phase)
	assert.Len(t, room.board, cfg.boardSize)

	assert.Same(t, room, rm.get(room.code))

	rm.remove(room.code)
	assert.Nil(t, rm.get(room.code))
}

func TestRoomCodesUniqueAmongLiveRooms(t *testing.T) {
	cfg := testConfig()
	rm := newRoomManager()

	codes := make(map[string]bool)
	for i := 0; i < 50; i++ {
		room := rm.create(cfg, defaultTheme)
		assert.False(t, codes[room.code], "duplicate live room code %s", room.code)
		codes[room.code] = true
	}
}
