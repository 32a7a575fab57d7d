// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/agentbridge/boards"
	"github.com/bureau-foundation/agentbridge/chatlog"
	"github.com/bureau-foundation/agentbridge/history"
	"github.com/bureau-foundation/agentbridge/lib/clock"
	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/lib/secret"
	"github.com/bureau-foundation/agentbridge/messaging"
)

const testServerName = "bridge.local"

// sentMessage is one event the fake homeserver accepted.
type sentMessage struct {
	RoomID  string
	Sender  string
	MsgType string
	Body    string
}

// typingRecord is one typing state change.
type typingRecord struct {
	RoomID string
	User   string
	Typing bool
}

// fakeHomeserver implements enough of the Matrix client-server API for
// the bridge: register, profile, presence, typing, createRoom, alias
// directory, join/leave, membership, send.
type fakeHomeserver struct {
	t *testing.T

	mu             sync.Mutex
	registered     map[string]bool
	displayNames   map[string]string
	presence       map[string]string
	typing         []typingRecord
	members        map[string]map[string]bool
	aliases        map[string]string
	messages       []sentMessage
	stateEvents    map[string]json.RawMessage
	createRequests []messaging.CreateRoomRequest
	failCreateRoom bool
	nextRoom       int
	nextEvent      int
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	return &fakeHomeserver{
		t:            t,
		registered:   make(map[string]bool),
		displayNames: make(map[string]string),
		presence:     make(map[string]string),
		members:      make(map[string]map[string]bool),
		aliases:      make(map[string]string),
		stateEvents:  make(map[string]json.RawMessage),
	}
}

func (f *fakeHomeserver) addRoom(roomID string, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]bool)
	for _, member := range members {
		set[member] = true
	}
	f.members[roomID] = set
}

func (f *fakeHomeserver) roomMembers(roomID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for member := range f.members[roomID] {
		out = append(out, member)
	}
	return out
}

func (f *fakeHomeserver) isMember(roomID, user string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID][user]
}

func (f *fakeHomeserver) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeHomeserver) typingRecords() []typingRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingRecord(nil), f.typing...)
}

func (f *fakeHomeserver) isRegistered(localpart string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[localpart]
}

func (f *fakeHomeserver) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	path := strings.TrimPrefix(request.URL.Path, "/_matrix/client/v3")
	actingUser := request.URL.Query().Get("user_id")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case request.Method == http.MethodPost && path == "/register":
		var body struct {
			Username string `json:"username"`
		}
		json.NewDecoder(request.Body).Decode(&body)
		if f.registered[body.Username] {
			matrixError(writer, http.StatusBadRequest, "M_USER_IN_USE", "taken")
			return
		}
		f.registered[body.Username] = true
		ok(writer, map[string]string{"user_id": "@" + body.Username + ":" + testServerName})

	case request.Method == http.MethodPut && strings.HasPrefix(path, "/profile/"):
		user := strings.TrimSuffix(strings.TrimPrefix(path, "/profile/"), "/displayname")
		var body struct {
			DisplayName string `json:"displayname"`
		}
		json.NewDecoder(request.Body).Decode(&body)
		f.displayNames[user] = body.DisplayName
		ok(writer, struct{}{})

	case request.Method == http.MethodPut && strings.HasPrefix(path, "/presence/"):
		user := strings.TrimSuffix(strings.TrimPrefix(path, "/presence/"), "/status")
		var body struct {
			Presence string `json:"presence"`
		}
		json.NewDecoder(request.Body).Decode(&body)
		f.presence[user] = body.Presence
		ok(writer, struct{}{})

	case request.Method == http.MethodPost && path == "/createRoom":
		var body messaging.CreateRoomRequest
		json.NewDecoder(request.Body).Decode(&body)
		f.createRequests = append(f.createRequests, body)
		if f.failCreateRoom {
			matrixError(writer, http.StatusInternalServerError, "M_UNKNOWN", "creation refused")
			return
		}
		f.nextRoom++
		roomID := fmt.Sprintf("!room%d:%s", f.nextRoom, testServerName)
		creator := actingUser
		if creator == "" {
			creator = "@agentbridge:" + testServerName
		}
		f.members[roomID] = map[string]bool{creator: true}
		if body.Alias != "" {
			f.aliases["#"+body.Alias+":"+testServerName] = roomID
		}
		ok(writer, map[string]string{"room_id": roomID})

	case request.Method == http.MethodGet && strings.HasPrefix(path, "/directory/room/"):
		alias := strings.TrimPrefix(path, "/directory/room/")
		if roomID, exists := f.aliases[alias]; exists {
			ok(writer, map[string]any{"room_id": roomID})
			return
		}
		matrixError(writer, http.StatusNotFound, "M_NOT_FOUND", "no alias")

	case request.Method == http.MethodPost && strings.HasPrefix(path, "/join/"):
		roomID := strings.TrimPrefix(path, "/join/")
		if f.members[roomID] == nil {
			matrixError(writer, http.StatusNotFound, "M_NOT_FOUND", "no room")
			return
		}
		f.members[roomID][actingUser] = true
		ok(writer, map[string]string{"room_id": roomID})

	case request.Method == http.MethodPost && strings.HasSuffix(path, "/leave"):
		roomID := strings.TrimSuffix(strings.TrimPrefix(path, "/rooms/"), "/leave")
		delete(f.members[roomID], actingUser)
		ok(writer, struct{}{})

	case request.Method == http.MethodGet && path == "/joined_rooms":
		var rooms []string
		for roomID, members := range f.members {
			if members[actingUser] {
				rooms = append(rooms, roomID)
			}
		}
		if rooms == nil {
			rooms = []string{}
		}
		ok(writer, map[string]any{"joined_rooms": rooms})

	case request.Method == http.MethodGet && strings.HasSuffix(path, "/joined_members"):
		roomID := strings.TrimSuffix(strings.TrimPrefix(path, "/rooms/"), "/joined_members")
		members, exists := f.members[roomID]
		// Membership is only visible from inside the room. The bridge
		// bot (no user_id param) sees everything.
		if !exists || (actingUser != "" && !members[actingUser]) {
			matrixError(writer, http.StatusForbidden, "M_FORBIDDEN", "not in room")
			return
		}
		joined := make(map[string]any)
		for member := range members {
			joined[member] = map[string]string{}
		}
		ok(writer, map[string]any{"joined": joined})

	case request.Method == http.MethodPut && strings.Contains(path, "/typing/"):
		parts := strings.SplitN(strings.TrimPrefix(path, "/rooms/"), "/typing/", 2)
		var body struct {
			Typing bool `json:"typing"`
		}
		json.NewDecoder(request.Body).Decode(&body)
		f.typing = append(f.typing, typingRecord{RoomID: parts[0], User: parts[1], Typing: body.Typing})
		ok(writer, struct{}{})

	case request.Method == http.MethodPut && strings.Contains(path, "/send/"):
		roomID := strings.SplitN(strings.TrimPrefix(path, "/rooms/"), "/send/", 2)[0]
		var content messaging.MessageContent
		json.NewDecoder(request.Body).Decode(&content)
		f.nextEvent++
		f.messages = append(f.messages, sentMessage{
			RoomID:  roomID,
			Sender:  actingUser,
			MsgType: content.MsgType,
			Body:    content.Body,
		})
		ok(writer, map[string]string{"event_id": fmt.Sprintf("$event%d", f.nextEvent)})

	case strings.Contains(path, "/state/"):
		parts := strings.SplitN(strings.TrimPrefix(path, "/rooms/"), "/state/", 2)
		key := parts[0] + "|" + parts[1]
		if request.Method == http.MethodPut {
			raw, _ := io.ReadAll(request.Body)
			f.stateEvents[key] = raw
			f.nextEvent++
			ok(writer, map[string]string{"event_id": fmt.Sprintf("$event%d", f.nextEvent)})
			return
		}
		if content, exists := f.stateEvents[key]; exists {
			writer.Header().Set("Content-Type", "application/json")
			writer.Write(content)
			return
		}
		matrixError(writer, http.StatusNotFound, "M_NOT_FOUND", "no state")

	default:
		f.t.Logf("fake homeserver: unhandled %s %s", request.Method, path)
		matrixError(writer, http.StatusNotFound, "M_UNRECOGNIZED", "unhandled")
	}
}

func ok(writer http.ResponseWriter, v any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(v)
}

func matrixError(writer http.ResponseWriter, status int, code, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]string{"errcode": code, "error": message})
}

// invocationRecord is one agent call the fake backend received.
type invocationRecord struct {
	BoardID string
	Message string
	Sender  string
	RoomID  string
}

// fakeBackend implements the board list and agent invocation
// endpoints. Invocations are announced on the invoked channel so tests
// can wait for asynchronous dispatch.
type fakeBackend struct {
	mu      sync.Mutex
	boards  []boards.Board
	replies map[string]string
	// block, when set for a board, makes the invocation hang until
	// the request context is cancelled.
	block map[string]bool

	// fail, when set for a board, makes the invocation answer 500.
	fail map[string]bool

	invoked chan invocationRecord
}

func newFakeBackend(boardList ...boards.Board) *fakeBackend {
	return &fakeBackend{
		boards:  boardList,
		replies: make(map[string]string),
		block:   make(map[string]bool),
		fail:    make(map[string]bool),
		invoked: make(chan invocationRecord, 16),
	}
}

func (f *fakeBackend) setReply(boardID, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[boardID] = reply
}

func (f *fakeBackend) setBoards(boardList ...boards.Board) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boards = boardList
}

func (f *fakeBackend) setBlocking(boardID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block[boardID] = true
}

func (f *fakeBackend) setFailing(boardID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[boardID] = true
}

func (f *fakeBackend) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	switch {
	case request.URL.Path == "/api/boards":
		f.mu.Lock()
		list := append([]boards.Board(nil), f.boards...)
		f.mu.Unlock()
		ok(writer, map[string]any{"boards": list})

	case strings.HasPrefix(request.URL.Path, "/api/agents/"):
		boardID := strings.TrimSuffix(strings.TrimPrefix(request.URL.Path, "/api/agents/"), "/agent_input")
		record := invocationRecord{
			BoardID: boardID,
			Message: request.URL.Query().Get("message"),
			Sender:  request.URL.Query().Get("sender"),
			RoomID:  request.URL.Query().Get("roomId"),
		}
		select {
		case f.invoked <- record:
		default:
		}

		f.mu.Lock()
		blocking := f.block[boardID]
		failing := f.fail[boardID]
		reply, hasReply := f.replies[boardID]
		f.mu.Unlock()

		if blocking {
			<-request.Context().Done()
			return
		}
		if failing {
			http.Error(writer, "automation engine crashed", http.StatusInternalServerError)
			return
		}
		if !hasReply {
			reply = "ack"
		}
		ok(writer, map[string]string{"response": reply})

	default:
		http.NotFound(writer, request)
	}
}

// rig is a fully wired bridge over fake servers.
type rig struct {
	hs       *fakeHomeserver
	backend  *fakeBackend
	client   *messaging.Client
	boards   *boards.Client
	state    *State
	rooms    *RoomManager
	registry *Registry
	detector *DMDetector
	calls    *CallController
	clock    *clock.FakeClock
	history  *history.Store
	logs     *chatlog.Logger
	dispatch *Dispatcher
	server   *Server

	botUser ref.UserID
}

const (
	testCallTimeout   = 3 * time.Minute
	testTypingRefresh = 20 * time.Second
)

func newRig(t *testing.T, backend *fakeBackend, broadcastBoardID string) *rig {
	t.Helper()

	hs := newFakeHomeserver(t)
	hsServer := httptest.NewServer(hs)
	t.Cleanup(hsServer.Close)
	backendServer := httptest.NewServer(backend)
	t.Cleanup(backendServer.Close)

	asToken, err := secret.NewFromString("as-token")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { asToken.Close() })

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: hsServer.URL,
		ASToken:       asToken,
	})
	if err != nil {
		t.Fatal(err)
	}

	backendClient, err := boards.NewClient(boards.ClientConfig{BaseURL: backendServer.URL})
	if err != nil {
		t.Fatal(err)
	}

	server, err := ref.ParseServerName(testServerName)
	if err != nil {
		t.Fatal(err)
	}
	botUser := ref.MatrixUserID("agentbridge", server)
	alias, err := ref.NewRoomAlias("agents", server)
	if err != nil {
		t.Fatal(err)
	}

	fakeClock := clock.Fake(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	state := NewState()
	rooms := NewRoomManager(client, state, botUser, alias, nil)
	registry := NewRegistry(client, backendClient, state, rooms, server, nil)
	detector := NewDMDetector(client, state, rooms, nil)
	calls := NewCallController(fakeClock, testCallTimeout, nil)
	typing := NewTypingSimulator(client, fakeClock, testTypingRefresh, nil)

	historyStore, err := history.OpenStore(history.StoreConfig{
		Path: t.TempDir() + "/history.db",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { historyStore.Close() })

	logs, err := chatlog.New(chatlog.Config{
		Dir:   t.TempDir(),
		State: client,
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatal(err)
	}

	dispatch := NewDispatcher(DispatcherConfig{
		Client:           client,
		Backend:          backendClient,
		State:            state,
		Rooms:            rooms,
		Registry:         registry,
		Detector:         detector,
		Calls:            calls,
		Typing:           typing,
		History:          historyStore,
		Transcripts:      logs,
		Clock:            fakeClock,
		BotUser:          botUser,
		BroadcastBoardID: broadcastBoardID,
	})

	hsToken, err := secret.NewFromString("hs-token")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hsToken.Close() })

	appservice, err := NewServer(ServerConfig{
		ListenAddr: ":0",
		HSToken:    hsToken,
		Dispatcher: dispatch,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &rig{
		hs:       hs,
		backend:  backend,
		client:   client,
		boards:   backendClient,
		state:    state,
		rooms:    rooms,
		registry: registry,
		detector: detector,
		calls:    calls,
		clock:    fakeClock,
		history:  historyStore,
		logs:     logs,
		dispatch: dispatch,
		server:   appservice,
		botUser:  botUser,
	}
}

// messageEvent builds an m.room.message event.
func messageEvent(t *testing.T, roomID, sender, body string) messaging.Event {
	t.Helper()
	content, err := json.Marshal(messaging.MessageContent{MsgType: "m.text", Body: body})
	if err != nil {
		t.Fatal(err)
	}
	return messaging.Event{
		Type:    "m.room.message",
		EventID: ref.MustParseEventID("$" + sender + body[:min(len(body), 8)]),
		Sender:  ref.MustParseUserID(sender),
		RoomID:  ref.MustParseRoomID(roomID),
		Content: content,
	}
}

// inviteEvent builds an m.room.member invite event.
func inviteEvent(t *testing.T, roomID, inviter, target string) messaging.Event {
	t.Helper()
	content, err := json.Marshal(messaging.MembershipContent{Membership: messaging.MembershipInvite})
	if err != nil {
		t.Fatal(err)
	}
	stateKey := target
	return messaging.Event{
		Type:     "m.room.member",
		EventID:  ref.MustParseEventID("$invite"),
		Sender:   ref.MustParseUserID(inviter),
		RoomID:   ref.MustParseRoomID(roomID),
		StateKey: &stateKey,
		Content:  content,
	}
}

func roomID(t *testing.T, raw string) ref.RoomID {
	t.Helper()
	return ref.MustParseRoomID(raw)
}

func testBoard(id, title string) boards.Board {
	return boards.Board{
		ID:           id,
		Title:        title,
		ChatVisible:  true,
		Capabilities: []string{boards.CapabilityAgentInput},
	}
}
