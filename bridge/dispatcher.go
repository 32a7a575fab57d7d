// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/agentbridge/boards"
	"github.com/bureau-foundation/agentbridge/chatlog"
	"github.com/bureau-foundation/agentbridge/history"
	"github.com/bureau-foundation/agentbridge/lib/clock"
	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/messaging"
)

// broadcastContextLines is how much transcript the broadcast agent
// sees ahead of the current message.
const broadcastContextLines = 20

// clearCommand resets conversation context. In a DM it clears the
// stored history window; in the broadcast room it drops a boundary
// into the transcript.
const clearCommand = "!clear"

// command is the closed set of bridge commands a message can carry.
type command int

const (
	commandNone command = iota
	commandClear
)

func parseCommand(body string) command {
	if strings.EqualFold(strings.TrimSpace(body), clearCommand) {
		return commandClear
	}
	return commandNone
}

// Dispatcher routes homeserver events to agent invocations.
type Dispatcher struct {
	client      *messaging.Client
	backend     *boards.Client
	state       *State
	rooms       *RoomManager
	registry    *Registry
	detector    *DMDetector
	calls       *CallController
	typing      *TypingSimulator
	history     *history.Store
	transcripts *chatlog.Logger
	metrics     *Metrics
	clock       clock.Clock
	logger      *slog.Logger

	botUser          ref.UserID
	broadcastBoardID string
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Client      *messaging.Client
	Backend     *boards.Client
	State       *State
	Rooms       *RoomManager
	Registry    *Registry
	Detector    *DMDetector
	Calls       *CallController
	Typing      *TypingSimulator
	History     *history.Store
	Transcripts *chatlog.Logger
	Metrics     *Metrics
	Clock       clock.Clock
	Logger      *slog.Logger

	// BotUser is the bridge's own bot; its messages are never routed.
	BotUser ref.UserID

	// BroadcastBoardID selects the agent that answers broadcast room
	// traffic. Empty disables broadcast forwarding.
	BroadcastBoardID string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Dispatcher{
		client:           cfg.Client,
		backend:          cfg.Backend,
		state:            cfg.State,
		rooms:            cfg.Rooms,
		registry:         cfg.Registry,
		detector:         cfg.Detector,
		calls:            cfg.Calls,
		typing:           cfg.Typing,
		history:          cfg.History,
		transcripts:      cfg.Transcripts,
		metrics:          cfg.Metrics,
		clock:            clk,
		logger:           logger,
		botUser:          cfg.BotUser,
		broadcastBoardID: cfg.BroadcastBoardID,
	}
}

// HandleTransaction processes one homeserver transaction. Events are
// handled in their own goroutines: the homeserver expects a fast 200
// and retries the whole transaction on error, so a slow agent call
// must not block the acknowledgment. The goroutines outlive the
// request context by design.
func (d *Dispatcher) HandleTransaction(ctx context.Context, transaction messaging.Transaction) {
	d.metrics.RecordTransaction()

	background := context.WithoutCancel(ctx)
	for _, event := range transaction.Events {
		event := event
		go d.handleEvent(background, event)
	}
}

// HandleUserQuery answers the homeserver's user existence query,
// provisioning the agent on demand.
func (d *Dispatcher) HandleUserQuery(ctx context.Context, user ref.UserID) bool {
	exists, err := d.registry.EnsureAgentByUserID(ctx, user)
	if err != nil {
		d.logger.Error("user query failed", "user_id", user, "error", err)
		return false
	}
	return exists
}

func (d *Dispatcher) handleEvent(ctx context.Context, event messaging.Event) {
	d.metrics.RecordEvent(event.Type.String())

	switch event.Type {
	case "m.room.member":
		d.handleMembership(ctx, event)
	case "m.room.message":
		d.handleMessage(ctx, event)
	}
}

// handleMembership watches for agents being invited to rooms and
// accepts on their behalf.
func (d *Dispatcher) handleMembership(ctx context.Context, event messaging.Event) {
	var content messaging.MembershipContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		d.logger.Warn("unparseable membership event",
			"event_id", event.EventID,
			"error", err,
		)
		return
	}

	var target ref.UserID
	if event.StateKey != nil {
		target, _ = ref.ParseUserID(*event.StateKey)
	}
	agent, targetIsAgent := d.state.AgentByUserID(target)

	// Any membership change can flip a room between DM and group,
	// except an agent's own join: that is the agent accepting an
	// invite, and the invite already cached the room as its DM.
	agentJoin := targetIsAgent && content.Membership == messaging.MembershipJoin
	if !agentJoin {
		d.state.ForgetRoom(event.RoomID)
	}

	if content.Membership != messaging.MembershipInvite || !targetIsAgent {
		return
	}

	if err := d.rooms.JoinRoom(ctx, agent, event.RoomID); err != nil {
		d.logger.Error("agent failed to accept invite",
			"agent", agent.UserID,
			"room_id", event.RoomID,
			"error", err,
		)
		return
	}
	d.logger.Info("agent accepted invite",
		"agent", agent.UserID,
		"room_id", event.RoomID,
		"inviter", event.Sender,
	)

	// An invite is an unambiguous DM signal: the inviter chose this
	// agent. Cache directly instead of probing, the membership
	// heuristic would misread a populated room.
	d.state.CacheDM(event.RoomID, agent)
}

// handleMessage is the routing order in code form: loop guard,
// transcript, command, broadcast, mention, DM.
func (d *Dispatcher) handleMessage(ctx context.Context, event messaging.Event) {
	var content messaging.MessageContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		d.logger.Warn("unparseable message event",
			"event_id", event.EventID,
			"error", err,
		)
		return
	}
	// Notices (including the bridge's own error notices) and
	// non-text messages never route to agents.
	if content.MsgType != "m.text" {
		return
	}

	// Loop guard: nothing the bridge itself says is routed back in.
	if event.Sender == d.botUser || IsAgentUserID(event.Sender) {
		return
	}

	if err := d.transcripts.Append(ctx, event.RoomID, event.Sender, content.Body); err != nil {
		d.logger.Warn("transcript append failed",
			"room_id", event.RoomID,
			"error", err,
		)
	}

	isBroadcast := d.rooms.IsBroadcastRoom(event.RoomID)

	if parseCommand(content.Body) == commandClear {
		d.handleClear(ctx, event.RoomID, isBroadcast)
		return
	}

	if isBroadcast {
		// Broadcast forwarding is fire-and-forget so a slow broadcast
		// agent does not delay a mention in the same message.
		go d.handleBroadcast(ctx, event, content.Body)
	}

	// Mentions work everywhere, including the broadcast room: a
	// message can both reach the broadcast agent and address a
	// specific one.
	for _, agent := range d.state.Agents() {
		if payload, ok := agent.Mention(content.Body); ok {
			d.invokeAgent(ctx, agent, event.RoomID, invocation{
				message: payload,
				sender:  event.Sender,
			})
			return
		}
	}

	if isBroadcast {
		return
	}

	if agent, isDM := d.detector.Classify(ctx, event.RoomID); isDM {
		d.handleDirectMessage(ctx, agent, event, content.Body)
	}
}

// handleClear resets conversation context in a room.
func (d *Dispatcher) handleClear(ctx context.Context, roomID ref.RoomID, isBroadcast bool) {
	if err := d.transcripts.AppendBoundary(ctx, roomID); err != nil {
		d.logger.Warn("transcript boundary failed", "room_id", roomID, "error", err)
	}

	if !isBroadcast {
		if agent, isDM := d.detector.Classify(ctx, roomID); isDM {
			if err := d.history.Clear(ctx, agent.BoardID, roomID); err != nil {
				d.logger.Error("history clear failed",
					"board_id", agent.BoardID,
					"room_id", roomID,
					"error", err,
				)
			}
		}
	}

	notice := messaging.NewNotice("Context cleared.")
	if _, err := d.client.SendMessage(ctx, d.botUser, roomID, notice); err != nil {
		d.logger.Warn("clear notice failed", "room_id", roomID, "error", err)
	}
}

// handleBroadcast forwards a broadcast room message to the broadcast
// board's agent with recent transcript as context.
func (d *Dispatcher) handleBroadcast(ctx context.Context, event messaging.Event, body string) {
	if d.broadcastBoardID == "" {
		return
	}
	agent, ok := d.state.AgentByBoard(d.broadcastBoardID)
	if !ok {
		d.logger.Warn("broadcast board has no agent", "board_id", d.broadcastBoardID)
		return
	}
	// The sender's own message is already in the transcript; the tail
	// is the full context.
	lines, err := d.transcripts.Tail(ctx, event.RoomID, broadcastContextLines)
	if err != nil {
		d.logger.Warn("transcript tail failed", "room_id", event.RoomID, "error", err)
	}

	message := body
	if len(lines) > 0 {
		message = strings.Join(lines, "\n")
	}

	d.invokeAgent(ctx, agent, event.RoomID, invocation{
		message: message,
		sender:  event.Sender,
	})
}

// handleDirectMessage routes a DM to the partner agent with the
// stored conversation window replayed ahead of the new message.
func (d *Dispatcher) handleDirectMessage(ctx context.Context, agent *Agent, event messaging.Event, body string) {
	entries, err := d.history.Load(ctx, agent.BoardID, event.RoomID)
	if err != nil {
		d.logger.Error("history load failed",
			"board_id", agent.BoardID,
			"room_id", event.RoomID,
			"error", err,
		)
		// Degrade to a context-free invocation rather than dropping
		// the message.
		entries = nil
	}

	reply, ok := d.invokeAgent(ctx, agent, event.RoomID, invocation{
		message: formatConversation(entries, body),
		sender:  event.Sender,
	})
	if !ok {
		return
	}

	err = d.history.Append(ctx, agent.BoardID, event.RoomID,
		history.Entry{Role: history.RoleUser, Content: body},
		history.Entry{Role: history.RoleAssistant, Content: reply},
	)
	if err != nil {
		d.logger.Error("history append failed",
			"board_id", agent.BoardID,
			"room_id", event.RoomID,
			"error", err,
		)
	}
}

// invocation is what gets sent to the backend for one agent call.
type invocation struct {
	message string
	sender  ref.UserID
}

// invokeAgent runs one agent call end to end: typing indicator on,
// backend invocation under the resettable deadline, reply (or error
// notice) into the room, transcript, metrics. Returns the reply text
// and whether the call succeeded.
//
// Failures surface in the room as notices, never as raw error text:
// backend errors can carry URLs and tokens.
func (d *Dispatcher) invokeAgent(ctx context.Context, agent *Agent, roomID ref.RoomID, call invocation) (string, bool) {
	stopTyping := d.typing.Start(ctx, agent.UserID, roomID)
	start := d.clock.Now()

	var reply string
	err := d.calls.Run(ctx, roomID, func(callCtx context.Context) error {
		var invokeErr error
		reply, invokeErr = d.backend.Invoke(callCtx, boards.InvokeRequest{
			BoardID: agent.BoardID,
			Message: call.message,
			Sender:  call.sender.String(),
			RoomID:  roomID.String(),
		})
		return invokeErr
	})

	stopTyping()
	elapsed := d.clock.Now().Sub(start).Seconds()

	switch {
	case err == nil:
		d.metrics.RecordAgentCall(OutcomeOK, elapsed)
	case IsTimeout(err):
		d.metrics.RecordAgentCall(OutcomeTimeout, elapsed)
		d.logger.Warn("agent call timed out",
			"agent", agent.UserID,
			"room_id", roomID,
		)
		d.sendNotice(ctx, agent.UserID, roomID,
			"The agent is taking too long and the call was cut off. Try again, or check the board's automation.")
		return "", false
	default:
		d.metrics.RecordAgentCall(OutcomeError, elapsed)
		d.logger.Error("agent call failed",
			"agent", agent.UserID,
			"board_id", agent.BoardID,
			"room_id", roomID,
			"error", err,
		)
		d.sendNotice(ctx, agent.UserID, roomID,
			"The agent could not be reached. The backend may be down.")
		return "", false
	}

	if _, err := d.client.SendMessage(ctx, agent.UserID, roomID, messaging.NewTextMessage(reply)); err != nil {
		d.logger.Error("sending agent reply failed",
			"agent", agent.UserID,
			"room_id", roomID,
			"error", err,
		)
		return "", false
	}
	if err := d.transcripts.Append(ctx, roomID, agent.UserID, reply); err != nil {
		d.logger.Warn("transcript append failed", "room_id", roomID, "error", err)
	}
	return reply, true
}

// SendAsAgent posts a message into a room as a board's agent, on
// behalf of the backend (interim progress, card notifications). An
// in-flight call in the room gets its deadline pushed out: the agent
// is demonstrably alive.
func (d *Dispatcher) SendAsAgent(ctx context.Context, boardID string, roomID ref.RoomID, message string) (ref.EventID, error) {
	agent, ok := d.state.AgentByBoard(boardID)
	if !ok {
		return ref.EventID{}, fmt.Errorf("bridge: no agent for board %q", boardID)
	}

	eventID, err := d.client.SendMessage(ctx, agent.UserID, roomID, messaging.NewTextMessage(message))
	if err != nil {
		return ref.EventID{}, err
	}
	if err := d.transcripts.Append(ctx, roomID, agent.UserID, message); err != nil {
		d.logger.Warn("transcript append failed", "room_id", roomID, "error", err)
	}

	d.calls.ResetDeadline(roomID)
	return eventID, nil
}

func (d *Dispatcher) sendNotice(ctx context.Context, user ref.UserID, roomID ref.RoomID, text string) {
	if _, err := d.client.SendMessage(ctx, user, roomID, messaging.NewNotice(text)); err != nil {
		d.logger.Warn("sending notice failed", "room_id", roomID, "error", err)
	}
}

// formatConversation replays a stored window ahead of the new message
// in "role: content" lines.
func formatConversation(entries []history.Entry, body string) string {
	if len(entries) == 0 {
		return body
	}

	var builder strings.Builder
	for _, entry := range entries {
		builder.WriteString(entry.Role)
		builder.WriteString(": ")
		builder.WriteString(entry.Content)
		builder.WriteByte('\n')
	}
	builder.WriteString(history.RoleUser)
	builder.WriteString(": ")
	builder.WriteString(body)
	return builder.String()
}
