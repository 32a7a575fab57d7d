// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/agentbridge/lib/testutil"
	"github.com/bureau-foundation/agentbridge/messaging"
)

func serveRig(t *testing.T, rig *rig) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(rig.server.Handler())
	t.Cleanup(server.Close)
	return server
}

func transactionBody(t *testing.T, events ...messaging.Event) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(messaging.Transaction{Events: events})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(body)
}

func doRequest(t *testing.T, method, url string, body io.Reader, token string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func TestServerRejectsMissingToken(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	server := serveRig(t, rig)

	response := doRequest(t, http.MethodPut, server.URL+"/_matrix/app/v1/transactions/t1",
		transactionBody(t), "")
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", response.StatusCode)
	}

	var matrixErr struct {
		ErrCode string `json:"errcode"`
	}
	if err := json.NewDecoder(response.Body).Decode(&matrixErr); err != nil {
		t.Fatal(err)
	}
	if matrixErr.ErrCode != "M_UNKNOWN_TOKEN" {
		t.Errorf("errcode = %q, want M_UNKNOWN_TOKEN", matrixErr.ErrCode)
	}
}

func TestServerRejectsWrongToken(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	server := serveRig(t, rig)

	response := doRequest(t, http.MethodPut, server.URL+"/_matrix/app/v1/transactions/t1",
		transactionBody(t), "wrong-token")
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", response.StatusCode)
	}
}

func TestServerAcceptsQueryParameterToken(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	server := serveRig(t, rig)

	response := doRequest(t, http.MethodPut,
		server.URL+"/_matrix/app/v1/transactions/t1?access_token=hs-token",
		transactionBody(t), "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}
}

func TestServerDispatchesTransaction(t *testing.T) {
	backend := newFakeBackend()
	rig := newRig(t, backend, "")
	setupDM(t, rig, "b1", "Sales", "!dm:bridge.local")
	server := serveRig(t, rig)

	event := messageEvent(t, "!dm:bridge.local", "@alice:bridge.local", "@agent_sales ship it")
	response := doRequest(t, http.MethodPut, server.URL+"/_matrix/app/v1/transactions/t1",
		transactionBody(t, event), "hs-token")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}

	record := testutil.RequireReceive(t, backend.invoked, waitTimeout, "event not dispatched")
	if record.Message != "ship it" {
		t.Errorf("invocation = %+v", record)
	}
}

func TestServerDeduplicatesTransactions(t *testing.T) {
	backend := newFakeBackend()
	rig := newRig(t, backend, "")
	setupDM(t, rig, "b1", "Sales", "!dm:bridge.local")
	server := serveRig(t, rig)

	event := messageEvent(t, "!dm:bridge.local", "@alice:bridge.local", "@agent_sales once only")
	for i := 0; i < 2; i++ {
		response := doRequest(t, http.MethodPut, server.URL+"/_matrix/app/v1/transactions/retry-1",
			transactionBody(t, event), "hs-token")
		if response.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, want 200", i, response.StatusCode)
		}
	}

	testutil.RequireReceive(t, backend.invoked, waitTimeout, "event not dispatched")
	select {
	case record := <-backend.invoked:
		t.Fatalf("retried transaction re-dispatched: %+v", record)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerDedupWindowBounded(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")

	for i := 0; i < seenTransactionCap+10; i++ {
		rig.server.markSeen(fmt.Sprintf("txn-%d", i))
	}

	// The oldest entries fell off and would be treated as new again.
	if rig.server.markSeen("txn-0") {
		t.Error("evicted transaction still marked seen")
	}
	if !rig.server.markSeen(fmt.Sprintf("txn-%d", seenTransactionCap+9)) {
		t.Error("recent transaction not marked seen")
	}
}

func TestServerRejectsMalformedTransaction(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	server := serveRig(t, rig)

	response := doRequest(t, http.MethodPut, server.URL+"/_matrix/app/v1/transactions/t1",
		strings.NewReader("{not json"), "hs-token")
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", response.StatusCode)
	}
}

func TestServerUserQuery(t *testing.T) {
	backend := newFakeBackend(testBoard("b1", "Sales"))
	rig := newRig(t, backend, "")
	server := serveRig(t, rig)

	response := doRequest(t, http.MethodGet,
		server.URL+"/_matrix/app/v1/users/@agent_sales:bridge.local", nil, "hs-token")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("known agent: status = %d, want 200", response.StatusCode)
	}
	if _, ok := rig.state.AgentByBoard("b1"); !ok {
		t.Error("user query did not provision the agent")
	}

	response = doRequest(t, http.MethodGet,
		server.URL+"/_matrix/app/v1/users/@agent_unknown:bridge.local", nil, "hs-token")
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent: status = %d, want 404", response.StatusCode)
	}

	response = doRequest(t, http.MethodGet,
		server.URL+"/_matrix/app/v1/users/not-a-user-id", nil, "hs-token")
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid user ID: status = %d, want 400", response.StatusCode)
	}
}

func TestServerLegacyRoutes(t *testing.T) {
	backend := newFakeBackend(testBoard("b1", "Sales"))
	rig := newRig(t, backend, "")
	server := serveRig(t, rig)

	response := doRequest(t, http.MethodPut, server.URL+"/transactions/t1",
		transactionBody(t), "hs-token")
	if response.StatusCode != http.StatusOK {
		t.Errorf("legacy transactions: status = %d, want 200", response.StatusCode)
	}

	response = doRequest(t, http.MethodGet,
		server.URL+"/users/@agent_sales:bridge.local", nil, "hs-token")
	if response.StatusCode != http.StatusOK {
		t.Errorf("legacy users: status = %d, want 200", response.StatusCode)
	}
}

func TestServerRoomSend(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	agent := setupDM(t, rig, "b1", "Sales", "!dm:bridge.local")
	server := serveRig(t, rig)

	body, err := json.Marshal(roomSendRequest{
		BoardID: "b1",
		RoomID:  "!dm:bridge.local",
		Message: "progress: 3 of 7 cards done",
	})
	if err != nil {
		t.Fatal(err)
	}

	response := doRequest(t, http.MethodPost, server.URL+"/v1/rooms/send",
		bytes.NewReader(body), "hs-token")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}

	var result struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.EventID == "" {
		t.Error("no event_id in response")
	}

	message := lastMessage(t, rig)
	if message.Sender != agent.UserID.String() || message.Body != "progress: 3 of 7 cards done" {
		t.Errorf("room send = %+v", message)
	}
}

func TestServerRoomSendValidation(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	server := serveRig(t, rig)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed", "{oops", http.StatusBadRequest},
		{"missing board", `{"room_id":"!r:bridge.local","message":"hi"}`, http.StatusBadRequest},
		{"missing message", `{"board_id":"b1","room_id":"!r:bridge.local"}`, http.StatusBadRequest},
		{"bad room", `{"board_id":"b1","room_id":"nope","message":"hi"}`, http.StatusBadRequest},
		{"unknown board", `{"board_id":"ghost","room_id":"!r:bridge.local","message":"hi"}`, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			response := doRequest(t, http.MethodPost, server.URL+"/v1/rooms/send",
				strings.NewReader(tc.body), "hs-token")
			if response.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", response.StatusCode, tc.want)
			}
		})
	}
}

func TestServerHealthzUnauthenticated(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	server := serveRig(t, rig)

	response := doRequest(t, http.MethodGet, server.URL+"/healthz", nil, "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}
}
