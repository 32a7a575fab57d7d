// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/lib/secret"
	"github.com/bureau-foundation/agentbridge/messaging"
)

// seenTransactionCap bounds the transaction dedup window. Homeservers
// retry transactions in order, so a recent window is enough.
const seenTransactionCap = 1024

// ServerConfig wires the appservice HTTP server.
type ServerConfig struct {
	// ListenAddr is the bind address (e.g., ":9009").
	ListenAddr string

	// HSToken authenticates inbound requests: the homeserver's
	// pushes and the backend's room sends. The server reads the
	// buffer but does not close it.
	HSToken *secret.Buffer

	// Dispatcher handles transactions, user queries, and room sends.
	Dispatcher *Dispatcher

	// Metrics backs the /metrics endpoint. Optional.
	Metrics *Metrics

	// Logger receives request-level messages. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Server is the appservice HTTP surface.
//
// Routes:
//
//	PUT  /_matrix/app/v1/transactions/{txnId}   homeserver event push
//	GET  /_matrix/app/v1/users/{userId}         user existence query
//	PUT  /transactions/{txnId}                  legacy (pre-r0.1.0) push
//	GET  /users/{userId}                        legacy user query
//	POST /v1/rooms/send                         backend posts as an agent
//	GET  /healthz                               liveness (no auth)
//	GET  /metrics                               Prometheus (no auth)
type Server struct {
	config     ServerConfig
	logger     *slog.Logger
	router     *mux.Router
	httpServer *http.Server

	mu        sync.Mutex
	seenTxns  map[string]bool
	seenOrder []string
}

// NewServer creates the appservice HTTP server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.HSToken == nil {
		return nil, fmt.Errorf("bridge: HSToken is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("bridge: Dispatcher is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		seenTxns: make(map[string]bool),
	}

	router := mux.NewRouter()
	router.Handle("/_matrix/app/v1/transactions/{txnId}", s.authenticated(s.handleTransactions)).Methods(http.MethodPut)
	router.Handle("/_matrix/app/v1/users/{userId}", s.authenticated(s.handleUserQuery)).Methods(http.MethodGet)
	// Legacy unprefixed routes for older homeservers.
	router.Handle("/transactions/{txnId}", s.authenticated(s.handleTransactions)).Methods(http.MethodPut)
	router.Handle("/users/{userId}", s.authenticated(s.handleUserQuery)).Methods(http.MethodGet)

	router.Handle("/v1/rooms/send", s.authenticated(s.handleRoomSend)).Methods(http.MethodPost)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = router

	return s, nil
}

// Handler returns the routing handler, for tests that drive the
// server through httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully within the given budget.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("appservice listening", "addr", s.config.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("bridge: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge: shutdown: %w", err)
	}
	s.logger.Info("appservice stopped")
	return nil
}

// authenticated enforces the hs_token on a handler. The token arrives
// either as the access_token query parameter (the classic appservice
// mechanism) or as a Bearer header (newer homeservers, and the
// backend).
func (s *Server) authenticated(handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		token := request.URL.Query().Get("access_token")
		if token == "" {
			token = strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			writeMatrixError(writer, http.StatusUnauthorized, messaging.ErrCodeUnknownToken, "Missing access token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), s.config.HSToken.Bytes()) != 1 {
			writeMatrixError(writer, http.StatusForbidden, messaging.ErrCodeForbidden, "Bad access token")
			return
		}
		handler(writer, request)
	})
}

// handleTransactions accepts a homeserver event push. Always responds
// 200 {} once the transaction is accepted: processing failures are the
// bridge's problem, and a non-200 would make the homeserver retry a
// transaction that cannot succeed differently.
func (s *Server) handleTransactions(writer http.ResponseWriter, request *http.Request) {
	txnID := mux.Vars(request)["txnId"]

	var transaction messaging.Transaction
	if err := json.NewDecoder(request.Body).Decode(&transaction); err != nil {
		writeMatrixError(writer, http.StatusBadRequest, "M_NOT_JSON", "Malformed transaction body")
		return
	}

	if s.markSeen(txnID) {
		s.logger.Debug("duplicate transaction", "txn_id", txnID)
		writeJSON(writer, http.StatusOK, struct{}{})
		return
	}

	s.logger.Debug("transaction received",
		"txn_id", txnID,
		"events", len(transaction.Events),
	)
	s.config.Dispatcher.HandleTransaction(request.Context(), transaction)
	writeJSON(writer, http.StatusOK, struct{}{})
}

// handleUserQuery answers whether a user in the bridge's namespace
// exists, provisioning it on demand.
func (s *Server) handleUserQuery(writer http.ResponseWriter, request *http.Request) {
	rawUserID := mux.Vars(request)["userId"]
	user, err := ref.ParseUserID(rawUserID)
	if err != nil {
		writeMatrixError(writer, http.StatusBadRequest, messaging.ErrCodeInvalidParam, "Invalid user ID")
		return
	}

	if s.config.Dispatcher.HandleUserQuery(request.Context(), user) {
		writeJSON(writer, http.StatusOK, struct{}{})
		return
	}
	writeMatrixError(writer, http.StatusNotFound, messaging.ErrCodeNotFound, "Unknown user")
}

// roomSendRequest is the backend's room send body.
type roomSendRequest struct {
	BoardID string `json:"board_id"`
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

// handleRoomSend lets the backend post into a room as a board's
// agent. Interim output during a call also pushes the call deadline
// out.
func (s *Server) handleRoomSend(writer http.ResponseWriter, request *http.Request) {
	var body roomSendRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeJSONError(writer, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.BoardID == "" || body.Message == "" {
		writeJSONError(writer, http.StatusBadRequest, "board_id and message are required")
		return
	}
	roomID, err := ref.ParseRoomID(body.RoomID)
	if err != nil {
		writeJSONError(writer, http.StatusBadRequest, "invalid room_id")
		return
	}

	eventID, err := s.config.Dispatcher.SendAsAgent(request.Context(), body.BoardID, roomID, body.Message)
	if err != nil {
		s.logger.Error("room send failed",
			"board_id", body.BoardID,
			"room_id", roomID,
			"error", err,
		)
		writeJSONError(writer, http.StatusBadGateway, "send failed")
		return
	}

	writeJSON(writer, http.StatusOK, map[string]string{"event_id": eventID.String()})
}

func (s *Server) handleHealthz(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}

// markSeen records a transaction ID, reporting whether it was already
// seen. The window is bounded; oldest entries fall off first.
func (s *Server) markSeen(txnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seenTxns[txnID] {
		return true
	}
	s.seenTxns[txnID] = true
	s.seenOrder = append(s.seenOrder, txnID)
	if len(s.seenOrder) > seenTransactionCap {
		delete(s.seenTxns, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	return false
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(v)
}

func writeMatrixError(writer http.ResponseWriter, status int, code, message string) {
	writeJSON(writer, status, map[string]string{
		"errcode": code,
		"error":   message,
	})
}

func writeJSONError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]string{"error": message})
}
