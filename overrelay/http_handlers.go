// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
)

// HTTPHandlers serves the relay API of one node
type HTTPHandlers struct {
	service       *RelayService
	authenticator NodeAuthenticator
	logger        *slog.Logger
	workers       *semaphore.Weighted
}

// NewHTTPHandlers creates the handlers. At most service.config.MaxConcurrentWorkers push, pull
// and ack requests run at once; the rest are answered with the busy status.
func NewHTTPHandlers(service *RelayService, authenticator NodeAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
		workers:       semaphore.NewWeighted(int64(max(service.config.MaxConcurrentWorkers, 1))),
	}
}

// Router mounts every relay route. Registration and health are public; push, pull and ack
// require a node token.
func (h *HTTPHandlers) Router() *mux.Router {
	m := mux.NewRouter()
	m.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed on "+r.URL.Path)
	})
	m.HandleFunc(PathRegister, h.HandleRegister).Methods(http.MethodPost)
	m.HandleFunc(PathHealth, h.HandleHealth).Methods(http.MethodGet)
	m.Handle(PathMetrics, promhttp.HandlerFor(h.service.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	relay := m.NewRoute().Subrouter()
	if mw, ok := h.authenticator.(interface {
		Middleware(http.Handler) http.Handler
	}); ok {
		relay.Use(mw.Middleware)
	}
	relay.HandleFunc(PathPush, h.HandlePush).Methods(http.MethodPost)
	relay.HandleFunc(PathPull, h.HandlePull).Methods(http.MethodGet)
	relay.HandleFunc(PathAck, h.HandleAck).Methods(http.MethodPost)
	return m
}

// HandlePush loads the batches a peer pushes and answers with their acknowledgement lines
func (h *HTTPHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !h.workers.TryAcquire(1) {
		h.writeFailure(w, ErrServiceBusy)
		return
	}
	defer h.workers.Release(1)

	if err := h.service.registry.CheckPeer(r.Context(), nodeID); err != nil {
		h.writeFailure(w, err)
		return
	}

	var payload BatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push payload")
		return
	}
	acks, err := h.service.loader.LoadBatches(r.Context(), nodeID, &payload)
	if err != nil && len(acks) == 0 {
		h.logger.Error("Failed to load pushed batches", "error", err, "node_id", nodeID)
		h.writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}

	primary, extended := EncodeAcks(acks)
	response := PushResponse{Acks: primary, AcksExt: extended}
	for _, a := range acks {
		if a.IsOK {
			response.Accepted++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode push response", "error", err, "node_id", nodeID)
	}
}

// HandlePull extracts the batches due for the calling peer. Batches whose payload could not be
// written go to ER and are resent on the next pull.
func (h *HTTPHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !h.workers.TryAcquire(1) {
		h.writeFailure(w, ErrServiceBusy)
		return
	}
	defer h.workers.Release(1)

	if err := h.service.registry.CheckPeer(r.Context(), nodeID); err != nil {
		h.writeFailure(w, err)
		return
	}

	payload, err := h.service.extractor.ExtractBatches(r.Context(), nodeID)
	if err != nil {
		h.logger.Error("Failed to extract batches", "error", err, "node_id", nodeID)
		h.writeError(w, http.StatusInternalServerError, "extract_failed", "Failed to extract batches")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err, "node_id", nodeID)
		if merr := h.service.extractor.MarkSendFailed(r.Context(), payload, err); merr != nil {
			h.logger.Error("Failed to record send failure", "error", merr, "node_id", nodeID)
		}
		return
	}
	if len(payload.Batches) == 0 {
		return
	}
	if err := h.service.extractor.MarkSent(r.Context(), nodeID, payload, 0); err != nil {
		h.logger.Error("Failed to mark pulled batches sent", "error", err, "node_id", nodeID)
	}
}

// HandleAck applies the acknowledgement lines a peer posts after pulling
func (h *HTTPHandlers) HandleAck(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !h.workers.TryAcquire(1) {
		h.writeFailure(w, ErrServiceBusy)
		return
	}
	defer h.workers.Release(1)

	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse ack request")
		return
	}
	acks, err := ReadAcknowledgementLines(req.Acks, req.AcksExt)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	registrationOnly := true
	for i := range acks {
		if acks[i].NodeID == "" {
			acks[i].NodeID = nodeID
		}
		if acks[i].NodeID != nodeID {
			h.writeError(w, http.StatusForbidden, "forbidden", "acknowledgement for another node")
			return
		}
		if acks[i].BatchID != VirtualRegistrationBatchID {
			registrationOnly = false
		}
	}
	// A registering node acks its virtual batch before it is allowed to sync.
	if !registrationOnly {
		if err := h.service.registry.CheckPeer(r.Context(), nodeID); err != nil {
			h.writeFailure(w, err)
			return
		}
	}

	if err := h.service.acks.AckAll(r.Context(), acks); err != nil {
		h.logger.Error("Failed to apply acknowledgements", "error", err, "node_id", nodeID)
		h.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(AckResponse{Applied: len(acks)}); err != nil {
		h.logger.Error("Failed to encode ack response", "error", err, "node_id", nodeID)
	}
}

// HandleRegister issues a node token when registration is open for the caller
func (h *HTTPHandlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse register request")
		return
	}
	if req.NodeID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "node_id is required")
		return
	}
	resp, err := h.service.registry.HandleRegister(r.Context(), &req)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode register response", "error", err, "node_id", req.NodeID)
	}
}

// HandleHealth reports batch counts and open gaps
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Health(r.Context())
	if err != nil {
		h.logger.Error("Health check failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "health_failed", "Failed to read node status")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}

// authenticate resolves the calling node and checks it against the nodeId query parameter
func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.service.checkClosed() != nil {
		h.writeFailure(w, ErrServiceBusy)
		return "", false
	}
	nodeID, err := h.authenticator.GetNodeID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	if claimed := r.URL.Query().Get(nodeIDParam); claimed != "" && claimed != nodeID {
		h.writeError(w, http.StatusForbidden, "forbidden", "token does not belong to "+claimed)
		return "", false
	}
	return nodeID, true
}

// writeFailure maps err to its relay status code
func (h *HTTPHandlers) writeFailure(w http.ResponseWriter, err error) {
	status := sentinelStatus(err)
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRegistrationRequired):
		code = "registration_required"
	case errors.Is(err, ErrSyncDisabled):
		code = "sync_disabled"
	case errors.Is(err, ErrServiceBusy):
		code = "busy"
	case errors.Is(err, ErrNotAuthenticated):
		code = "authentication_failed"
	}
	h.writeError(w, status, code, err.Error())
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		h.logger.Error("Failed to encode error response", "error", err, "error_code", errorCode)
	}

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
