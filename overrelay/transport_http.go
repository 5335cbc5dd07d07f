// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Relay HTTP paths
const (
	PathPush     = "/relay/push"
	PathPull     = "/relay/pull"
	PathAck      = "/relay/ack"
	PathRegister = "/relay/register"
	PathHealth   = "/health"
	PathMetrics  = "/metrics"
)

const nodeIDParam = "nodeId"

// Transport moves payloads and acknowledgements between this node and a peer
type Transport interface {
	Push(ctx context.Context, peer Node, payload *BatchPayload) (*PushResponse, error)
	Pull(ctx context.Context, peer Node) (*BatchPayload, error)
	SendAcks(ctx context.Context, peer Node, req *AckRequest) error
	Register(ctx context.Context, peer Node, req *RegisterRequest) (*RegisterResponse, error)
}

// TokenFunc returns the bearer token presented to peer
type TokenFunc func(ctx context.Context, peer Node) (string, error)

// HTTPTransport is the JSON-over-HTTP Transport
type HTTPTransport struct {
	HTTP        *http.Client
	LocalNodeID string
	Token       TokenFunc
}

// NewHTTPTransport creates a transport with a default client timeout
func NewHTTPTransport(localNodeID string, token TokenFunc, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPTransport{
		HTTP:        &http.Client{Timeout: timeout},
		LocalNodeID: localNodeID,
		Token:       token,
	}
}

// PeerTokenFunc presents the token stored for the peer at registration, and otherwise a token
// minted with the shared secret
func PeerTokenFunc(jwtAuth *JWTAuth, localNodeID string, ttl time.Duration) TokenFunc {
	return func(_ context.Context, peer Node) (string, error) {
		if peer.AuthToken != "" {
			return peer.AuthToken, nil
		}
		if jwtAuth == nil {
			return "", nil
		}
		return jwtAuth.GenerateToken(localNodeID, ttl)
	}
}

func (t *HTTPTransport) Push(ctx context.Context, peer Node, payload *BatchPayload) (*PushResponse, error) {
	var resp PushResponse
	if err := t.do(ctx, peer, "push", http.MethodPost, PathPush, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, peer Node) (*BatchPayload, error) {
	var payload BatchPayload
	if err := t.do(ctx, peer, "pull", http.MethodGet, PathPull, nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (t *HTTPTransport) SendAcks(ctx context.Context, peer Node, req *AckRequest) error {
	return t.do(ctx, peer, "ack", http.MethodPost, PathAck, req, nil)
}

func (t *HTTPTransport) Register(ctx context.Context, peer Node, req *RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := t.do(ctx, peer, "register", http.MethodPost, PathRegister, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) do(ctx context.Context, peer Node, op, method, path string, body, out any) error {
	if peer.SyncURL == "" {
		return &TransportError{NodeID: peer.NodeID, Operation: op, Err: fmt.Errorf("peer has no sync url")}
	}
	u, err := url.Parse(strings.TrimSuffix(peer.SyncURL, "/") + path)
	if err != nil {
		return &TransportError{NodeID: peer.NodeID, Operation: op, Err: fmt.Errorf("invalid sync url: %w", err)}
	}
	q := u.Query()
	q.Set(nodeIDParam, t.LocalNodeID)
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(jsonData)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.Token != nil {
		token, err := t.Token(ctx, peer)
		if err != nil {
			return fmt.Errorf("failed to get JWT token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return &TransportError{NodeID: peer.NodeID, Operation: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		var er ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Message != "" {
			msg = er.Message
		}
		sentinel := statusSentinel(resp.StatusCode)
		if sentinel == nil {
			sentinel = fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return &TransportError{
			NodeID:     peer.NodeID,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Err:        sentinel,
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{NodeID: peer.NodeID, Operation: op, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to decode %s response: %w", op, err)}
	}
	return nil
}
