// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const defaultTokenTTL = 365 * 24 * time.Hour

// RegistrationListener is told when a peer finishes registering with this node
type RegistrationListener interface {
	NodeRegistered(ctx context.Context, nodeID string)
}

// RegistrationListenerFunc adapts a function to RegistrationListener
type RegistrationListenerFunc func(ctx context.Context, nodeID string)

func (f RegistrationListenerFunc) NodeRegistered(ctx context.Context, nodeID string) {
	f(ctx, nodeID)
}

// Registry is the accepting side of registration. It also decides whether a peer may exchange
// batches at all.
type Registry struct {
	db          *sql.DB
	localNodeID string
	jwt         *JWTAuth
	tokenTTL    time.Duration
	listener    RegistrationListener
	logger      *slog.Logger
}

// NewRegistry creates a registry issuing tokens signed by jwtAuth
func NewRegistry(db *sql.DB, localNodeID string, jwtAuth *JWTAuth, tokenTTL time.Duration, listener RegistrationListener, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &Registry{db: db, localNodeID: localNodeID, jwt: jwtAuth, tokenTTL: tokenTTL, listener: listener, logger: logger}
}

// OpenRegistration allows nodeID to register once
func (r *Registry) OpenRegistration(ctx context.Context, nodeID string) error {
	if nodeID == "" || nodeID == r.localNodeID {
		return fmt.Errorf("invalid node id %q", nodeID)
	}
	n, err := GetNode(ctx, r.db, nodeID)
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		return err
	}
	if n == nil {
		n = &Node{NodeID: nodeID}
	}
	n.RegistrationOpen = true
	n.SyncEnabled = false
	if err := SavePeer(ctx, r.db, *n); err != nil {
		return err
	}
	r.logger.Info("Registration opened", "node_id", nodeID)
	return nil
}

// HandleRegister accepts a registration request and returns the token the node must present
func (r *Registry) HandleRegister(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req == nil || req.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	n, err := GetNode(ctx, r.db, req.NodeID)
	if errors.Is(err, ErrNodeNotFound) {
		return nil, fmt.Errorf("%w: registration is not open for %s", ErrNotAuthenticated, req.NodeID)
	}
	if err != nil {
		return nil, err
	}
	if !n.RegistrationOpen {
		return nil, fmt.Errorf("%w: registration is not open for %s", ErrNotAuthenticated, req.NodeID)
	}
	if r.jwt == nil {
		return nil, fmt.Errorf("registration needs a token issuer")
	}
	token, err := r.jwt.GenerateToken(req.NodeID, r.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token for %s: %w", req.NodeID, err)
	}
	if req.SyncURL != "" {
		n.SyncURL = req.SyncURL
		if err := SavePeer(ctx, r.db, *n); err != nil {
			return nil, err
		}
	}
	r.logger.Info("Registration accepted, waiting for acknowledgement", "node_id", req.NodeID)
	return &RegisterResponse{
		NodeID:         req.NodeID,
		RegistryNodeID: r.localNodeID,
		Token:          token,
		BatchID:        VirtualRegistrationBatchID,
	}, nil
}

// CompleteRegistration implements RegistrationCompleter
func (r *Registry) CompleteRegistration(ctx context.Context, nodeID string) error {
	n, err := GetNode(ctx, r.db, nodeID)
	if err != nil {
		return err
	}
	if !n.RegistrationOpen {
		if n.RegisteredAt != nil {
			return nil
		}
		return fmt.Errorf("%w: no open registration for %s", ErrRegistrationRequired, nodeID)
	}
	if err := markRegistered(ctx, r.db, nodeID, time.Now().UTC()); err != nil {
		return err
	}
	r.logger.Info("Node registered", "node_id", nodeID)
	if r.listener != nil {
		r.listener.NodeRegistered(ctx, nodeID)
	}
	return nil
}

// CheckPeer returns nil when nodeID may push to or pull from this node
func (r *Registry) CheckPeer(ctx context.Context, nodeID string) error {
	n, err := GetNode(ctx, r.db, nodeID)
	if errors.Is(err, ErrNodeNotFound) {
		return fmt.Errorf("%w: unknown node %s", ErrRegistrationRequired, nodeID)
	}
	if err != nil {
		return err
	}
	if n.RegistrationOpen && n.RegisteredAt == nil {
		return fmt.Errorf("%w: node %s has not completed registration", ErrRegistrationRequired, nodeID)
	}
	if !n.SyncEnabled {
		return fmt.Errorf("%w: node %s", ErrSyncDisabled, nodeID)
	}
	return nil
}

// Registrar is the registering side: it asks a peer for a token and acknowledges the virtual batch
type Registrar struct {
	db          *sql.DB
	localNodeID string
	syncURL     string
	transport   Transport
	logger      *slog.Logger
}

// NewRegistrar creates a registrar advertising syncURL as this node's address
func NewRegistrar(db *sql.DB, localNodeID, syncURL string, transport Transport, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{db: db, localNodeID: localNodeID, syncURL: syncURL, transport: transport, logger: logger}
}

// Register registers this node with peer and stores the returned token
func (r *Registrar) Register(ctx context.Context, peer Node) error {
	resp, err := r.transport.Register(ctx, peer, &RegisterRequest{NodeID: r.localNodeID, SyncURL: r.syncURL})
	if err != nil {
		return fmt.Errorf("failed to register with %s: %w", peer.NodeID, err)
	}
	if resp.Token == "" {
		return fmt.Errorf("registration with %s returned no token", peer.NodeID)
	}

	now := time.Now().UTC()
	peer.AuthToken = resp.Token
	peer.SyncEnabled = true
	peer.RegistrationOpen = false
	peer.RegisteredAt = &now
	if err := SavePeer(ctx, r.db, peer); err != nil {
		return err
	}

	primary, extended := EncodeAcks([]BatchAck{{BatchID: resp.BatchID, NodeID: r.localNodeID, IsOK: true}})
	if err := r.transport.SendAcks(ctx, peer, &AckRequest{Acks: primary, AcksExt: extended}); err != nil {
		return fmt.Errorf("failed to acknowledge registration with %s: %w", peer.NodeID, err)
	}
	r.logger.Info("Registered with peer", "peer_id", peer.NodeID, "registry_node_id", resp.RegistryNodeID)
	return nil
}
