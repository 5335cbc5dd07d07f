// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Built-in scripts used to repair a row on a node that lost a conflict
const (
	ScriptRequestRow = "request-row" // ask the receiver to request the named row back from Args.Requester
	ScriptSendRow    = "send-row"    // send the current value of the named row to Args.Requester
)

// ErrUnknownScript is returned when a SCRIPT record names a script nobody registered
var ErrUnknownScript = errors.New("unknown script")

// ScriptCall is one SCRIPT change record being executed on the receiver
type ScriptCall struct {
	Name         string
	Args         json.RawMessage
	ChannelID    string
	SourceNodeID string
	BatchID      int64
}

// ScriptExecutor runs a SCRIPT record inside the load transaction
type ScriptExecutor interface {
	Execute(ctx context.Context, tx *sql.Tx, call ScriptCall) error
}

// ScriptExecutorFunc adapts a function to ScriptExecutor
type ScriptExecutorFunc func(ctx context.Context, tx *sql.Tx, call ScriptCall) error

func (f ScriptExecutorFunc) Execute(ctx context.Context, tx *sql.Tx, call ScriptCall) error {
	return f(ctx, tx, call)
}

// scriptEnvelope is the row_data of a SCRIPT record
type scriptEnvelope struct {
	Script string          `json:"script"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// rowRequest addresses one row of one table, used by the built-in scripts
type rowRequest struct {
	Table     string          `json:"table"`
	PK        json.RawMessage `json:"pk"`
	Requester string          `json:"requester"`
}

// ScriptRegistry maps script names to executors
type ScriptRegistry struct {
	mu      sync.RWMutex
	scripts map[string]ScriptExecutor
}

// NewScriptRegistry creates an empty registry
func NewScriptRegistry() *ScriptRegistry {
	return &ScriptRegistry{scripts: make(map[string]ScriptExecutor)}
}

// Register installs (or replaces) the executor for name
func (r *ScriptRegistry) Register(name string, exec ScriptExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[name] = exec
}

// Execute runs the script named in call
func (r *ScriptRegistry) Execute(ctx context.Context, tx *sql.Tx, call ScriptCall) error {
	r.mu.RLock()
	exec, ok := r.scripts[call.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScript, call.Name)
	}
	return exec.Execute(ctx, tx, call)
}

// parseScript decodes a SCRIPT record's row data into a call
func parseScript(rec *ChangeRecord, batchID int64) (ScriptCall, error) {
	var env scriptEnvelope
	if err := json.Unmarshal(rec.RowData, &env); err != nil {
		return ScriptCall{}, fmt.Errorf("invalid script record %d: %w", rec.DataID, err)
	}
	if env.Script == "" {
		return ScriptCall{}, fmt.Errorf("script record %d names no script", rec.DataID)
	}
	return ScriptCall{
		Name:         env.Script,
		Args:         env.Args,
		ChannelID:    rec.ChannelID,
		SourceNodeID: rec.SourceNodeID,
		BatchID:      batchID,
	}, nil
}

// newScriptRecord builds a pre-routed SCRIPT record addressed to targets
func newScriptRecord(name string, args any, channelID string, targets []string) (*ChangeRecord, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s args: %w", name, err)
	}
	rowData, err := json.Marshal(scriptEnvelope{Script: name, Args: rawArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return &ChangeRecord{
		EventType: EventScript,
		RowData:   rowData,
		ChannelID: channelID,
		NodeList:  targets,
		PreRouted: true,
	}, nil
}

// registerBuiltinScripts installs request-row and send-row.
// request-row runs on the node that lost a conflict and asks the winner for the row;
// send-row runs on the winner and ships its current value as a pre-routed RELOAD record.
func registerBuiltinScripts(reg *ScriptRegistry, localNodeID string, applier RowApplier) {
	reg.Register(ScriptRequestRow, ScriptExecutorFunc(func(ctx context.Context, tx *sql.Tx, call ScriptCall) error {
		var req rowRequest
		if err := json.Unmarshal(call.Args, &req); err != nil {
			return fmt.Errorf("invalid %s args: %w", ScriptRequestRow, err)
		}
		if req.Requester == "" {
			return fmt.Errorf("%s: requester is required", ScriptRequestRow)
		}
		rec, err := newScriptRecord(ScriptSendRow,
			rowRequest{Table: req.Table, PK: req.PK, Requester: localNodeID},
			call.ChannelID, []string{req.Requester})
		if err != nil {
			return err
		}
		_, err = InsertChange(ctx, tx, rec)
		return err
	}))

	reg.Register(ScriptSendRow, ScriptExecutorFunc(func(ctx context.Context, tx *sql.Tx, call ScriptCall) error {
		var req rowRequest
		if err := json.Unmarshal(call.Args, &req); err != nil {
			return fmt.Errorf("invalid %s args: %w", ScriptSendRow, err)
		}
		if req.Requester == "" {
			return fmt.Errorf("%s: requester is required", ScriptSendRow)
		}
		pk, err := decodeRow(req.PK)
		if err != nil {
			return err
		}
		current, exists, err := applier.Current(ctx, tx, req.Table, pk)
		if err != nil {
			return err
		}
		rec := &ChangeRecord{
			TableName: req.Table,
			EventType: EventReload,
			PKData:    req.PK,
			ChannelID: call.ChannelID,
			NodeList:  []string{req.Requester},
			PreRouted: true,
		}
		if exists {
			if rec.RowData, err = encodeRow(current); err != nil {
				return err
			}
		} else {
			rec.EventType = EventDelete
		}
		_, err = InsertChange(ctx, tx, rec)
		return err
	}))
}
