package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the engine.
const (
	AgentRegistered          = "agent.registered"
	AgentUpdated             = "agent.updated"
	TransactionRecorded      = "transaction.recorded"
	ReputationOutcome        = "reputation.outcome"
	ReputationRated          = "reputation.rated"
	EscrowLocked             = "escrow.locked"
	EscrowReleased           = "escrow.released"
	EscrowOverchargeRejected = "escrow.overcharge_rejected"
	EscrowRefunded           = "escrow.refunded"
	WalletFunded             = "wallet.funded"
)

// Writer appends events inside the caller's transaction so an event exists
// exactly when the state change it describes was committed.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload Payload) error {
	if tx == nil {
		return fmt.Errorf("append %s: transaction required", evtType)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
