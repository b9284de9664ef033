package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Writer appends audit events inside the transaction that produced them, so
// the log never records an effect that was rolled back. The caller supplies
// the timestamp so event rows share the clock of the mutation they describe.
type Writer struct {
	DB *sql.DB
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, ts, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), nullable(actorID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
