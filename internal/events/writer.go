package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	MissionGiven     = "mission.given"
	MissionCompleted = "mission.completed"
	MissionCancelled = "mission.cancelled"
	RecruitCreated   = "recruit.created"
	CallFinished     = "call.finished"
)

// Writer appends rows to the mission journal inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry describes one journal row. CallID and RecruitID are optional.
type Entry struct {
	Type       string
	EntityKind string
	EntityID   int64
	CallID     string
	RecruitID  int64
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var entityID any
	if e.EntityID != 0 {
		entityID = strconv.FormatInt(e.EntityID, 10)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,call_id,recruit_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, e.EntityKind, entityID, nullable(e.CallID), nullableID(e.RecruitID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
