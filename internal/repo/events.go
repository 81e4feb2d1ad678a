package repo

import (
	"context"
	"database/sql"

	"eomf/internal/domain"
)

const eventColumns = `id,ts,type,entity_kind,entity_id,call_id,recruit_id,payload_json`

func scanEvent(row scanner) (domain.Event, error) {
	var (
		e         domain.Event
		entityID  sql.NullString
		callID    sql.NullString
		recruitID sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &callID, &recruitID, &e.Payload); err != nil {
		return e, err
	}
	e.EntityID = entityID.String
	e.CallID = callID.String
	if recruitID.Valid {
		id := recruitID.Int64
		e.RecruitID = &id
	}
	return e, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventFilter narrows LatestEvents. Zero values match everything.
type EventFilter struct {
	RecruitID *int64
	Type      string
	// Before restricts to events older than this id, for paging.
	Before int64
}

// LatestEvents returns up to limit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if f.RecruitID != nil {
		query += " AND recruit_id=?"
		args = append(args, *f.RecruitID)
	}
	if f.Type != "" {
		query += " AND type=?"
		args = append(args, f.Type)
	}
	if f.Before > 0 {
		query += " AND id<?"
		args = append(args, f.Before)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id greater than cursor in id order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
