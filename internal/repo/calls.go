package repo

import (
	"context"
	"database/sql"
	"time"

	"eomf/internal/domain"
)

const callLogColumns = `c.call_id, c.recruit_id, c.date, c.duration, c.digits, c.completed, c.success,
n.id, n.name, n.extension, n.introduction, l.id, l.name, l.extension`

func scanCallLog(row scanner) (domain.CallLog, error) {
	var (
		cl                 domain.CallLog
		recruitID          sql.NullInt64
		date               string
		completed, success int
		npcID, npcExt      sql.NullInt64
		npcName, npcIntro  sql.NullString
		locID, locExt      sql.NullInt64
		locName            sql.NullString
	)
	err := row.Scan(&cl.CallID, &recruitID, &date, &cl.Duration, &cl.Digits, &completed, &success,
		&npcID, &npcName, &npcExt, &npcIntro, &locID, &locName, &locExt)
	if err == sql.ErrNoRows {
		return cl, ErrNotFound
	}
	if err != nil {
		return cl, err
	}
	if recruitID.Valid {
		id := recruitID.Int64
		cl.RecruitID = &id
	}
	if npcID.Valid {
		cl.NPC = &domain.NPC{ID: npcID.Int64, Name: npcName.String, Extension: int(npcExt.Int64), Introduction: npcIntro.String}
	}
	if locID.Valid {
		cl.Location = &domain.Location{ID: locID.Int64, Name: locName.String, Extension: int(locExt.Int64)}
	}
	cl.Completed = completed != 0
	cl.Success = success != 0
	cl.Date, err = parseTime(date)
	return cl, err
}

func (r Repo) GetCallLog(ctx context.Context, callID string) (domain.CallLog, error) {
	return scanCallLog(r.DB.QueryRowContext(ctx, `SELECT `+callLogColumns+` FROM call_logs c
LEFT JOIN npcs n ON n.id=c.npc_id LEFT JOIN locations l ON l.id=c.location_id WHERE c.call_id=?`, callID))
}

// GetOrCreateCallLog returns the log for a gateway call id, creating an
// empty one dated now on the first signal for the call.
func (r Repo) GetOrCreateCallLog(ctx context.Context, callID string, now time.Time) (domain.CallLog, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO call_logs(call_id,date) VALUES (?,?)`, callID, formatTime(now)); err != nil {
		return domain.CallLog{}, err
	}
	return r.GetCallLog(ctx, callID)
}

// UpdateCallLog writes every mutable column of the log.
func (r Repo) UpdateCallLog(ctx context.Context, cl domain.CallLog) error {
	var npcID, locID any
	if cl.NPC != nil {
		npcID = cl.NPC.ID
	}
	if cl.Location != nil {
		locID = cl.Location.ID
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE call_logs SET recruit_id=?, npc_id=?, location_id=?, duration=?, digits=?, completed=?, success=? WHERE call_id=?`,
		nullableIDPtr(cl.RecruitID), npcID, locID, cl.Duration, cl.Digits, boolInt(cl.Completed), boolInt(cl.Success), cl.CallID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCallLogs returns the most recent calls first. A non-nil recruitID
// restricts the list to that recruit.
func (r Repo) ListCallLogs(ctx context.Context, recruitID *int64, limit int) ([]domain.CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM call_logs c
LEFT JOIN npcs n ON n.id=c.npc_id LEFT JOIN locations l ON l.id=c.location_id`
	var args []any
	if recruitID != nil {
		query += " WHERE c.recruit_id=?"
		args = append(args, *recruitID)
	}
	query += " ORDER BY c.date DESC, c.call_id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CallLog
	for rows.Next() {
		cl, err := scanCallLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cl)
	}
	return res, rows.Err()
}
