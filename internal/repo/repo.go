package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eomf/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIDPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) CreateRecruit(ctx context.Context, now time.Time) (domain.Recruit, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO recruits(score,created_at) VALUES (0,?)`, formatTime(now))
	if err != nil {
		return domain.Recruit{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Recruit{}, err
	}
	return domain.Recruit{ID: id, CreatedAt: now.UTC().Truncate(time.Second)}, nil
}

func scanRecruit(row scanner) (domain.Recruit, error) {
	var rec domain.Recruit
	var created string
	err := row.Scan(&rec.ID, &rec.Score, &created)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.CreatedAt, err = parseTime(created)
	return rec, err
}

func (r Repo) GetRecruit(ctx context.Context, id int64) (domain.Recruit, error) {
	return scanRecruit(r.DB.QueryRowContext(ctx, `SELECT id,score,created_at FROM recruits WHERE id=?`, id))
}

// ListRecruits returns recruits best score first.
func (r Repo) ListRecruits(ctx context.Context, limit int) ([]domain.Recruit, error) {
	query := `SELECT id,score,created_at FROM recruits ORDER BY score DESC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recruit
	for rows.Next() {
		rec, err := scanRecruit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// AdjustScoreTx adds delta (possibly negative) to a recruit's score.
func (r Repo) AdjustScoreTx(ctx context.Context, tx *sql.Tx, recruitID int64, delta int) error {
	res, err := tx.ExecContext(ctx, `UPDATE recruits SET score=score+? WHERE id=?`, delta, recruitID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNPC(row scanner) (domain.NPC, error) {
	var n domain.NPC
	err := row.Scan(&n.ID, &n.Name, &n.Extension, &n.Introduction)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

func (r Repo) NPCByExtension(ctx context.Context, extension int) (domain.NPC, error) {
	return scanNPC(r.DB.QueryRowContext(ctx, `SELECT id,name,extension,introduction FROM npcs WHERE extension=?`, extension))
}

func (r Repo) NPCByName(ctx context.Context, name string) (domain.NPC, error) {
	return scanNPC(r.DB.QueryRowContext(ctx, `SELECT id,name,extension,introduction FROM npcs WHERE name=?`, name))
}

func (r Repo) ListNPCs(ctx context.Context) ([]domain.NPC, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,extension,introduction FROM npcs ORDER BY extension ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NPC
	for rows.Next() {
		n, err := scanNPC(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// UpsertNPCTx inserts or updates an NPC keyed by name.
func (r Repo) UpsertNPCTx(ctx context.Context, tx *sql.Tx, n domain.NPC) (domain.NPC, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO npcs(name,extension,introduction) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET extension=excluded.extension, introduction=excluded.introduction`,
		n.Name, n.Extension, n.Introduction)
	if err != nil {
		return domain.NPC{}, fmt.Errorf("upsert npc %s: %w", n.Name, err)
	}
	return scanNPC(tx.QueryRowContext(ctx, `SELECT id,name,extension,introduction FROM npcs WHERE name=?`, n.Name))
}

func scanLocation(row scanner) (domain.Location, error) {
	var l domain.Location
	err := row.Scan(&l.ID, &l.Name, &l.Extension)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) LocationByExtension(ctx context.Context, extension int) (domain.Location, error) {
	return scanLocation(r.DB.QueryRowContext(ctx, `SELECT id,name,extension FROM locations WHERE extension=? ORDER BY id LIMIT 1`, extension))
}

func (r Repo) UpsertLocationTx(ctx context.Context, tx *sql.Tx, l domain.Location) (domain.Location, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO locations(name,extension) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET extension=excluded.extension`, l.Name, l.Extension)
	if err != nil {
		return domain.Location{}, fmt.Errorf("upsert location %s: %w", l.Name, err)
	}
	return scanLocation(tx.QueryRowContext(ctx, `SELECT id,name,extension FROM locations WHERE name=?`, l.Name))
}

// GetOrCreateRecruitNPC returns the recruit/NPC relation, creating it on
// first contact. created reports whether this call inserted the row.
func (r Repo) GetOrCreateRecruitNPC(ctx context.Context, recruitID, npcID int64) (domain.RecruitNPC, bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO recruit_npcs(recruit_id,npc_id,contacted,score) VALUES (?,?,0,0)`, recruitID, npcID)
	if err != nil {
		return domain.RecruitNPC{}, false, err
	}
	n, _ := res.RowsAffected()
	var rn domain.RecruitNPC
	var contacted int
	err = r.DB.QueryRowContext(ctx, `SELECT id,recruit_id,npc_id,contacted,score FROM recruit_npcs WHERE recruit_id=? AND npc_id=?`, recruitID, npcID).
		Scan(&rn.ID, &rn.RecruitID, &rn.NPCID, &contacted, &rn.Score)
	if err == sql.ErrNoRows {
		return rn, false, ErrNotFound
	}
	if err != nil {
		return rn, false, err
	}
	rn.Contacted = contacted != 0
	return rn, n == 1, nil
}

func (r Repo) MarkContacted(ctx context.Context, recruitNPCID int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE recruit_npcs SET contacted=1 WHERE id=?`, recruitNPCID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
