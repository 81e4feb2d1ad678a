package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"eomf/internal/domain"
)

const missionColumns = `m.id, m.name, m.give_text, m.reminder_text, m.completion_text, m.type, m.points, m.priority, m.repeatable,
m.followup_mission_id, m.only_start_from, m.not_before, m.not_after, m.cancel_after_time, m.cancel_after_tries, m.cancel_text,
m.code, m.incorrect_text, m.lua,
n.id, n.name, n.extension, n.introduction,
cb.id, cb.name, cb.extension,
ca.id, ca.name, ca.extension, ca.introduction`

const missionJoins = `JOIN npcs n ON n.id=m.issued_by
LEFT JOIN locations cb ON cb.id=m.call_back_from
LEFT JOIN npcs ca ON ca.id=m.call_another`

// missionRow holds the nullable columns of a joined mission row until they
// are folded into a domain.Mission.
type missionRow struct {
	m           domain.Mission
	typ         int
	repeatable  int
	followup    sql.NullInt64
	onlyStart   sql.NullInt64
	notBefore   sql.NullString
	notAfter    sql.NullString
	cancelAfter sql.NullString
	cancelTries sql.NullInt64
	code        sql.NullInt64
	incorrect   string
	lua         string
	cbID        sql.NullInt64
	cbName      sql.NullString
	cbExt       sql.NullInt64
	caID        sql.NullInt64
	caName      sql.NullString
	caExt       sql.NullInt64
	caIntro     sql.NullString
}

func (mr *missionRow) dest() []any {
	m := &mr.m
	return []any{
		&m.ID, &m.Name, &m.GiveText, &m.ReminderText, &m.CompletionText, &mr.typ, &m.Points, &m.Priority, &mr.repeatable,
		&mr.followup, &mr.onlyStart, &mr.notBefore, &mr.notAfter, &mr.cancelAfter, &mr.cancelTries, &m.CancelText,
		&mr.code, &mr.incorrect, &mr.lua,
		&m.IssuedBy.ID, &m.IssuedBy.Name, &m.IssuedBy.Extension, &m.IssuedBy.Introduction,
		&mr.cbID, &mr.cbName, &mr.cbExt,
		&mr.caID, &mr.caName, &mr.caExt, &mr.caIntro,
	}
}

func (mr *missionRow) mission() (domain.Mission, error) {
	m := mr.m
	m.Repeatable = mr.repeatable != 0
	if mr.followup.Valid {
		id := mr.followup.Int64
		m.FollowupID = &id
	}
	if mr.onlyStart.Valid {
		id := mr.onlyStart.Int64
		m.OnlyStartFromID = &id
	}
	var err error
	if m.NotBefore, err = parseNullTime(mr.notBefore); err != nil {
		return m, err
	}
	if m.NotAfter, err = parseNullTime(mr.notAfter); err != nil {
		return m, err
	}
	if m.CancelAfterTime, err = parseNullTime(mr.cancelAfter); err != nil {
		return m, err
	}
	if mr.cancelTries.Valid {
		n := int(mr.cancelTries.Int64)
		m.CancelAfterTries = &n
	}
	switch domain.MissionType(mr.typ) {
	case domain.MissionLocation:
		c := domain.LocationCompletion{}
		if mr.cbID.Valid {
			c.CallBackFrom = &domain.Location{ID: mr.cbID.Int64, Name: mr.cbName.String, Extension: int(mr.cbExt.Int64)}
		}
		m.Completion = c
	case domain.MissionNPC:
		c := domain.NPCCompletion{}
		if mr.caID.Valid {
			c.CallAnother = &domain.NPC{ID: mr.caID.Int64, Name: mr.caName.String, Extension: int(mr.caExt.Int64), Introduction: mr.caIntro.String}
		}
		m.Completion = c
	case domain.MissionCode:
		c := domain.CodeCompletion{IncorrectText: mr.incorrect}
		if mr.code.Valid {
			code := int(mr.code.Int64)
			c.Code = &code
		}
		m.Completion = c
	case domain.MissionCount:
		m.Completion = domain.CountCompletion{}
	case domain.MissionLua:
		m.Completion = domain.ScriptCompletion{Source: mr.lua}
	default:
		return m, fmt.Errorf("mission %d has unknown type %d", m.ID, mr.typ)
	}
	return m, nil
}

func scanMission(row scanner) (domain.Mission, error) {
	var mr missionRow
	if err := row.Scan(mr.dest()...); err != nil {
		if err == sql.ErrNoRows {
			return domain.Mission{}, ErrNotFound
		}
		return domain.Mission{}, err
	}
	return mr.mission()
}

func (r Repo) GetMission(ctx context.Context, id int64) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions m `+missionJoins+` WHERE m.id=?`, id))
}

func (r Repo) MissionIDByNameTx(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM missions WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

// UpsertMissionTx writes a mission keyed by name. Completion data is spread
// over the type-specific columns; columns of other variants are cleared.
func (r Repo) UpsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) (int64, error) {
	var (
		callBackFrom, callAnother, code any
		incorrect, lua                 string
	)
	switch c := m.Completion.(type) {
	case domain.LocationCompletion:
		if c.CallBackFrom != nil {
			callBackFrom = c.CallBackFrom.ID
		}
	case domain.NPCCompletion:
		if c.CallAnother != nil {
			callAnother = c.CallAnother.ID
		}
	case domain.CodeCompletion:
		code = nullableIntPtr(c.Code)
		incorrect = c.IncorrectText
	case domain.CountCompletion, nil:
	case domain.ScriptCompletion:
		lua = c.Source
	default:
		return 0, fmt.Errorf("mission %s: unsupported completion %T", m.Name, m.Completion)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(name,give_text,reminder_text,completion_text,issued_by,type,points,followup_mission_id,priority,
only_start_from,repeatable,not_before,not_after,cancel_after_time,cancel_after_tries,cancel_text,call_back_from,call_another,code,incorrect_text,lua)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET give_text=excluded.give_text, reminder_text=excluded.reminder_text, completion_text=excluded.completion_text,
issued_by=excluded.issued_by, type=excluded.type, points=excluded.points, followup_mission_id=excluded.followup_mission_id,
priority=excluded.priority, only_start_from=excluded.only_start_from, repeatable=excluded.repeatable, not_before=excluded.not_before,
not_after=excluded.not_after, cancel_after_time=excluded.cancel_after_time, cancel_after_tries=excluded.cancel_after_tries,
cancel_text=excluded.cancel_text, call_back_from=excluded.call_back_from, call_another=excluded.call_another, code=excluded.code,
incorrect_text=excluded.incorrect_text, lua=excluded.lua`,
		m.Name, m.GiveText, m.ReminderText, m.CompletionText, m.IssuedBy.ID, int(m.Type()), m.Points, nullableIDPtr(m.FollowupID), m.Priority,
		nullableIDPtr(m.OnlyStartFromID), boolInt(m.Repeatable), nullableTime(m.NotBefore), nullableTime(m.NotAfter), nullableTime(m.CancelAfterTime),
		nullableIntPtr(m.CancelAfterTries), m.CancelText, callBackFrom, callAnother, code, incorrect, lua)
	if err != nil {
		return 0, fmt.Errorf("upsert mission %s: %w", m.Name, err)
	}
	return r.MissionIDByNameTx(ctx, tx, m.Name)
}

func (r Repo) SetFollowupTx(ctx context.Context, tx *sql.Tx, missionID int64, followupID *int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE missions SET followup_mission_id=? WHERE id=?`, nullableIDPtr(followupID), missionID)
	return err
}

// ReplacePrerequisitesTx sets the full prerequisite list of a mission.
func (r Repo) ReplacePrerequisitesTx(ctx context.Context, tx *sql.Tx, missionID int64, prerequisiteIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM mission_prerequisites WHERE mission_id=?`, missionID); err != nil {
		return err
	}
	for _, p := range prerequisiteIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mission_prerequisites(mission_id,prerequisite_id) VALUES (?,?)`, missionID, p); err != nil {
			return fmt.Errorf("add prerequisite %d to mission %d: %w", p, missionID, err)
		}
	}
	return nil
}

const recruitMissionColumns = `rm.id, rm.recruit_id, rm.started, rm.finished, rm.completed, rm.code_tries, rm.count_value, rm.state_json, ` + missionColumns

func scanRecruitMission(row scanner) (domain.RecruitMission, error) {
	var (
		rm         domain.RecruitMission
		mr         missionRow
		started    string
		finished   sql.NullString
		completed  int
		codeTries  sql.NullInt64
		countValue sql.NullString
		stateJSON  string
	)
	dest := append([]any{&rm.ID, &rm.RecruitID, &started, &finished, &completed, &codeTries, &countValue, &stateJSON}, mr.dest()...)
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return rm, ErrNotFound
		}
		return rm, err
	}
	var err error
	if rm.Mission, err = mr.mission(); err != nil {
		return rm, err
	}
	if rm.Started, err = parseTime(started); err != nil {
		return rm, err
	}
	if rm.Finished, err = parseNullTime(finished); err != nil {
		return rm, err
	}
	rm.Completed = completed != 0
	if codeTries.Valid {
		rm.CodeTries = int(codeTries.Int64)
	}
	if countValue.Valid {
		v := countValue.String
		rm.CountValue = &v
	}
	rm.State = map[string]any{}
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &rm.State); err != nil {
			return rm, fmt.Errorf("recruit mission %d state: %w", rm.ID, err)
		}
	}
	return rm, nil
}

func (r Repo) queryRecruitMissions(ctx context.Context, where string, args ...any) ([]domain.RecruitMission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recruitMissionColumns+` FROM recruit_missions rm
JOIN missions m ON m.id=rm.mission_id `+missionJoins+` WHERE `+where+` ORDER BY rm.id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecruitMission
	for rows.Next() {
		rm, err := scanRecruitMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rm)
	}
	return res, rows.Err()
}

// OpenRecruitMissions lists the recruit's unfinished missions with the
// mission, its issuer and its completion targets joined in.
func (r Repo) OpenRecruitMissions(ctx context.Context, recruitID int64) ([]domain.RecruitMission, error) {
	return r.queryRecruitMissions(ctx, `rm.recruit_id=? AND rm.finished IS NULL`, recruitID)
}

func (r Repo) ListRecruitMissions(ctx context.Context, recruitID int64) ([]domain.RecruitMission, error) {
	return r.queryRecruitMissions(ctx, `rm.recruit_id=?`, recruitID)
}

func (r Repo) GetRecruitMission(ctx context.Context, id int64) (domain.RecruitMission, error) {
	res, err := r.queryRecruitMissions(ctx, `rm.id=?`, id)
	if err != nil {
		return domain.RecruitMission{}, err
	}
	if len(res) == 0 {
		return domain.RecruitMission{}, ErrNotFound
	}
	return res[0], nil
}

func (r Repo) InsertRecruitMissionTx(ctx context.Context, tx *sql.Tx, recruitID int64, mission domain.Mission, started time.Time) (domain.RecruitMission, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO recruit_missions(recruit_id,mission_id,started,completed,code_tries,state_json) VALUES (?,?,?,0,0,'{}')`,
		recruitID, mission.ID, formatTime(started))
	if err != nil {
		return domain.RecruitMission{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.RecruitMission{}, err
	}
	return domain.RecruitMission{
		ID:        id,
		RecruitID: recruitID,
		Mission:   mission,
		Started:   started.UTC().Truncate(time.Second),
		State:     map[string]any{},
	}, nil
}

// SaveProgress persists the in-flight progress fields of a recruit mission.
func (r Repo) SaveProgress(ctx context.Context, rm domain.RecruitMission) error {
	state := rm.State
	if state == nil {
		state = map[string]any{}
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE recruit_missions SET code_tries=?, count_value=?, state_json=? WHERE id=?`,
		rm.CodeTries, nullableStringPtr(rm.CountValue), string(payload), rm.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishTx closes a recruit mission. Rows that are already finished are
// left alone and reported as ErrNotFound.
func (r Repo) FinishTx(ctx context.Context, tx *sql.Tx, id int64, completed bool, finished time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE recruit_missions SET finished=?, completed=? WHERE id=? AND finished IS NULL`,
		formatTime(finished), boolInt(completed), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SelectNewMission picks the mission an NPC should hand out next. A mission
// qualifies when the NPC issues it, the caller's location is allowed, the
// recruit has not finished it (unless repeatable), every prerequisite has a
// completed assignment and now lies inside its time window. Followup targets
// rank first, then higher priority; remaining ties fall back to id order.
func (r Repo) SelectNewMission(ctx context.Context, recruitID, npcID int64, locationID *int64, now time.Time) (domain.Mission, error) {
	ts := formatTime(now)
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions m `+missionJoins+`
WHERE m.issued_by=?
  AND (m.only_start_from IS NULL OR m.only_start_from=?)
  AND (m.repeatable=1 OR NOT EXISTS (
    SELECT 1 FROM recruit_missions rm WHERE rm.mission_id=m.id AND rm.recruit_id=? AND rm.finished IS NOT NULL))
  AND (SELECT COUNT(*) FROM mission_prerequisites mp WHERE mp.mission_id=m.id) =
      (SELECT COUNT(*) FROM mission_prerequisites mp WHERE mp.mission_id=m.id AND EXISTS (
        SELECT 1 FROM recruit_missions rm WHERE rm.mission_id=mp.prerequisite_id AND rm.recruit_id=? AND rm.completed=1))
  AND (m.not_before IS NULL OR m.not_before<=?)
  AND (m.not_after IS NULL OR m.not_after>=?)
ORDER BY (SELECT COUNT(*) FROM missions f WHERE f.followup_mission_id=m.id) DESC, m.priority DESC, m.id ASC
LIMIT 1`, npcID, nullableIDPtr(locationID), recruitID, recruitID, ts, ts))
}

// PrerequisiteEdgesTx returns the prerequisite ids of every mission.
func (r Repo) PrerequisiteEdgesTx(ctx context.Context, tx *sql.Tx) (map[int64][]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT mission_id, prerequisite_id FROM mission_prerequisites`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	edges := map[int64][]int64{}
	for rows.Next() {
		var m, p int64
		if err := rows.Scan(&m, &p); err != nil {
			return nil, err
		}
		edges[m] = append(edges[m], p)
	}
	return edges, rows.Err()
}
