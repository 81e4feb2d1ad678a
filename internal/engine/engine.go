// Package engine decides which missions a recruit completes, is reminded of
// or is handed on a call.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"eomf/internal/domain"
	"eomf/internal/engine/script"
	"eomf/internal/events"
	"eomf/internal/repo"
)

// NoWorkLine is spoken when an NPC has nothing to hand out.
const NoWorkLine = "I don't have any more work for you at the moment, give me a call back later."

// Gather completion reasons reported by the gateways.
const (
	ReasonDigits  = "dtmfDetected"
	ReasonTimeout = "timeout"
)

// GatherOptions bound the digits collected by a prompt; zero means unset.
type GatherOptions = script.GatherOptions

// Input is the outcome of a gather.
type Input struct {
	Digits string
	Reason string
}

// Detected reports whether the caller actually keyed in digits.
func (in Input) Detected() bool {
	return in.Reason == ReasonDigits && in.Digits != ""
}

// Conversation is the slice of a live call the engine needs. Lines are
// spoken in the voice of the NPC that was dialed.
type Conversation interface {
	Say(ctx context.Context, text string) error
	Gather(ctx context.Context, text string, opts GatherOptions) (Input, error)
}

// Visit identifies who is calling whom, and from where.
type Visit struct {
	CallID    string
	RecruitID int64
	NPC       domain.NPC
	Location  *domain.Location
}

// Engine runs the mission rules for one call against the catalog.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    *zap.Logger
	Now    func() time.Time
}

// New returns an Engine over db. A nil log discards output.
func New(db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) journal() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) say(ctx context.Context, conv Conversation, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return conv.Say(ctx, text)
}

// gatherDigits prompts until the caller enters something. Timeouts re-prompt;
// a dropped call surfaces as the conversation's error.
func gatherDigits(ctx context.Context, conv Conversation, prompt string, opts GatherOptions) (string, error) {
	for {
		in, err := conv.Gather(ctx, prompt, opts)
		if err != nil {
			return "", err
		}
		if in.Detected() {
			return in.Digits, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}

// SweepResult summarises one pass over a recruit's open missions.
type SweepResult struct {
	// Outstanding is set when at least one mission still needs work.
	Outstanding bool
	// Finished counts missions completed or cancelled during the pass.
	Finished int
}

// Resolve runs the sweep and hands out a new mission when nothing is left
// outstanding. A mission closed by the sweep does not hold back its followup.
func (e Engine) Resolve(ctx context.Context, v Visit, conv Conversation) error {
	res, err := e.Sweep(ctx, v, conv)
	if err != nil {
		return err
	}
	if res.Outstanding {
		return nil
	}
	_, err = e.SelectNew(ctx, v, conv)
	return err
}

// Sweep walks the recruit's open missions in storage order.
func (e Engine) Sweep(ctx context.Context, v Visit, conv Conversation) (SweepResult, error) {
	var res SweepResult
	open, err := e.Repo.OpenRecruitMissions(ctx, v.RecruitID)
	if err != nil {
		return res, fmt.Errorf("list open missions: %w", err)
	}
	for _, rm := range open {
		m := rm.Mission
		if m.CancelAfterTime != nil && !m.CancelAfterTime.After(e.now()) {
			if err := e.Cancel(ctx, v, rm, conv); err != nil {
				return res, err
			}
			res.Finished++
			continue
		}
		st, err := e.check(ctx, v, rm, conv)
		if err != nil {
			return res, fmt.Errorf("mission %q: %w", m.Name, err)
		}
		switch st {
		case pending:
			res.Outstanding = true
		case closed:
			res.Finished++
		}
	}
	return res, nil
}

type status int

const (
	untouched status = iota
	pending
	closed
)

func (e Engine) check(ctx context.Context, v Visit, rm domain.RecruitMission, conv Conversation) (status, error) {
	m := rm.Mission
	if m.IssuedBy.ID != v.NPC.ID {
		// Only "call another NPC" missions progress away from their issuer.
		if c, ok := m.Completion.(domain.NPCCompletion); ok && c.CallAnother != nil && c.CallAnother.ID == v.NPC.ID {
			return closed, e.Complete(ctx, v, rm, conv)
		}
		return untouched, nil
	}
	switch c := m.Completion.(type) {
	case domain.LocationCompletion:
		if c.CallBackFrom != nil && v.Location != nil && c.CallBackFrom.ID == v.Location.ID {
			return closed, e.Complete(ctx, v, rm, conv)
		}
		return pending, e.say(ctx, conv, m.ReminderText)
	case domain.NPCCompletion:
		// Completed by calling a different NPC; the issuer has nothing to add.
		return untouched, nil
	case domain.CodeCompletion:
		return e.checkCode(ctx, v, rm, c, conv)
	case domain.CountCompletion, nil:
		return e.checkCount(ctx, v, rm, conv)
	case domain.ScriptCompletion:
		return e.checkScript(ctx, v, rm, c, conv)
	default:
		return untouched, fmt.Errorf("unsupported completion %T", c)
	}
}

func (e Engine) checkCode(ctx context.Context, v Visit, rm domain.RecruitMission, c domain.CodeCompletion, conv Conversation) (status, error) {
	digits, err := gatherDigits(ctx, conv, rm.Mission.ReminderText, GatherOptions{MinDigits: 1})
	if err != nil {
		return untouched, err
	}
	if c.Code != nil && digits == strconv.Itoa(*c.Code) {
		return closed, e.Complete(ctx, v, rm, conv)
	}
	rm.CodeTries++
	if err := e.Repo.SaveProgress(ctx, rm); err != nil {
		return untouched, fmt.Errorf("save code tries: %w", err)
	}
	e.log().Info("incorrect code",
		zap.Int64("recruit_mission", rm.ID),
		zap.Int("tries", rm.CodeTries))
	if limit := rm.Mission.CancelAfterTries; limit != nil && rm.CodeTries >= *limit {
		return closed, e.Cancel(ctx, v, rm, conv)
	}
	return pending, e.say(ctx, conv, c.IncorrectText)
}

func (e Engine) checkCount(ctx context.Context, v Visit, rm domain.RecruitMission, conv Conversation) (status, error) {
	digits, err := gatherDigits(ctx, conv, rm.Mission.ReminderText, GatherOptions{MinDigits: 1})
	if err != nil {
		return untouched, err
	}
	rm.CountValue = &digits
	if err := e.Repo.SaveProgress(ctx, rm); err != nil {
		return untouched, fmt.Errorf("save count: %w", err)
	}
	return closed, e.Complete(ctx, v, rm, conv)
}

// scriptHost binds a script run to one assignment on one call.
type scriptHost struct {
	engine Engine
	visit  Visit
	rm     domain.RecruitMission
	conv   Conversation
	fired  bool
}

func (h *scriptHost) Say(ctx context.Context, text string) error {
	return h.conv.Say(ctx, text)
}

func (h *scriptHost) Gather(ctx context.Context, text string, opts GatherOptions) (string, string, error) {
	in, err := h.conv.Gather(ctx, text, opts)
	return in.Digits, in.Reason, err
}

func (h *scriptHost) Complete(ctx context.Context) error {
	if h.fired {
		return errors.New("mission already finished")
	}
	h.fired = true
	return h.engine.Complete(ctx, h.visit, h.rm, h.conv)
}

func (h *scriptHost) Cancel(ctx context.Context) error {
	if h.fired {
		return errors.New("mission already finished")
	}
	h.fired = true
	return h.engine.Cancel(ctx, h.visit, h.rm, h.conv)
}

func (e Engine) checkScript(ctx context.Context, v Visit, rm domain.RecruitMission, c domain.ScriptCompletion, conv Conversation) (status, error) {
	host := &scriptHost{engine: e, visit: v, rm: rm, conv: conv}
	info := script.Info{
		ID:          rm.ID,
		RecruitID:   rm.RecruitID,
		MissionID:   rm.Mission.ID,
		MissionName: rm.Mission.Name,
		CodeTries:   rm.CodeTries,
		CountValue:  rm.CountValue,
	}
	e.log().Debug("running mission script", zap.Int64("recruit_mission", rm.ID), zap.Any("state", rm.State))
	state, err := script.Run(ctx, c.Source, info, rm.State, host)
	if err != nil {
		return untouched, err
	}
	rm.State = state
	if err := e.Repo.SaveProgress(ctx, rm); err != nil {
		return untouched, fmt.Errorf("save script state: %w", err)
	}
	if host.fired {
		return closed, nil
	}
	return pending, nil
}

// SelectNew hands out the best eligible mission of the dialed NPC, or says
// there is no work. It returns nil when nothing was assigned.
func (e Engine) SelectNew(ctx context.Context, v Visit, conv Conversation) (*domain.RecruitMission, error) {
	var locationID *int64
	if v.Location != nil {
		locationID = &v.Location.ID
	}
	now := e.now()
	m, err := e.Repo.SelectNewMission(ctx, v.RecruitID, v.NPC.ID, locationID, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, e.say(ctx, conv, NoWorkLine)
	}
	if err != nil {
		return nil, fmt.Errorf("select mission: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rm, err := e.Repo.InsertRecruitMissionTx(ctx, tx, v.RecruitID, m, now)
	if err != nil {
		return nil, fmt.Errorf("assign mission %q: %w", m.Name, err)
	}
	if err := e.journal().Append(ctx, tx, events.Entry{
		Type:       events.MissionGiven,
		EntityKind: "recruit_mission",
		EntityID:   rm.ID,
		CallID:     v.CallID,
		RecruitID:  v.RecruitID,
		Payload:    events.EventPayload{"mission": m.Name, "npc": v.NPC.Name},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log().Info("mission given",
		zap.Int64("recruit", v.RecruitID),
		zap.String("mission", m.Name),
		zap.Int64("recruit_mission", rm.ID))
	return &rm, e.say(ctx, conv, m.GiveText)
}

// Complete marks rm successful, credits its points and speaks the
// completion text.
func (e Engine) Complete(ctx context.Context, v Visit, rm domain.RecruitMission, conv Conversation) error {
	if err := e.finish(ctx, v, rm, true); err != nil {
		return err
	}
	return e.say(ctx, conv, rm.Mission.CompletionText)
}

// Cancel closes rm without success, debits its points and speaks the
// cancel text.
func (e Engine) Cancel(ctx context.Context, v Visit, rm domain.RecruitMission, conv Conversation) error {
	if err := e.finish(ctx, v, rm, false); err != nil {
		return err
	}
	return e.say(ctx, conv, rm.Mission.CancelText)
}

func (e Engine) finish(ctx context.Context, v Visit, rm domain.RecruitMission, completed bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.FinishTx(ctx, tx, rm.ID, completed, e.now()); err != nil {
		return fmt.Errorf("finish recruit mission %d: %w", rm.ID, err)
	}
	delta, typ := rm.Mission.Points, events.MissionCompleted
	if !completed {
		delta, typ = -rm.Mission.Points, events.MissionCancelled
	}
	if err := e.Repo.AdjustScoreTx(ctx, tx, rm.RecruitID, delta); err != nil {
		return fmt.Errorf("adjust score: %w", err)
	}
	if err := e.journal().Append(ctx, tx, events.Entry{
		Type:       typ,
		EntityKind: "recruit_mission",
		EntityID:   rm.ID,
		CallID:     v.CallID,
		RecruitID:  rm.RecruitID,
		Payload:    events.EventPayload{"mission": rm.Mission.Name, "points": delta},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("mission finished",
		zap.Int64("recruit", rm.RecruitID),
		zap.String("mission", rm.Mission.Name),
		zap.Bool("completed", completed),
		zap.Int("points", delta))
	return nil
}
