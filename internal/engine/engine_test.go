package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eomf/internal/db"
	"eomf/internal/domain"
	"eomf/internal/engine"
	"eomf/internal/events"
	"eomf/internal/migrate"
)

var testNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Boss   domain.NPC
	Other  domain.NPC
	Bar    domain.Location
	Home   domain.Location
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return testNow }
	env := &testEnv{Engine: eng, Ctx: ctx}
	env.inTx(t, func(tx *sql.Tx) {
		env.Boss, err = eng.Repo.UpsertNPCTx(ctx, tx, domain.NPC{Name: "Commander", Extension: 100, Introduction: "Welcome, recruit."})
		require.NoError(t, err)
		env.Other, err = eng.Repo.UpsertNPCTx(ctx, tx, domain.NPC{Name: "Quartermaster", Extension: 101})
		require.NoError(t, err)
		env.Bar, err = eng.Repo.UpsertLocationTx(ctx, tx, domain.Location{Name: "Bar", Extension: 200})
		require.NoError(t, err)
		env.Home, err = eng.Repo.UpsertLocationTx(ctx, tx, domain.Location{Name: "Home", Extension: 201})
		require.NoError(t, err)
	})
	return env
}

func (env *testEnv) inTx(t *testing.T, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func (env *testEnv) recruit(t *testing.T) domain.Recruit {
	t.Helper()
	rec, err := env.Engine.Repo.CreateRecruit(env.Ctx, testNow)
	require.NoError(t, err)
	return rec
}

func (env *testEnv) mission(t *testing.T, m domain.Mission) domain.Mission {
	t.Helper()
	if m.Priority == 0 {
		m.Priority = 5
	}
	if m.IssuedBy.ID == 0 {
		m.IssuedBy = env.Boss
	}
	var id int64
	env.inTx(t, func(tx *sql.Tx) {
		var err error
		id, err = env.Engine.Repo.UpsertMissionTx(env.Ctx, tx, m)
		require.NoError(t, err)
	})
	got, err := env.Engine.Repo.GetMission(env.Ctx, id)
	require.NoError(t, err)
	return got
}

func (env *testEnv) assign(t *testing.T, recruitID int64, m domain.Mission) domain.RecruitMission {
	t.Helper()
	var rm domain.RecruitMission
	env.inTx(t, func(tx *sql.Tx) {
		var err error
		rm, err = env.Engine.Repo.InsertRecruitMissionTx(env.Ctx, tx, recruitID, m, testNow.Add(-time.Hour))
		require.NoError(t, err)
	})
	return rm
}

func (env *testEnv) score(t *testing.T, recruitID int64) int {
	t.Helper()
	rec, err := env.Engine.Repo.GetRecruit(env.Ctx, recruitID)
	require.NoError(t, err)
	return rec.Score
}

func (env *testEnv) countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n))
	return n
}

// fakeConversation records spoken lines and answers gathers from a script.
type fakeConversation struct {
	said    []string
	prompts []string
	inputs  []engine.Input
	err     error
}

func (c *fakeConversation) Say(_ context.Context, text string) error {
	c.said = append(c.said, text)
	return nil
}

func (c *fakeConversation) Gather(_ context.Context, text string, _ engine.GatherOptions) (engine.Input, error) {
	c.prompts = append(c.prompts, text)
	if len(c.inputs) == 0 {
		if c.err != nil {
			return engine.Input{}, c.err
		}
		return engine.Input{}, errors.New("no more input")
	}
	in := c.inputs[0]
	c.inputs = c.inputs[1:]
	return in, nil
}

func digits(d string) engine.Input {
	return engine.Input{Digits: d, Reason: engine.ReasonDigits}
}

func visit(rec domain.Recruit, npc domain.NPC, loc *domain.Location) engine.Visit {
	return engine.Visit{CallID: "call-1", RecruitID: rec.ID, NPC: npc, Location: loc}
}

func TestLocationMissionCompletesFromTargetLocation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	m := env.mission(t, domain.Mission{
		Name: "go-to-bar", GiveText: "Go to the bar.", ReminderText: "You're not at the bar yet.",
		CompletionText: "Nice, you made it.", Points: 5,
		Completion: domain.LocationCompletion{CallBackFrom: &env.Bar},
	})
	env.assign(t, rec.ID, m)

	conv := &fakeConversation{}
	require.NoError(t, env.Engine.Resolve(env.Ctx, visit(rec, env.Boss, &env.Bar), conv))

	assert.Equal(t, []string{"Nice, you made it.", engine.NoWorkLine}, conv.said)
	assert.Equal(t, 5, env.score(t, rec.ID))
	open, err := env.Engine.Repo.OpenRecruitMissions(env.Ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := env.Engine.Repo.ListRecruitMissions(env.Ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Completed)
	assert.Equal(t, testNow, *all[0].Finished)
	assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM events WHERE type=?`, events.MissionCompleted))
}

func TestCompletedMissionIssuesFollowupOnSameCall(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	b := env.mission(t, domain.Mission{Name: "part-two", GiveText: "Now report to the hangar.", Priority: 1})
	a := env.mission(t, domain.Mission{
		Name: "part-one", GiveText: "Go to the bar.", CompletionText: "Nice, you made it.",
		Points: 5, FollowupID: &b.ID,
		Completion: domain.LocationCompletion{CallBackFrom: &env.Bar},
	})
	env.inTx(t, func(tx *sql.Tx) {
		require.NoError(t, env.Engine.Repo.ReplacePrerequisitesTx(env.Ctx, tx, b.ID, []int64{a.ID}))
	})
	env.assign(t, rec.ID, a)

	conv := &fakeConversation{}
	require.NoError(t, env.Engine.Resolve(env.Ctx, visit(rec, env.Boss, &env.Bar), conv))

	assert.Equal(t, []string{"Nice, you made it.", "Now report to the hangar."}, conv.said)
	open, err := env.Engine.Repo.OpenRecruitMissions(env.Ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].Mission.ID)
	assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM events WHERE type=?`, events.MissionGiven))
}

func TestLocationMissionRemindsElsewhere(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	m := env.mission(t, domain.Mission{
		Name: "go-to-bar", GiveText: "Go to the bar.", ReminderText: "You're not at the bar yet.",
		Points: 5, Completion: domain.LocationCompletion{CallBackFrom: &env.Bar},
	})
	env.assign(t, rec.ID, m)

	conv := &fakeConversation{}
	require.NoError(t, env.Engine.Resolve(env.Ctx, visit(rec, env.Boss, &env.Home), conv))
	assert.Equal(t, []string{"You're not at the bar yet."}, conv.said)
	assert.Equal(t, 0, env.score(t, rec.ID))
}

func TestCodeMissionCancelledOnThirdWrongTry(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	code, tries := 4321, 3
	m := env.mission(t, domain.Mission{
		Name: "safe", GiveText: "Crack the safe.", ReminderText: "What's the code?",
		CancelText: "Too many attempts, the safe is locked.", Points: 4, CancelAfterTries: &tries,
		Completion: domain.CodeCompletion{Code: &code, IncorrectText: "That's not it."},
	})
	env.assign(t, rec.ID, m)
	v := visit(rec, env.Boss, nil)

	for i := 1; i <= 2; i++ {
		conv := &fakeConversation{inputs: []engine.Input{digits("1111")}}
		res, err := env.Engine.Sweep(env.Ctx, v, conv)
		require.NoError(t, err)
		assert.True(t, res.Outstanding)
		assert.Equal(t, []string{"That's not it."}, conv.said)
	}

	conv := &fakeConversation{inputs: []engine.Input{digits("1111")}}
	res, err := env.Engine.Sweep(env.Ctx, v, conv)
	require.NoError(t, err)
	assert.False(t, res.Outstanding)
	assert.Equal(t, []string{"Too many attempts, the safe is locked."}, conv.said)
	assert.Equal(t, -4, env.score(t, rec.ID))

	all, err := env.Engine.Repo.ListRecruitMissions(env.Ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].Finished)
	assert.False(t, all[0].Completed)
	assert.Equal(t, 3, all[0].CodeTries)
}

func TestCodeMissionRepromptsOnTimeout(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	code := 42
	m := env.mission(t, domain.Mission{
		Name: "safe", GiveText: "x", ReminderText: "Code?", CompletionText: "Open!", Points: 2,
		Completion: domain.CodeCompletion{Code: &code},
	})
	env.assign(t, rec.ID, m)

	conv := &fakeConversation{inputs: []engine.Input{{Reason: engine.ReasonTimeout}, digits("42")}}
	res, err := env.Engine.Sweep(env.Ctx, visit(rec, env.Boss, nil), conv)
	require.NoError(t, err)
	assert.False(t, res.Outstanding)
	assert.Equal(t, []string{"Code?", "Code?"}, conv.prompts)
	assert.Equal(t, []string{"Open!"}, conv.said)
	assert.Equal(t, 2, env.score(t, rec.ID))
}

func TestCountMissionStoresDigits(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	m := env.mission(t, domain.Mission{Name: "census", GiveText: "Count the chairs.", ReminderText: "How many?", Points: 1})
	rm := env.assign(t, rec.ID, m)

	conv := &fakeConversation{inputs: []engine.Input{digits("17")}}
	res, err := env.Engine.Sweep(env.Ctx, visit(rec, env.Boss, nil), conv)
	require.NoError(t, err)
	assert.False(t, res.Outstanding)

	got, err := env.Engine.Repo.GetRecruitMission(env.Ctx, rm.ID)
	require.NoError(t, err)
	assert.Equal(t, "17", *got.CountValue)
	assert.True(t, got.Completed)
}

func TestNoWorkLineCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	env.mission(t, domain.Mission{Name: "elsewhere", GiveText: "x", IssuedBy: env.Other})

	conv := &fakeConversation{}
	require.NoError(t, env.Engine.Resolve(env.Ctx, visit(rec, env.Boss, nil), conv))
	assert.Equal(t, []string{"I don't have any more work for you at the moment, give me a call back later."}, conv.said)
	assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM recruit_missions`))
}

func TestFollowupSelectedOverHigherPriority(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	followup := env.mission(t, domain.Mission{Name: "followup", GiveText: "Part two.", Priority: 1})
	env.mission(t, domain.Mission{Name: "urgent", GiveText: "Urgent!", Priority: 10})
	env.mission(t, domain.Mission{Name: "part-one", GiveText: "Part one.", IssuedBy: env.Other, FollowupID: &followup.ID})

	conv := &fakeConversation{}
	rm, err := env.Engine.SelectNew(env.Ctx, visit(rec, env.Boss, nil), conv)
	require.NoError(t, err)
	require.NotNil(t, rm)
	assert.Equal(t, followup.ID, rm.Mission.ID)
	assert.Equal(t, []string{"Part two."}, conv.said)
	assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM events WHERE type=? AND call_id='call-1'`, events.MissionGiven))
}

func TestOutstandingWorkSuppressesNewMission(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	m := env.mission(t, domain.Mission{Name: "bar", GiveText: "x", ReminderText: "Still waiting.", Completion: domain.LocationCompletion{CallBackFrom: &env.Bar}})
	env.mission(t, domain.Mission{Name: "fresh", GiveText: "Fresh work."})
	env.assign(t, rec.ID, m)

	conv := &fakeConversation{}
	require.NoError(t, env.Engine.Resolve(env.Ctx, visit(rec, env.Boss, nil), conv))
	assert.Equal(t, []string{"Still waiting."}, conv.said)
	assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM recruit_missions`))
}

func TestPrerequisitesGateSelection(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	first := env.mission(t, domain.Mission{Name: "first", GiveText: "First.", Priority: 1})
	second := env.mission(t, domain.Mission{Name: "second", GiveText: "Second.", Priority: 9})
	env.inTx(t, func(tx *sql.Tx) {
		require.NoError(t, env.Engine.Repo.ReplacePrerequisitesTx(env.Ctx, tx, second.ID, []int64{first.ID}))
	})
	v := visit(rec, env.Boss, nil)

	conv := &fakeConversation{}
	rm, err := env.Engine.SelectNew(env.Ctx, v, conv)
	require.NoError(t, err)
	assert.Equal(t, first.ID, rm.Mission.ID)

	require.NoError(t, env.Engine.Complete(env.Ctx, v, *rm, conv))
	rm, err = env.Engine.SelectNew(env.Ctx, v, conv)
	require.NoError(t, err)
	assert.Equal(t, second.ID, rm.Mission.ID)
}

func TestFinishedMissionNeverSweptAgain(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	m := env.mission(t, domain.Mission{Name: "census", GiveText: "x", ReminderText: "How many?", CompletionText: "Thanks.", Points: 3})
	env.assign(t, rec.ID, m)
	v := visit(rec, env.Boss, nil)

	conv := &fakeConversation{inputs: []engine.Input{digits("5")}}
	_, err := env.Engine.Sweep(env.Ctx, v, conv)
	require.NoError(t, err)

	conv = &fakeConversation{}
	res, err := env.Engine.Sweep(env.Ctx, v, conv)
	require.NoError(t, err)
	assert.False(t, res.Outstanding)
	assert.Empty(t, conv.prompts)
	assert.Empty(t, conv.said)
	assert.Equal(t, 3, env.score(t, rec.ID))
}

func TestExpiredMissionCancelled(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	deadline := testNow
	m := env.mission(t, domain.Mission{
		Name: "timed", GiveText: "x", ReminderText: "Hurry.", CancelText: "Too late.", Points: 2,
		CancelAfterTime: &deadline, Completion: domain.LocationCompletion{CallBackFrom: &env.Bar},
	})
	env.assign(t, rec.ID, m)

	conv := &fakeConversation{}
	res, err := env.Engine.Sweep(env.Ctx, visit(rec, env.Other, nil), conv)
	require.NoError(t, err)
	assert.False(t, res.Outstanding)
	assert.Equal(t, []string{"Too late."}, conv.said)
	assert.Equal(t, -2, env.score(t, rec.ID))
}

func TestNPCMissionCompletesWhenCallingTarget(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	m := env.mission(t, domain.Mission{
		Name: "see-qm", GiveText: "See the quartermaster.", CompletionText: "The commander sent you? Good.", Points: 2,
		Completion: domain.NPCCompletion{CallAnother: &env.Other},
	})
	env.assign(t, rec.ID, m)

	conv := &fakeConversation{}
	res, err := env.Engine.Sweep(env.Ctx, visit(rec, env.Other, nil), conv)
	require.NoError(t, err)
	assert.False(t, res.Outstanding)
	assert.Equal(t, []string{"The commander sent you? Good."}, conv.said)
	assert.Equal(t, 2, env.score(t, rec.ID))
}

// An NPC mission whose target is its own issuer can never complete, and it
// does not count as outstanding when that NPC is called. This pins the
// issuer exclusion.
func TestNPCMissionIgnoredByIssuer(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	m := env.mission(t, domain.Mission{
		Name: "self", GiveText: "Call me back.", CompletionText: "Done.", Points: 2,
		Completion: domain.NPCCompletion{CallAnother: &env.Boss},
	})
	rm := env.assign(t, rec.ID, m)

	conv := &fakeConversation{}
	res, err := env.Engine.Sweep(env.Ctx, visit(rec, env.Boss, nil), conv)
	require.NoError(t, err)
	assert.False(t, res.Outstanding)
	assert.Empty(t, conv.said)

	got, err := env.Engine.Repo.GetRecruitMission(env.Ctx, rm.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Finished)
}

func TestScriptMissionStatePersisted(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	m := env.mission(t, domain.Mission{
		Name: "lights", GiveText: "x", CompletionText: "All lights on.", Points: 6,
		Completion: domain.ScriptCompletion{Source: `
state.calls = (state.calls or 0) + 1
if state.calls >= 2 then
  complete_mission()
else
  say("Call me again.")
end`},
	})
	rm := env.assign(t, rec.ID, m)
	v := visit(rec, env.Boss, nil)

	conv := &fakeConversation{}
	res, err := env.Engine.Sweep(env.Ctx, v, conv)
	require.NoError(t, err)
	assert.True(t, res.Outstanding)
	assert.Equal(t, []string{"Call me again."}, conv.said)
	got, err := env.Engine.Repo.GetRecruitMission(env.Ctx, rm.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"calls": float64(1)}, got.State)

	conv = &fakeConversation{}
	res, err = env.Engine.Sweep(env.Ctx, v, conv)
	require.NoError(t, err)
	assert.False(t, res.Outstanding)
	assert.Equal(t, []string{"All lights on."}, conv.said)
	assert.Equal(t, 6, env.score(t, rec.ID))
	got, err = env.Engine.Repo.GetRecruitMission(env.Ctx, rm.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"calls": float64(2)}, got.State)
}

func TestGatherErrorAbortsSweep(t *testing.T) {
	env := newTestEnv(t)
	rec := env.recruit(t)
	hungUp := errors.New("hung up")
	m := env.mission(t, domain.Mission{Name: "census", GiveText: "x", ReminderText: "How many?"})
	env.assign(t, rec.ID, m)

	_, err := env.Engine.Sweep(env.Ctx, visit(rec, env.Boss, nil), &fakeConversation{err: hungUp})
	assert.ErrorIs(t, err, hungUp)
}
