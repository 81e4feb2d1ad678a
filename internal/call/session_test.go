package call_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"eomf/internal/call"
	"eomf/internal/db"
	"eomf/internal/domain"
	"eomf/internal/engine"
	"eomf/internal/migrate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2024, 5, 4, 20, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu       sync.Mutex
	batches  [][]call.Action
	inputs   chan engine.Input
	gathered chan struct{}
	eager    bool
	noInput  error
}

func newFakeBackend(inputs ...string) *fakeBackend {
	b := &fakeBackend{
		inputs:   make(chan engine.Input, len(inputs)+1),
		gathered: make(chan struct{}, 16),
	}
	for _, d := range inputs {
		b.inputs <- engine.Input{Digits: d, Reason: engine.ReasonDigits}
	}
	return b
}

func (b *fakeBackend) Deliver(_ context.Context, actions []call.Action) error {
	b.mu.Lock()
	b.batches = append(b.batches, append([]call.Action(nil), actions...))
	b.mu.Unlock()
	for _, a := range actions {
		if a.Kind == call.ActionGather {
			select {
			case b.gathered <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func (b *fakeBackend) AwaitInput(ctx context.Context) (engine.Input, error) {
	if b.noInput != nil {
		return engine.Input{}, b.noInput
	}
	select {
	case in := <-b.inputs:
		return in, nil
	case <-ctx.Done():
		return engine.Input{}, ctx.Err()
	}
}

func (b *fakeBackend) Eager() bool { return b.eager }

// lines flattens everything the caller heard, gather prompts included.
func (b *fakeBackend) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, batch := range b.batches {
		for _, a := range batch {
			switch a.Kind {
			case call.ActionSay, call.ActionPlay:
				out = append(out, a.Text)
			case call.ActionGather:
				out = append(out, "gather: "+a.Prompt.Text)
			case call.ActionHangup:
				out = append(out, "hangup")
			}
		}
	}
	return out
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	NPC    domain.NPC
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return testNow }

	env := testEnv{Engine: eng, Ctx: ctx}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	env.NPC, err = eng.Repo.UpsertNPCTx(ctx, tx, domain.NPC{Name: "Commander", Extension: 100, Introduction: "This is the commander."})
	require.NoError(t, err)
	_, err = eng.Repo.UpsertLocationTx(ctx, tx, domain.Location{Name: "Bar", Extension: 200})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return env
}

func (env testEnv) session(t *testing.T, b call.Backend, to string) *call.Session {
	t.Helper()
	s := call.New(env.Ctx, call.Options{
		CallID:        "call-1",
		Engine:        env.Engine,
		Backend:       b,
		PublicURL:     "http://eomf.test",
		GatherTimeout: time.Second,
	})
	require.NoError(t, s.UpdateFromSignal(env.Ctx, call.Signal{CallID: "call-1", To: to, From: "200", Status: "in-progress"}))
	return s
}

func (env testEnv) callLog(t *testing.T) domain.CallLog {
	t.Helper()
	cl, err := env.Engine.Repo.GetCallLog(env.Ctx, "call-1")
	require.NoError(t, err)
	return cl
}

func TestNewRecruitNumberReadBack(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 41; i++ {
		_, err := env.Engine.Repo.CreateRecruit(env.Ctx, testNow)
		require.NoError(t, err)
	}
	b := newFakeBackend("0")
	s := env.session(t, b, "100")

	require.NoError(t, s.Run(env.Ctx))

	assert.Equal(t, []string{
		"gather: Please enter your recruit number to connect your call. If you've lost your multipass and need a replacement recruit number, press 0",
		"OK let's see, scanner says you're recruit 0 0 4 2. You got that? 0 0 4 2, don't forget it!",
		"Caller verified!",
		"This is the commander.",
		engine.NoWorkLine,
		"hangup",
	}, b.lines())

	rec, err := env.Engine.Repo.GetRecruit(env.Ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)

	cl := env.callLog(t)
	require.NotNil(t, cl.RecruitID)
	assert.Equal(t, int64(42), *cl.RecruitID)
	assert.Equal(t, 1, cl.Digits)
	assert.Equal(t, "Bar", cl.Location.Name)
	assert.True(t, cl.Completed)
	assert.True(t, cl.Success)
}

func TestUnknownRecruitReprompts(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.Repo.CreateRecruit(env.Ctx, testNow)
	require.NoError(t, err)
	b := newFakeBackend("77", "1")
	s := env.session(t, b, "100")

	got, err := s.Authenticate(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	lines := b.lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "Sorry, that number was not recognised.", lines[1])
	assert.Equal(t, 3, env.callLog(t).Digits)
}

func TestIntroductionOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Repo.CreateRecruit(env.Ctx, testNow)
	require.NoError(t, err)

	b := newFakeBackend("1")
	require.NoError(t, env.session(t, b, "100").Run(env.Ctx))
	assert.Contains(t, b.lines(), "This is the commander.")

	b = newFakeBackend("1")
	require.NoError(t, env.session(t, b, "100").Run(env.Ctx))
	assert.NotContains(t, b.lines(), "This is the commander.")
}

func TestUnknownNPC(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Repo.CreateRecruit(env.Ctx, testNow)
	require.NoError(t, err)
	b := newFakeBackend("1")
	s := env.session(t, b, "999")

	require.NoError(t, s.Run(env.Ctx))
	lines := b.lines()
	assert.Equal(t, []string{"Unable to identify what NPC you are calling", "hangup"}, lines[len(lines)-2:])
	cl := env.callLog(t)
	assert.True(t, cl.Completed)
	assert.False(t, cl.Success)
	assert.Nil(t, cl.NPC)
}

func TestHangupDuringGatherEndsCall(t *testing.T) {
	env := newTestEnv(t)
	b := newFakeBackend()
	s := env.session(t, b, "100")

	done := make(chan error, 1)
	go func() { done <- s.Run(env.Ctx) }()

	<-b.gathered
	s.End("hangup")
	s.End("hangup again")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not stop")
	}
	assert.Equal(t, call.Ending, s.State())
	require.NoError(t, s.Close(env.Ctx))
	assert.Equal(t, call.Closed, s.State())
	cl := env.callLog(t)
	assert.True(t, cl.Completed)
	assert.False(t, cl.Success)
	assert.NotContains(t, b.lines(), "Sorry, something went wrong")

	_, err := s.Gather(env.Ctx, "anyone?", engine.GatherOptions{})
	assert.ErrorIs(t, err, call.ErrCallEnded)
}

func TestGatherTimeout(t *testing.T) {
	env := newTestEnv(t)
	b := newFakeBackend()
	s := call.New(env.Ctx, call.Options{CallID: "call-1", Engine: env.Engine, Backend: b, GatherTimeout: 20 * time.Millisecond})

	in, err := s.Gather(env.Ctx, "Hello?", engine.GatherOptions{MinDigits: 1})
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonTimeout, in.Reason)
	assert.False(t, in.Detected())
}

func TestUnexpectedFailureApologises(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.Repo.CreateRecruit(env.Ctx, testNow)
	require.NoError(t, err)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	id, err := env.Engine.Repo.UpsertMissionTx(env.Ctx, tx, domain.Mission{
		Name: "broken", GiveText: "x", IssuedBy: env.NPC, Priority: 5,
		Completion: domain.ScriptCompletion{Source: "this is not lua"},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	m, err := env.Engine.Repo.GetMission(env.Ctx, id)
	require.NoError(t, err)
	tx, err = env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	_, err = env.Engine.Repo.InsertRecruitMissionTx(env.Ctx, tx, rec.ID, m, testNow)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	b := newFakeBackend("1")
	err = env.session(t, b, "100").Run(env.Ctx)
	assert.Error(t, err)

	lines := b.lines()
	assert.Equal(t, []string{"Sorry, something went wrong", "hangup"}, lines[len(lines)-2:])
	cl := env.callLog(t)
	assert.True(t, cl.Completed)
	assert.False(t, cl.Success)
}

func TestUnimplementedGatherFailsCall(t *testing.T) {
	env := newTestEnv(t)
	b := newFakeBackend()
	b.noInput = call.ErrUnimplemented

	err := env.session(t, b, "100").Run(env.Ctx)
	assert.ErrorIs(t, err, call.ErrUnimplemented)
	assert.Contains(t, b.lines(), "Sorry, something went wrong")

	var invalid *call.InvalidMessageError
	assert.False(t, errors.As(err, &invalid))
}

func TestEagerBackendDeliversEachLine(t *testing.T) {
	env := newTestEnv(t)
	b := newFakeBackend()
	b.eager = true
	s := env.session(t, b, "100")

	require.NoError(t, s.Say(env.Ctx, "one"))
	require.NoError(t, s.Say(env.Ctx, "two"))
	assert.Len(t, b.batches, 2)
}

func TestRecordedSpeechIsPlayed(t *testing.T) {
	env := newTestEnv(t)
	speech, err := env.Engine.Repo.GetOrCreateSpeech(env.Ctx, &env.NPC.ID, "Recorded line")
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.StoreRecording(env.Ctx, speech.ID, []byte{1}, "audio/wav", false))

	b := newFakeBackend()
	s := env.session(t, b, "100")
	require.NoError(t, s.Say(env.Ctx, "Recorded line"))
	require.NoError(t, s.Say(env.Ctx, "Unrecorded line"))
	require.NoError(t, s.Flush(env.Ctx))

	require.Len(t, b.batches, 1)
	batch := b.batches[0]
	assert.Equal(t, call.ActionPlay, batch[0].Kind)
	assert.Equal(t, fmt.Sprintf("http://eomf.test/speech/%d", speech.ID), batch[0].URL)
	assert.Equal(t, call.ActionSay, batch[1].Kind)
}

type fakeSynth struct{ calls int }

func (f *fakeSynth) Synthesize(context.Context, string) ([]byte, string, error) {
	f.calls++
	return []byte{0xd5, 0xd5}, "audio/x-alaw-basic", nil
}

func TestSynthesizedSpeechIsCached(t *testing.T) {
	env := newTestEnv(t)
	synth := &fakeSynth{}
	b := newFakeBackend()
	s := call.New(env.Ctx, call.Options{CallID: "call-1", Engine: env.Engine, Backend: b, Synth: synth, PublicURL: "http://eomf.test"})

	require.NoError(t, s.Say(env.Ctx, "Hello"))
	require.NoError(t, s.Say(env.Ctx, "Hello"))
	require.NoError(t, s.Flush(env.Ctx))
	assert.Equal(t, 1, synth.calls)
	assert.Equal(t, call.ActionPlay, b.batches[0][0].Kind)
	assert.Equal(t, call.ActionPlay, b.batches[0][1].Kind)
}
