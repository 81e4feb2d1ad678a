package script_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"eomf/internal/engine/script"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHost struct {
	said      []string
	prompts   []string
	opts      []script.GatherOptions
	digits    string
	reason    string
	gatherErr error
	completed int
	cancelled int
}

func (h *fakeHost) Say(_ context.Context, text string) error {
	h.said = append(h.said, text)
	return nil
}

func (h *fakeHost) Gather(_ context.Context, text string, opts script.GatherOptions) (string, string, error) {
	h.prompts = append(h.prompts, text)
	h.opts = append(h.opts, opts)
	return h.digits, h.reason, h.gatherErr
}

func (h *fakeHost) Complete(context.Context) error {
	h.completed++
	return nil
}

func (h *fakeHost) Cancel(context.Context) error {
	h.cancelled++
	return nil
}

func run(t *testing.T, source string, state map[string]any, host *fakeHost) (map[string]any, error) {
	t.Helper()
	info := script.Info{ID: 7, RecruitID: 42, MissionID: 3, MissionName: "lights"}
	return script.Run(context.Background(), source, info, state, host)
}

func TestStateRoundTrip(t *testing.T) {
	state := map[string]any{
		"count":  3,
		"ratio":  1.5,
		"name":   "zed",
		"seen":   true,
		"nested": map[string]any{"door": "open", "depth": 2},
		"list":   []any{"a", "b", "c"},
	}
	got, err := run(t, "", state, &fakeHost{})
	require.NoError(t, err)
	assert.Equal(t, state, got)

	again, err := run(t, "", got, &fakeHost{})
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestStateKeepsHolesAndNumericKeys(t *testing.T) {
	var state map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"hits":[1,null,3],"sparse":{"2":"b"},"empty":[],"tail":[null]}`), &state))

	got, err := run(t, "", state, &fakeHost{})
	require.NoError(t, err)
	want := map[string]any{
		"hits":   []any{1, nil, 3},
		"sparse": map[string]any{"2": "b"},
		"empty":  []any{},
		"tail":   []any{nil},
	}
	assert.Equal(t, want, got)

	again, err := run(t, "", got, &fakeHost{})
	require.NoError(t, err)
	assert.Equal(t, want, again)
}

func TestScriptNumericKeysBecomeDecimalStrings(t *testing.T) {
	src := `
state[1] = "x"
state.sparse = {[2] = "b", [10] = "c"}
state.seq = {"p", "q"}`
	st, err := run(t, src, nil, &fakeHost{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"1":      "x",
		"sparse": map[string]any{"2": "b", "10": "c"},
		"seq":    []any{"p", "q"},
	}, st)
}

func TestStateMutationsPersistAcrossRuns(t *testing.T) {
	src := `state.visits = (state.visits or 0) + 1`
	st, err := run(t, src, nil, &fakeHost{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"visits": 1}, st)

	st, err = run(t, src, st, &fakeHost{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"visits": 2}, st)
}

func TestGatherAndComplete(t *testing.T) {
	src := `
local digits, reason = gather("Enter the code", 4, 1, 4)
if digits == "1234" and reason == "dtmfDetected" then
  say("Well done " .. recruit_mission.mission_name)
  complete_mission()
else
  cancel_mission()
end`
	host := &fakeHost{digits: "1234", reason: "dtmfDetected"}
	_, err := run(t, src, nil, host)
	require.NoError(t, err)
	assert.Equal(t, []string{"Enter the code"}, host.prompts)
	assert.Equal(t, script.GatherOptions{NumDigits: 4, MinDigits: 1, MaxDigits: 4}, host.opts[0])
	assert.Equal(t, []string{"Well done lights"}, host.said)
	assert.Equal(t, 1, host.completed)
	assert.Zero(t, host.cancelled)
}

func TestGatherWithoutDigitsReturnsNil(t *testing.T) {
	src := `
local digits, reason = gather("Anyone there?")
state.got_nil = digits == nil
state.reason = reason`
	st, err := run(t, src, nil, &fakeHost{reason: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"got_nil": true, "reason": "timeout"}, st)
}

func TestHostErrorsPropagate(t *testing.T) {
	hungUp := errors.New("hung up")
	src := `gather("x") state.after = true`
	_, err := run(t, src, nil, &fakeHost{gatherErr: hungUp})
	assert.ErrorIs(t, err, hungUp)
}

func TestRestrictedEnvironment(t *testing.T) {
	for _, src := range []string{
		`require("os")`,
		`dofile("/etc/passwd")`,
		`os.exit(1)`,
		`io.write("x")`,
	} {
		_, err := run(t, src, nil, &fakeHost{})
		assert.ErrorIs(t, err, script.ErrScript, src)
	}
	st, err := run(t, `state.up = string.upper("a") state.max = math.max(1, 4) state.n = #table.concat({"a","b"})`, nil, &fakeHost{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"up": "A", "max": 4, "n": 2}, st)
}

func TestRecruitMissionIsReadOnly(t *testing.T) {
	_, err := run(t, `recruit_mission.code_tries = 0`, nil, &fakeHost{})
	assert.ErrorIs(t, err, script.ErrScript)

	st, err := run(t, `state.id = recruit_mission.id state.recruit = recruit_mission.recruit_id`, nil, &fakeHost{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 7, "recruit": 42}, st)
}

func TestSyntaxError(t *testing.T) {
	_, err := run(t, `this is not lua`, nil, &fakeHost{})
	assert.ErrorIs(t, err, script.ErrScript)
}
