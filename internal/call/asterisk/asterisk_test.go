package asterisk_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"eomf/internal/call"
	"eomf/internal/call/asterisk"
	"eomf/internal/db"
	"eomf/internal/domain"
	"eomf/internal/engine"
	"eomf/internal/migrate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	in        chan []byte
	out       chan map[string]any
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), out: make(chan map[string]any, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	// Drain queued messages before reporting the close.
	select {
	case data := <-c.in:
		return 1, data, nil
	default:
	}
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	c.out <- m
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- raw
}

func (c *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no outbound request")
		return nil
	}
}

type fakeSynth struct {
	calls atomic.Int32
}

func (s *fakeSynth) Synthesize(context.Context, string) ([]byte, string, error) {
	s.calls.Add(1)
	return []byte{0xd5, 0xd5}, "audio/x-alaw-basic", nil
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	eng := engine.New(conn, nil)
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = eng.Repo.UpsertNPCTx(ctx, tx, domain.NPC{Name: "Commander", Extension: 100})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return eng
}

func serve(h asterisk.Handler, conn *fakeConn) chan error {
	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), conn) }()
	return done
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
		return nil
	}
}

func channelEvent(typ, state, stamp string) map[string]any {
	return map[string]any{
		"type":      typ,
		"timestamp": stamp,
		"channel": map[string]any{
			"id":           "chan-1",
			"state":        state,
			"creationtime": "2024-05-04T20:00:00.000+0000",
			"caller":       map[string]any{"number": "555"},
			"dialplan":     map[string]any{"exten": "100"},
		},
	}
}

func query(t *testing.T, req map[string]any) map[string]string {
	t.Helper()
	out := map[string]string{}
	raw, ok := req["query_strings"].([]any)
	require.True(t, ok, "query_strings: %v", req)
	for _, q := range raw {
		m := q.(map[string]any)
		out[m["name"].(string)] = m["value"].(string)
	}
	return out
}

func TestPlaybackThenUnimplementedGather(t *testing.T) {
	eng := newEngine(t)
	synth := &fakeSynth{}
	conn := newFakeConn()
	done := serve(asterisk.Handler{Engine: eng, Synth: synth, Config: asterisk.Config{PublicURL: "http://eomf.test"}}, conn)

	conn.send(t, map[string]any{"type": "ApplicationRegistered"})
	conn.send(t, channelEvent("StasisStart", "Up", "2024-05-04T20:00:01.000+0000"))

	prompt := conn.next(t)
	assert.Equal(t, "RESTRequest", prompt["type"])
	assert.Equal(t, "POST", prompt["method"])
	assert.Equal(t, "channels/chan-1/play", prompt["uri"])
	assert.NotEmpty(t, prompt["request_id"])
	q := query(t, prompt)
	assert.True(t, strings.HasPrefix(q["media"], "sound:http://eomf.test/speech/"), q["media"])
	require.NotEmpty(t, q["playbackId"])

	conn.send(t, map[string]any{"type": "PlaybackStarted", "playback": map[string]any{"id": q["playbackId"]}})
	conn.send(t, map[string]any{"type": "ChannelDtmfReceived", "digit": "1"})
	conn.send(t, map[string]any{"type": "PlaybackFinished", "playback": map[string]any{"id": q["playbackId"]}})

	apology := conn.next(t)
	assert.Equal(t, "POST", apology["method"])
	aq := query(t, apology)
	assert.NotEqual(t, q["media"], aq["media"])
	conn.send(t, map[string]any{"type": "PlaybackFinished", "playback": map[string]any{"id": aq["playbackId"]}})

	hangup := conn.next(t)
	assert.Equal(t, "DELETE", hangup["method"])
	assert.Equal(t, "channels/chan-1", hangup["uri"])
	assert.Equal(t, map[string]string{"reason_code": "16"}, query(t, hangup))
	assert.NotEqual(t, prompt["request_id"], hangup["request_id"])

	conn.send(t, map[string]any{"type": "RESTResponse", "request_id": hangup["request_id"], "status_code": 204})
	conn.send(t, channelEvent("ChannelHangupRequest", "Up", "2024-05-04T20:00:31.000+0000"))
	conn.Close()
	require.NoError(t, wait(t, done))

	assert.Equal(t, int32(2), synth.calls.Load())
	cl, err := eng.Repo.GetCallLog(context.Background(), "chan-1")
	require.NoError(t, err)
	assert.True(t, cl.Completed)
	assert.False(t, cl.Success)
	assert.Equal(t, 30, cl.Duration)
	require.NotNil(t, cl.NPC)
	assert.Equal(t, "Commander", cl.NPC.Name)
}

func TestPlaybackTimeoutDoesNotStall(t *testing.T) {
	eng := newEngine(t)
	conn := newFakeConn()
	h := asterisk.Handler{Engine: eng, Synth: &fakeSynth{}, Config: asterisk.Config{PublicURL: "http://eomf.test", PlaybackTimeout: 20 * time.Millisecond}}
	done := serve(h, conn)

	conn.send(t, channelEvent("StasisStart", "Up", "2024-05-04T20:00:00.000+0000"))
	assert.Equal(t, "POST", conn.next(t)["method"])
	assert.Equal(t, "POST", conn.next(t)["method"])
	assert.Equal(t, "DELETE", conn.next(t)["method"])

	conn.Close()
	require.NoError(t, wait(t, done))
}

func TestLinesWithoutAudioAreSkipped(t *testing.T) {
	eng := newEngine(t)
	conn := newFakeConn()
	done := serve(asterisk.Handler{Engine: eng}, conn)

	conn.send(t, channelEvent("StasisStart", "Ring", "2024-05-04T20:00:00.000+0000"))
	assert.Equal(t, "DELETE", conn.next(t)["method"])

	conn.Close()
	require.NoError(t, wait(t, done))
}

func TestRepeatedHangupSignalsEndOnce(t *testing.T) {
	eng := newEngine(t)
	conn := newFakeConn()
	done := serve(asterisk.Handler{Engine: eng, Synth: &fakeSynth{}, Config: asterisk.Config{PublicURL: "http://eomf.test"}}, conn)

	conn.send(t, channelEvent("StasisStart", "Ring", "2024-05-04T20:00:00.000+0000"))
	conn.next(t)
	conn.send(t, channelEvent("ChannelHangupRequest", "Up", "2024-05-04T20:00:05.000+0000"))
	conn.send(t, channelEvent("StasisEnd", "Up", "2024-05-04T20:00:06.000+0000"))
	conn.send(t, channelEvent("ChannelDestroyed", "Down", "2024-05-04T20:00:07.000+0000"))
	conn.send(t, map[string]any{"type": "DeviceStateChanged"})

	require.Eventually(t, func() bool {
		cl, err := eng.Repo.GetCallLog(context.Background(), "chan-1")
		return err == nil && cl.Duration == 7
	}, 5*time.Second, 10*time.Millisecond)
	conn.Close()
	require.NoError(t, wait(t, done))

	cl, err := eng.Repo.GetCallLog(context.Background(), "chan-1")
	require.NoError(t, err)
	assert.True(t, cl.Completed)
	assert.False(t, cl.Success)
	select {
	case m := <-conn.out:
		t.Fatalf("unexpected request after hangup: %v", m)
	default:
	}
}

func TestUnknownEventTerminatesCall(t *testing.T) {
	eng := newEngine(t)
	conn := newFakeConn()
	done := serve(asterisk.Handler{Engine: eng}, conn)

	conn.send(t, map[string]any{"type": "BridgeMerged"})
	err := wait(t, done)
	var invalid *call.InvalidMessageError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "BridgeMerged", invalid.Type)
	assert.False(t, errors.Is(err, call.ErrUnimplemented))
}
