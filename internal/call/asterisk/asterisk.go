// Package asterisk binds call sessions to Asterisk ARI events carried over
// a websocket.
//
// Channel control goes out as RESTRequest messages. Asterisk has no text
// to speech of its own, so every line is played from the speech endpoint,
// synthesizing it first when no recording exists. Digit gathering is not
// wired: ChannelDtmfReceived is logged and a gather fails with
// call.ErrUnimplemented.
package asterisk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eomf/internal/call"
	"eomf/internal/engine"
)

const DefaultPlaybackTimeout = 15 * time.Second

type Config struct {
	PublicURL string
	// PlaybackTimeout bounds the wait for PlaybackFinished.
	PlaybackTimeout time.Duration
	GatherTimeout   time.Duration
}

type Handler struct {
	Engine engine.Engine
	Config Config
	Synth  call.Synthesizer
	Log    *zap.Logger
}

// Serve runs one call over conn until Asterisk closes it.
func (h Handler) Serve(ctx context.Context, conn call.Conn) error {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("gateway", "asterisk"))
	peer := call.NewPeer(conn, log)
	defer peer.Close()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { peer.Close() })
	defer stop()

	c := &connection{handler: h, peer: peer, log: log, playbacks: map[string]chan struct{}{}}
	err := c.readLoop(gctx, g)
	if c.session != nil {
		c.session.End("websocket closed")
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if c.session != nil {
		if cerr := c.session.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Error("close call log", zap.Error(cerr))
		}
	}
	if err != nil {
		log.Error("call terminated", zap.Error(err))
	}
	return err
}

type connection struct {
	handler   Handler
	peer      *call.Peer
	log       *zap.Logger
	session   *call.Session
	channelID string

	mu        sync.Mutex
	playbacks map[string]chan struct{}
}

func (c *connection) readLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		data, err := c.peer.Receive()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("read ended", zap.Error(err))
			}
			return nil
		}
		if err := c.handle(ctx, g, data); err != nil {
			return err
		}
	}
}

func (c *connection) handle(ctx context.Context, g *errgroup.Group, data []byte) error {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return &call.InvalidMessageError{Payload: data}
	}

	switch ev.Type {
	case typeApplicationRegistered:
		c.log.Info("application registered")
	case typeStasisStart:
		if ev.Channel == nil {
			return fmt.Errorf("%s without channel", ev.Type)
		}
		if c.session != nil {
			return fmt.Errorf("duplicate %s for channel %s", ev.Type, ev.Channel.ID)
		}
		c.channelID = ev.Channel.ID
		c.session = call.New(ctx, call.Options{
			CallID:        ev.Channel.ID,
			Engine:        c.handler.Engine,
			Backend:       c,
			Synth:         c.handler.Synth,
			Log:           c.log,
			PublicURL:     c.handler.Config.PublicURL,
			GatherTimeout: c.handler.Config.GatherTimeout,
		})
		if err := c.session.UpdateFromSignal(ctx, ev.signal()); err != nil {
			return fmt.Errorf("call log: %w", err)
		}
		s := c.session
		g.Go(func() error {
			if err := s.Run(ctx); err != nil {
				c.log.Debug("conversation returned", zap.Error(err))
			}
			return nil
		})
	case typeChannelHangupRequest, typeChannelDestroyed, typeStasisEnd:
		if ev.Channel != nil {
			ev.Channel.State = "Down"
		}
		c.update(ctx, ev)
		if c.session != nil {
			c.session.End(ev.Type)
		}
	case typeChannelDialplan, typeChannelUserevent:
		c.update(ctx, ev)
	case typeChannelCreated, typeChannelVarset, typeDeviceStateChanged, typePlaybackStarted:
	case typeChannelDtmfReceived:
		c.log.Info("dtmf received", zap.String("digit", ev.Digit))
	case typeRESTResponse:
		if ev.StatusCode < 200 || ev.StatusCode >= 300 {
			c.log.Error("rest request failed",
				zap.String("request_id", ev.RequestID),
				zap.Int("status", ev.StatusCode),
				zap.String("reason", ev.ReasonPhrase))
		}
	case typePlaybackFinished:
		if ev.Playback != nil {
			c.finished(ev.Playback.ID)
		}
	default:
		return &call.InvalidMessageError{Type: ev.Type, Payload: data}
	}
	return nil
}

func (ev event) signal() call.Signal {
	ch := ev.Channel
	sig := call.Signal{
		CallID: ch.ID,
		To:     ch.Dialplan.Exten,
		From:   ch.Caller.Number,
		Status: strings.ToLower(ch.State),
	}
	if ch.State == "Down" {
		sig.Status = "completed"
	}
	if d, ok := elapsed(ev.Timestamp, ch.CreationTime); ok {
		sig.Duration = &d
	}
	return sig
}

func (c *connection) update(ctx context.Context, ev event) {
	if c.session == nil || ev.Channel == nil {
		return
	}
	if err := c.session.UpdateFromSignal(ctx, ev.signal()); err != nil {
		c.log.Error("update call log", zap.String("event", ev.Type), zap.Error(err))
	}
}

func (c *connection) send(method, uri string, query ...queryString) error {
	return c.peer.Send(restRequest{
		Type:         "RESTRequest",
		RequestID:    uuid.NewString(),
		Method:       method,
		URI:          uri,
		QueryStrings: query,
	})
}

func (c *connection) Eager() bool { return true }

func (c *connection) Deliver(ctx context.Context, actions []call.Action) error {
	for _, a := range actions {
		if err := c.deliver(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) deliver(ctx context.Context, a call.Action) error {
	switch a.Kind {
	case call.ActionPlay:
		return c.play(ctx, a.URL)
	case call.ActionSay:
		c.log.Warn("no audio for line, skipped", zap.String("text", a.Text))
		return nil
	case call.ActionGather:
		if a.Prompt != nil {
			return c.deliver(ctx, *a.Prompt)
		}
		return nil
	case call.ActionHangup:
		return c.send("DELETE", "channels/"+c.channelID, queryString{Name: "reason_code", Value: hangupNormalClearing})
	}
	return fmt.Errorf("unknown action %d", a.Kind)
}

// play starts a playback and waits for it to finish, for the playback
// timeout, or for ctx.
func (c *connection) play(ctx context.Context, url string) error {
	id := uuid.NewString()
	done := make(chan struct{})
	c.mu.Lock()
	c.playbacks[id] = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.playbacks, id)
		c.mu.Unlock()
	}()

	err := c.send("POST", "channels/"+c.channelID+"/play",
		queryString{Name: "media", Value: "sound:" + url},
		queryString{Name: "playbackId", Value: id})
	if err != nil {
		return err
	}

	timeout := c.handler.Config.PlaybackTimeout
	if timeout <= 0 {
		timeout = DefaultPlaybackTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		c.log.Debug("playback timeout", zap.String("playback", id))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) finished(id string) {
	c.mu.Lock()
	done, ok := c.playbacks[id]
	delete(c.playbacks, id)
	c.mu.Unlock()
	if ok {
		close(done)
	}
}

func (c *connection) AwaitInput(context.Context) (engine.Input, error) {
	return engine.Input{}, fmt.Errorf("asterisk gather: %w", call.ErrUnimplemented)
}
