// Package jambonz binds call sessions to the jambonz websocket API.
//
// The gateway opens one websocket per call and sends session:new. The first
// batch of verbs answers that message with an ack; later batches are pushed
// as redirect commands. Gathers complete when a verb:hook arrives.
package jambonz

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eomf/internal/call"
	"eomf/internal/engine"
)

type Config struct {
	// ActionHook is the URL placed in gather verbs.
	ActionHook    string
	PublicURL     string
	GatherTimeout time.Duration
}

type Handler struct {
	Engine engine.Engine
	Config Config
	Log    *zap.Logger
}

// Serve runs one call over conn until the gateway closes it. It returns
// nil on a normal hangup.
func (h Handler) Serve(ctx context.Context, conn call.Conn) error {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("gateway", "jambonz"))
	peer := call.NewPeer(conn, log)
	defer peer.Close()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { peer.Close() })
	defer stop()

	c := &connection{handler: h, peer: peer, log: log, hooks: make(chan engine.Input, 1)}
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

// connection is the per-websocket state; it is also the call.Backend.
type connection struct {
	handler Handler
	peer    *call.Peer
	log     *zap.Logger
	session *call.Session
	hooks   chan engine.Input

	mu    sync.Mutex
	msgID string
	acked bool
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
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return &call.InvalidMessageError{Type: "", Payload: data}
	}
	var body callData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &body); err != nil {
			return fmt.Errorf("decode %s data: %w", msg.Type, err)
		}
	}
	if msg.CallSID == "" {
		msg.CallSID = body.CallSID
	}

	switch msg.Type {
	case typeSessionNew:
		if c.session != nil {
			return fmt.Errorf("duplicate %s for call %s", msg.Type, msg.CallSID)
		}
		c.setMsgID(msg.MsgID)
		c.session = call.New(ctx, call.Options{
			CallID:        msg.CallSID,
			Engine:        c.handler.Engine,
			Backend:       c,
			Log:           c.log,
			PublicURL:     c.handler.Config.PublicURL,
			GatherTimeout: c.handler.Config.GatherTimeout,
		})
		if err := c.session.UpdateFromSignal(ctx, signal(msg, body)); err != nil {
			return fmt.Errorf("call log: %w", err)
		}
		s := c.session
		g.Go(func() error {
			if err := s.Run(ctx); err != nil {
				c.log.Debug("conversation returned", zap.Error(err))
			}
			return nil
		})
		return nil
	case typeSessionReconnect:
		return fmt.Errorf("%s: %w", msg.Type, call.ErrUnimplemented)
	case typeCallStatus:
		var updateErr error
		if c.session != nil {
			sig := signal(msg, body)
			updateErr = c.session.UpdateFromSignal(ctx, sig)
			if sig.Completed() {
				c.session.End(body.CallStatus)
			}
		}
		if err := c.peer.Send(envelope{Type: "ack", MsgID: msg.MsgID}); err != nil {
			return err
		}
		if updateErr != nil {
			c.log.Error("update call log", zap.Error(updateErr))
		}
		return nil
	case typeVerbHook:
		c.setMsgID(msg.MsgID)
		c.offer(engine.Input{Digits: body.Digits, Reason: body.Reason})
		return nil
	default:
		return &call.InvalidMessageError{Type: msg.Type, Payload: data}
	}
}

func signal(msg inbound, body callData) call.Signal {
	return call.Signal{
		CallID:   msg.CallSID,
		To:       body.To,
		From:     body.From,
		Status:   body.CallStatus,
		Duration: body.Duration,
	}
}

func (c *connection) setMsgID(id string) {
	c.mu.Lock()
	c.msgID = id
	c.mu.Unlock()
}

// offer keeps only the most recent hook.
func (c *connection) offer(in engine.Input) {
	for {
		select {
		case c.hooks <- in:
			return
		default:
		}
		select {
		case <-c.hooks:
		default:
		}
	}
}

func (c *connection) drainHooks() {
	for {
		select {
		case <-c.hooks:
		default:
			return
		}
	}
}

func (c *connection) Eager() bool { return false }

func (c *connection) Deliver(_ context.Context, actions []call.Action) error {
	verbs := make([]verb, 0, len(actions))
	for _, a := range actions {
		if a.Kind == call.ActionGather {
			c.drainHooks()
		}
		verbs = append(verbs, c.verb(a))
	}
	c.mu.Lock()
	env := envelope{Type: "command", Command: "redirect", Data: verbs}
	if !c.acked {
		c.acked = true
		env = envelope{Type: "ack", MsgID: c.msgID, Data: verbs}
	}
	c.mu.Unlock()
	return c.peer.Send(env)
}

func (c *connection) verb(a call.Action) verb {
	switch a.Kind {
	case call.ActionPlay:
		return verb{Play: &playVerb{URL: a.URL}}
	case call.ActionGather:
		g := &gatherVerb{
			Input:             []string{"digits"},
			ActionHook:        c.handler.Config.ActionHook,
			Bargein:           false,
			DtmfBargein:       true,
			FinishOnKey:       "#",
			InterDigitTimeout: 5,
			NumDigits:         a.Gather.NumDigits,
			MinDigits:         a.Gather.MinDigits,
			MaxDigits:         a.Gather.MaxDigits,
		}
		if p := a.Prompt; p != nil {
			if p.Kind == call.ActionPlay {
				g.Play = &playVerb{URL: p.URL}
			} else {
				g.Say = &sayVerb{Text: p.Text}
			}
		}
		return verb{Gather: g}
	case call.ActionHangup:
		return verb{Hangup: &struct{}{}}
	default:
		return verb{Say: &sayVerb{Text: a.Text}}
	}
}

func (c *connection) AwaitInput(ctx context.Context) (engine.Input, error) {
	select {
	case in := <-c.hooks:
		return in, nil
	case <-ctx.Done():
		return engine.Input{}, ctx.Err()
	}
}
