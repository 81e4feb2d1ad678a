// Package call runs one telephone conversation on top of a gateway backend.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"eomf/internal/domain"
	"eomf/internal/engine"
	"eomf/internal/repo"
)

const DefaultGatherTimeout = 20 * time.Second

// State is the lifecycle position of a Session.
type State int

const (
	Connecting State = iota
	Authenticating
	Active
	Ending
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Ending:
		return "ending"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type ActionKind int

const (
	ActionSay ActionKind = iota
	ActionPlay
	ActionGather
	ActionHangup
)

// Action is one gateway-neutral instruction. Say carries Text, Play carries
// URL, Gather carries options plus the prompt to speak.
type Action struct {
	Kind   ActionKind
	Text   string
	URL    string
	Gather engine.GatherOptions
	Prompt *Action
}

// Backend realises actions on a concrete gateway protocol.
type Backend interface {
	// Deliver sends a batch of actions in order.
	Deliver(ctx context.Context, actions []Action) error
	// AwaitInput blocks until the gateway reports the result of the last
	// gather or ctx is done.
	AwaitInput(ctx context.Context) (engine.Input, error)
	// Eager backends cannot batch; each spoken line is delivered at once.
	Eager() bool
}

// Synthesizer renders text to audio for backends without built-in speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio []byte, contentType string, err error)
}

// Options configure a Session. Engine and Backend are required.
type Options struct {
	CallID        string
	Engine        engine.Engine
	Backend       Backend
	Synth         Synthesizer
	Log           *zap.Logger
	PublicURL     string
	GatherTimeout time.Duration
}

// Session owns the transient state of one call: its lifecycle state, the
// call log, and the queue of actions not yet delivered.
type Session struct {
	opts    Options
	engine  engine.Engine
	repo    repo.Repo
	backend Backend
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// logMu serialises call log writes; mu guards the fields below.
	logMu   sync.Mutex
	mu      sync.Mutex
	state   State
	callLog *domain.CallLog
	pending []Action

	endOnce   sync.Once
	closeOnce sync.Once
}

// New returns a session for one call. Its context ends when ctx does or
// the call is closed.
func New(ctx context.Context, opts Options) *Session {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CallID != "" {
		log = log.With(zap.String("call_id", opts.CallID))
	}
	s := &Session{
		opts:    opts,
		engine:  opts.Engine,
		repo:    opts.Engine.Repo,
		backend: opts.Backend,
		log:     log,
		state:   Connecting,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

func (s *Session) now() time.Time {
	if s.engine.Now != nil {
		return s.engine.Now()
	}
	return time.Now()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if next <= prev {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", next))
}

// Done is closed once the call has ended.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) ended() bool {
	return s.ctx.Err() != nil
}

// End records that the channel went down. It may be called any number of
// times from any goroutine; pending gathers wake with ErrCallEnded.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		s.log.Info("call ended", zap.String("reason", reason))
		s.setState(Ending)
		s.cancel()
	})
}

// Close ends the call if needed and stores the final call log.
func (s *Session) Close(ctx context.Context) error {
	s.End("closed")
	var err error
	s.closeOnce.Do(func() {
		err = s.updateLog(ctx, func(cl *domain.CallLog) { cl.Completed = true })
		s.setState(Closed)
	})
	return err
}

// NPC is the character the caller dialed, if known.
func (s *Session) NPC() *domain.NPC {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callLog == nil || s.callLog.NPC == nil {
		return nil
	}
	n := *s.callLog.NPC
	return &n
}

// Location is the place the caller is dialing from, if known.
func (s *Session) Location() *domain.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callLog == nil || s.callLog.Location == nil {
		return nil
	}
	l := *s.callLog.Location
	return &l
}

// CallLog returns a copy of the current call log.
func (s *Session) CallLog() (domain.CallLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callLog == nil {
		return domain.CallLog{}, false
	}
	return *s.callLog, true
}

func (s *Session) enqueue(a Action) {
	s.mu.Lock()
	s.pending = append(s.pending, a)
	s.mu.Unlock()
}

// Flush delivers every queued action.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := s.backend.Deliver(ctx, batch); err != nil {
		if s.ended() {
			return ErrCallEnded
		}
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}

// Say speaks text in the voice of the dialed NPC.
func (s *Session) Say(ctx context.Context, text string) error {
	return s.SayAs(ctx, text, s.NPC())
}

// SayAs queues text spoken by npc. A nil npc uses the narrator voice.
func (s *Session) SayAs(ctx context.Context, text string, npc *domain.NPC) error {
	a, err := s.render(ctx, text, npc)
	if err != nil {
		return err
	}
	s.enqueue(a)
	if s.backend.Eager() {
		return s.Flush(ctx)
	}
	return nil
}

// render turns text into a play action when audio exists or can be made,
// and a plain say otherwise.
func (s *Session) render(ctx context.Context, text string, npc *domain.NPC) (Action, error) {
	var npcID *int64
	if npc != nil {
		npcID = &npc.ID
	} else {
		s.log.Warn("say without a known npc", zap.String("text", text))
	}
	speech, err := s.repo.GetOrCreateSpeech(ctx, npcID, text)
	if err != nil {
		return Action{}, fmt.Errorf("speech lookup: %w", err)
	}
	if !speech.HasRecording() && s.opts.Synth != nil {
		audio, contentType, err := s.opts.Synth.Synthesize(ctx, text)
		if err != nil {
			return Action{}, fmt.Errorf("synthesize speech %d: %w", speech.ID, err)
		}
		if err := s.repo.StoreRecording(ctx, speech.ID, audio, contentType, true); err != nil {
			return Action{}, fmt.Errorf("store speech %d: %w", speech.ID, err)
		}
		speech.Recording = audio
	}
	if speech.HasRecording() {
		return Action{Kind: ActionPlay, URL: s.speechURL(speech.ID), Text: text}, nil
	}
	s.log.Debug("no recording", zap.Int64("speech", speech.ID), zap.String("text", text))
	return Action{Kind: ActionSay, Text: text}, nil
}

func (s *Session) speechURL(id int64) string {
	return fmt.Sprintf("%s/speech/%d", strings.TrimRight(s.opts.PublicURL, "/"), id)
}

// Gather prompts for digits and waits for the answer, a timeout, or the
// end of the call. Timeouts are not errors; they come back as an Input
// with reason "timeout".
func (s *Session) Gather(ctx context.Context, text string, opts engine.GatherOptions) (engine.Input, error) {
	if s.ended() {
		return engine.Input{}, ErrCallEnded
	}
	prompt, err := s.render(ctx, text, s.NPC())
	if err != nil {
		return engine.Input{}, err
	}
	s.enqueue(Action{Kind: ActionGather, Gather: opts, Prompt: &prompt})
	if err := s.Flush(ctx); err != nil {
		return engine.Input{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.GatherTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	in, err := s.backend.AwaitInput(waitCtx)
	switch {
	case s.ended():
		return engine.Input{}, ErrCallEnded
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return engine.Input{Reason: engine.ReasonTimeout}, nil
	default:
		return engine.Input{}, err
	}
	if in.Digits != "" {
		n := len(in.Digits)
		if err := s.updateLog(ctx, func(cl *domain.CallLog) { cl.Digits += n }); err != nil {
			return in, err
		}
	}
	return in, nil
}

// Hangup queues the end-of-call instruction and flushes.
func (s *Session) Hangup(ctx context.Context) error {
	s.enqueue(Action{Kind: ActionHangup})
	err := s.Flush(ctx)
	s.setState(Ending)
	return err
}
