package call

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"eomf/internal/domain"
	"eomf/internal/engine"
	"eomf/internal/repo"
)

const (
	authPrompt     = "Please enter your recruit number to connect your call. If you've lost your multipass and need a replacement recruit number, press 0"
	unknownRecruit = "Sorry, that number was not recognised."
	verifiedLine   = "Caller verified!"
	unknownNPCLine = "Unable to identify what NPC you are calling"
	apologyLine    = "Sorry, something went wrong"
)

var errUnknownNPC = errors.New("dialed extension is not an npc")

// recruitNumber spells an id the way it is read to callers: zero padded to
// four digits, one digit at a time.
func recruitNumber(id int64) string {
	return strings.Join(strings.Split(fmt.Sprintf("%04d", id), ""), " ")
}

// Authenticate asks for a recruit number until one resolves. Entering 0
// enlists a new recruit. It returns ErrCallEnded if the caller hangs up.
func (s *Session) Authenticate(ctx context.Context) (domain.Recruit, error) {
	s.setState(Authenticating)
	for {
		in, err := s.Gather(ctx, authPrompt, engine.GatherOptions{MinDigits: 1, MaxDigits: 4})
		if err != nil {
			return domain.Recruit{}, err
		}
		if !in.Detected() {
			continue
		}
		if in.Digits == "0" {
			rec, err := s.enlist(ctx)
			if err != nil {
				return domain.Recruit{}, err
			}
			number := recruitNumber(rec.ID)
			if err := s.Say(ctx, fmt.Sprintf("OK let's see, scanner says you're recruit %s. You got that? %s, don't forget it!", number, number)); err != nil {
				return domain.Recruit{}, err
			}
			return s.verified(ctx, rec)
		}
		id, err := strconv.ParseInt(in.Digits, 10, 64)
		if err != nil {
			if err := s.Say(ctx, unknownRecruit); err != nil {
				return domain.Recruit{}, err
			}
			continue
		}
		rec, err := s.repo.GetRecruit(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			if err := s.Say(ctx, unknownRecruit); err != nil {
				return domain.Recruit{}, err
			}
			continue
		}
		if err != nil {
			return domain.Recruit{}, fmt.Errorf("lookup recruit: %w", err)
		}
		return s.verified(ctx, rec)
	}
}

func (s *Session) enlist(ctx context.Context) (domain.Recruit, error) {
	rec, err := s.repo.CreateRecruit(ctx, s.now())
	if err != nil {
		return domain.Recruit{}, fmt.Errorf("create recruit: %w", err)
	}
	s.log.Info("recruit enlisted", zap.Int64("recruit", rec.ID))
	return rec, nil
}

func (s *Session) verified(ctx context.Context, rec domain.Recruit) (domain.Recruit, error) {
	id := rec.ID
	if err := s.updateLog(ctx, func(cl *domain.CallLog) { cl.RecruitID = &id }); err != nil {
		return domain.Recruit{}, err
	}
	if err := s.Say(ctx, verifiedLine); err != nil {
		return domain.Recruit{}, err
	}
	return rec, nil
}

// Run drives the whole conversation: authenticate, introduce the NPC,
// resolve missions and hang up. Failures other than the caller hanging up
// are apologised for, logged, and returned.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err := s.converse(ctx)
	// The call log outlives the conversation context.
	final := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		s.log.Info("call finished")
		return s.updateLog(final, func(cl *domain.CallLog) {
			cl.Completed = true
			cl.Success = true
		})
	case errors.Is(err, errUnknownNPC):
		return s.updateLog(final, func(cl *domain.CallLog) {
			cl.Completed = true
			cl.Success = false
		})
	case errors.Is(err, ErrCallEnded) || s.ended():
		s.log.Info("caller hung up", zap.Stringer("state", s.State()))
		if logErr := s.updateLog(final, func(cl *domain.CallLog) { cl.Completed = true }); logErr != nil {
			s.log.Error("update call log", zap.Error(logErr))
		}
		return nil
	default:
		s.log.Error("call failed", zap.Error(err))
		s.apologise(final)
		if logErr := s.updateLog(final, func(cl *domain.CallLog) {
			cl.Completed = true
			cl.Success = false
		}); logErr != nil {
			s.log.Error("update call log", zap.Error(logErr))
		}
		return err
	}
}

func (s *Session) apologise(ctx context.Context) {
	if err := s.Say(ctx, apologyLine); err != nil {
		s.log.Warn("apology lookup failed", zap.Error(err))
		s.enqueue(Action{Kind: ActionSay, Text: apologyLine})
	}
	if err := s.Hangup(ctx); err != nil {
		s.log.Warn("hangup after failure", zap.Error(err))
	}
}

func (s *Session) converse(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()

	rec, err := s.Authenticate(ctx)
	if err != nil {
		return err
	}
	s.setState(Active)

	npc := s.NPC()
	if npc == nil {
		s.log.Warn("no npc for call")
		if err := s.SayAs(ctx, unknownNPCLine, nil); err != nil {
			return err
		}
		if err := s.Hangup(ctx); err != nil {
			return err
		}
		return errUnknownNPC
	}

	rn, created, err := s.repo.GetOrCreateRecruitNPC(ctx, rec.ID, npc.ID)
	if err != nil {
		return fmt.Errorf("recruit npc: %w", err)
	}
	if created || !rn.Contacted {
		if strings.TrimSpace(npc.Introduction) != "" {
			if err := s.Say(ctx, npc.Introduction); err != nil {
				return err
			}
		}
		if err := s.repo.MarkContacted(ctx, rn.ID); err != nil {
			return fmt.Errorf("mark contacted: %w", err)
		}
	}

	loc := s.Location()
	if loc == nil {
		s.log.Debug("no location for call")
	}
	callID := s.opts.CallID
	if cl, ok := s.CallLog(); ok {
		callID = cl.CallID
	}
	v := engine.Visit{CallID: callID, RecruitID: rec.ID, NPC: *npc, Location: loc}
	if err := s.engine.Resolve(ctx, v, s); err != nil {
		return err
	}
	return s.Hangup(ctx)
}
