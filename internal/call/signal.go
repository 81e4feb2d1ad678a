package call

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"eomf/internal/domain"
	"eomf/internal/repo"
)

// Signal is gateway housekeeping about the call: who was dialed, who is
// calling, and how the call is doing.
type Signal struct {
	CallID   string
	To       string
	From     string
	Status   string
	Duration *int
}

// Completed reports a status meaning the channel is gone.
func (sig Signal) Completed() bool {
	switch sig.Status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		return true
	}
	return false
}

// extension pulls the dialable number out of values like "100",
// "sip:100@host" or "tel:+100".
func extension(v string) (int, bool) {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "sip:")
	v = strings.TrimPrefix(v, "tel:")
	if i := strings.IndexByte(v, '@'); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimPrefix(v, "+")
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// UpdateFromSignal folds sig into the call log, creating it on first use.
// The NPC and Location are resolved once each; unknown extensions are left
// unset.
func (s *Session) UpdateFromSignal(ctx context.Context, sig Signal) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.mu.Lock()
	cl := s.callLog
	s.mu.Unlock()
	if cl == nil {
		id := sig.CallID
		if id == "" {
			id = s.opts.CallID
		}
		created, err := s.repo.GetOrCreateCallLog(ctx, id, s.now())
		if err != nil {
			return err
		}
		cl = &created
	} else {
		copied := *cl
		cl = &copied
	}

	if cl.NPC == nil {
		if ext, ok := extension(sig.To); ok {
			npc, err := s.repo.NPCByExtension(ctx, ext)
			switch {
			case err == nil:
				cl.NPC = &npc
			case errors.Is(err, repo.ErrNotFound):
				s.log.Warn("unknown npc extension", zap.String("to", sig.To))
			default:
				return err
			}
		}
	}
	if cl.Location == nil {
		if ext, ok := extension(sig.From); ok {
			loc, err := s.repo.LocationByExtension(ctx, ext)
			switch {
			case err == nil:
				cl.Location = &loc
			case errors.Is(err, repo.ErrNotFound):
			default:
				return err
			}
		}
	}
	if sig.Duration != nil {
		cl.Duration = *sig.Duration
	}
	if sig.Completed() {
		cl.Completed = true
	}
	if err := s.repo.UpdateCallLog(ctx, *cl); err != nil {
		return err
	}
	s.mu.Lock()
	s.callLog = cl
	s.mu.Unlock()
	return nil
}

// updateLog applies fn to the call log and persists it. Calls that never
// produced a signal have no log and are skipped.
func (s *Session) updateLog(ctx context.Context, fn func(cl *domain.CallLog)) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.mu.Lock()
	if s.callLog == nil {
		s.mu.Unlock()
		return nil
	}
	next := *s.callLog
	s.mu.Unlock()
	fn(&next)
	if err := s.repo.UpdateCallLog(ctx, next); err != nil {
		return err
	}
	s.mu.Lock()
	s.callLog = &next
	s.mu.Unlock()
	return nil
}
