// Package script runs the Lua logic attached to scripted missions.
//
// A script sees a restricted global environment: the base library without
// file loading or require, plus string, table and math. Mission bindings are
// installed on top of it:
//
//	state              persisted table, written back after every run
//	recruit_mission    read-only description of the assignment
//	say(text)
//	gather(text [, num_digits [, min_digits [, max_digits]]]) -> digits|nil, reason
//	complete_mission()
//	cancel_mission()
//
// The interpreter runs on its own goroutine. Every binding that touches the
// call is handed back to the goroutine that called Run and executed there,
// so the Host never sees concurrent calls.
package script

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/Shopify/go-lua"
)

// Host is the capability set a script may use.
type Host interface {
	Say(ctx context.Context, text string) error
	Gather(ctx context.Context, text string, opts GatherOptions) (digits string, reason string, err error)
	Complete(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// GatherOptions mirrors the optional gather arguments; zero means unset.
type GatherOptions struct {
	NumDigits int
	MinDigits int
	MaxDigits int
}

// Info is exposed to scripts as the recruit_mission table.
type Info struct {
	ID          int64
	RecruitID   int64
	MissionID   int64
	MissionName string
	CodeTries   int
	CountValue  *string
}

// ErrScript marks failures raised by the script itself rather than the host.
var ErrScript = errors.New("script error")

var blockedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require"}

type requestKind int

const (
	requestSay requestKind = iota
	requestGather
	requestComplete
	requestCancel
)

type request struct {
	kind  requestKind
	text  string
	opts  GatherOptions
	reply chan response
}

type response struct {
	digits string
	reason string
	err    error
}

type outcome struct {
	state map[string]any
	err   error
}

// Run executes source and returns the state table as it was left by the
// script. Host calls are served on the calling goroutine until the script
// returns or ctx is done.
func Run(ctx context.Context, source string, info Info, state map[string]any, host Host) (map[string]any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reqs := make(chan request)
	done := make(chan outcome, 1)
	go func() {
		st, err := execute(ctx, source, info, state, reqs)
		done <- outcome{state: st, err: err}
	}()

	for {
		select {
		case req := <-reqs:
			req.reply <- serve(ctx, host, req)
		case out := <-done:
			return out.state, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func serve(ctx context.Context, host Host, req request) response {
	switch req.kind {
	case requestSay:
		return response{err: host.Say(ctx, req.text)}
	case requestGather:
		digits, reason, err := host.Gather(ctx, req.text, req.opts)
		return response{digits: digits, reason: reason, err: err}
	case requestComplete:
		return response{err: host.Complete(ctx)}
	case requestCancel:
		return response{err: host.Cancel(ctx)}
	}
	return response{err: fmt.Errorf("unknown script request %d", req.kind)}
}

// runner owns one interpreter. It is only touched by the script goroutine.
type runner struct {
	ctx     context.Context
	reqs    chan<- request
	hostErr error
}

func (r *runner) call(req request) response {
	req.reply = make(chan response, 1)
	select {
	case r.reqs <- req:
	case <-r.ctx.Done():
		return response{err: r.ctx.Err()}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-r.ctx.Done():
		return response{err: r.ctx.Err()}
	}
}

// raise records err so Run can return it intact, then unwinds the script.
func (r *runner) raise(l *lua.State, err error) {
	if r.hostErr == nil {
		r.hostErr = err
	}
	lua.Errorf(l, "%s", err.Error())
}

func execute(ctx context.Context, source string, info Info, state map[string]any, reqs chan<- request) (st map[string]any, err error) {
	r := &runner{ctx: ctx, reqs: reqs}
	defer func() {
		if p := recover(); p != nil {
			st, err = nil, fmt.Errorf("lua panic: %v", p)
		}
	}()

	l := newState()
	pushValue(l, state)
	l.SetGlobal("state")
	pushInfo(l, info)
	l.SetGlobal("recruit_mission")
	r.register(l)

	if err := lua.LoadBuffer(l, source, "=mission", ""); err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrScript, err)
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		if r.hostErr != nil {
			return nil, r.hostErr
		}
		return nil, fmt.Errorf("%w: %w", ErrScript, err)
	}

	l.Global("state")
	defer l.Pop(1)
	return tableToMap(l, -1), nil
}

func newState() *lua.State {
	l := lua.NewState()
	for _, lib := range []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "math", Function: lua.MathOpen},
	} {
		lua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}
	for _, name := range blockedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}
	return l
}

func (r *runner) register(l *lua.State) {
	l.Register("say", func(l *lua.State) int {
		text := lua.CheckString(l, 1)
		if resp := r.call(request{kind: requestSay, text: text}); resp.err != nil {
			r.raise(l, resp.err)
		}
		return 0
	})
	l.Register("gather", func(l *lua.State) int {
		text := lua.CheckString(l, 1)
		opts := GatherOptions{
			NumDigits: lua.OptInteger(l, 2, 0),
			MinDigits: lua.OptInteger(l, 3, 0),
			MaxDigits: lua.OptInteger(l, 4, 0),
		}
		resp := r.call(request{kind: requestGather, text: text, opts: opts})
		if resp.err != nil {
			r.raise(l, resp.err)
		}
		if resp.digits == "" {
			l.PushNil()
		} else {
			l.PushString(resp.digits)
		}
		l.PushString(resp.reason)
		return 2
	})
	l.Register("complete_mission", func(l *lua.State) int {
		if resp := r.call(request{kind: requestComplete}); resp.err != nil {
			r.raise(l, resp.err)
		}
		return 0
	})
	l.Register("cancel_mission", func(l *lua.State) int {
		if resp := r.call(request{kind: requestCancel}); resp.err != nil {
			r.raise(l, resp.err)
		}
		return 0
	})
}

// pushInfo leaves a proxy table on the stack whose fields come from info
// and which refuses assignment.
func pushInfo(l *lua.State, info Info) {
	fields := map[string]any{
		"id":           info.ID,
		"recruit_id":   info.RecruitID,
		"mission_id":   info.MissionID,
		"mission_name": info.MissionName,
		"code_tries":   info.CodeTries,
	}
	if info.CountValue != nil {
		fields["count_value"] = *info.CountValue
	}
	l.NewTable()
	l.NewTable()
	pushValue(l, fields)
	l.SetField(-2, "__index")
	l.PushGoFunction(func(l *lua.State) int {
		lua.Errorf(l, "recruit_mission is read-only")
		return 0
	})
	l.SetField(-2, "__newindex")
	l.SetMetaTable(-2)
}

func pushValue(l *lua.State, v any) {
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case string:
		l.PushString(x)
	case bool:
		l.PushBoolean(x)
	case int:
		l.PushInteger(x)
	case int64:
		l.PushNumber(float64(x))
	case float64:
		l.PushNumber(x)
	case map[string]any:
		l.CreateTable(0, len(x))
		for k, val := range x {
			pushValue(l, val)
			l.SetField(-2, k)
		}
	case []any:
		l.CreateTable(len(x), 0)
		for i, val := range x {
			if val == nil {
				continue
			}
			pushValue(l, val)
			l.RawSetInt(-2, i+1)
		}
		// Lua tables cannot hold nil, so the length is kept on the
		// metatable for empty arrays and trailing nulls.
		l.CreateTable(0, 1)
		l.PushInteger(len(x))
		l.SetField(-2, arrayLenField)
		l.SetMetaTable(-2)
	default:
		l.PushString(fmt.Sprint(x))
	}
}

const arrayLenField = "__array_len"

// tableToMap converts a table to a string-keyed map. Number keys become
// their decimal form; keys of other types are dropped.
func tableToMap(l *lua.State, index int) map[string]any {
	out := map[string]any{}
	if l.TypeOf(index) != lua.TypeTable {
		return out
	}
	index = l.AbsIndex(index)
	l.PushNil()
	for l.Next(index) {
		switch l.TypeOf(-2) {
		case lua.TypeString:
			key, _ := l.ToString(-2)
			out[key] = toGo(l, -1)
		case lua.TypeNumber:
			// ToString would convert the key in place and break Next.
			n, _ := l.ToNumber(-2)
			out[numberKey(n)] = toGo(l, -1)
		}
		l.Pop(1)
	}
	return out
}

func numberKey(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// arrayLen reports the length recorded by pushValue for tables that were
// arrays on the Go side.
func arrayLen(l *lua.State, index int) (int, bool) {
	if !lua.MetaField(l, index, arrayLenField) {
		return 0, false
	}
	n, ok := l.ToInteger(-1)
	l.Pop(1)
	return n, ok
}

func toGo(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return normalizeNumber(n)
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(l, index)
	}
	return nil
}

// tableToGo returns a []any for arrays that came from Go (holes become
// nil) and for tables that are proper sequences, and a map otherwise.
func tableToGo(l *lua.State, index int) any {
	index = l.AbsIndex(index)
	declared, fromArray := arrayLen(l, index)
	isArray := true
	maxIndex, count := 0, 0
	l.PushNil()
	for l.Next(index) {
		if isArray {
			n, _ := l.ToNumber(-2)
			if l.TypeOf(-2) != lua.TypeNumber || n != math.Trunc(n) || n < 1 {
				isArray = false
			} else {
				count++
				if i := int(n); i > maxIndex {
					maxIndex = i
				}
			}
		}
		l.Pop(1)
	}
	if isArray && (fromArray || (count > 0 && maxIndex == count)) {
		if declared > maxIndex {
			maxIndex = declared
		}
		out := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			out = append(out, toGo(l, -1))
			l.Pop(1)
		}
		return out
	}
	return tableToMap(l, index)
}

func normalizeNumber(v float64) any {
	if math.Mod(v, 1) == 0 && math.Abs(v) < 1<<53 {
		return int(v)
	}
	return v
}
