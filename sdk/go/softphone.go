package eomfsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Subprotocol is the websocket subprotocol of the jambonz call API.
const Subprotocol = "ws.jambonz.org"

// Line is one thing the caller heard: a spoken text or a played recording.
type Line struct {
	Text string
	URL  string
}

func (l Line) String() string {
	if l.URL != "" {
		return "[audio " + l.URL + "]"
	}
	return l.Text
}

// Softphone places calls against the jambonz endpoint the way the gateway
// would, so missions can be played without a telephone.
type Softphone struct {
	// URL of the jambonz websocket, e.g. ws://127.0.0.1:8080/ws/call/jambonz.
	URL  string
	From string
	// Hear is called for every line, gather prompts included.
	Hear func(Line)
	// Keypad answers a gather. Returning no digits is a timeout.
	Keypad func(ctx context.Context) (string, error)
	Dialer *websocket.Dialer
}

// CallResult summarizes a finished call.
type CallResult struct {
	CallSID  string
	Heard    []Line
	Duration time.Duration
}

type phoneMessage struct {
	Type    string `json:"type"`
	MsgID   string `json:"msgid"`
	CallSID string `json:"call_sid"`
	Data    any    `json:"data,omitempty"`
}

type phoneCallData struct {
	To         string `json:"to,omitempty"`
	From       string `json:"from,omitempty"`
	CallStatus string `json:"call_status,omitempty"`
	Duration   *int   `json:"duration,omitempty"`
	Digits     string `json:"digits,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type phoneCommand struct {
	Type    string          `json:"type"`
	Command string          `json:"command"`
	MsgID   string          `json:"msgid"`
	Data    json.RawMessage `json:"data"`
}

type phoneVerb struct {
	Say    *struct{ Text string } `json:"say"`
	Play   *struct{ URL string }  `json:"play"`
	Gather *struct {
		Say  *struct{ Text string } `json:"say"`
		Play *struct{ URL string }  `json:"play"`
	} `json:"gather"`
	Hangup *struct{} `json:"hangup"`
}

// Call dials extension to and plays the call through until the server hangs
// up or ctx is done.
func (p *Softphone) Call(ctx context.Context, to string) (CallResult, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if p.Dialer != nil {
		dialer = *p.Dialer
	}
	dialer.Subprotocols = []string{Subprotocol}
	conn, _, err := dialer.DialContext(ctx, p.URL, nil)
	if err != nil {
		return CallResult{}, fmt.Errorf("dial %s: %w", p.URL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	res := CallResult{CallSID: uuid.NewString()}
	start := time.Now()
	send := func(typ string, data phoneCallData) error {
		return conn.WriteJSON(phoneMessage{Type: typ, MsgID: uuid.NewString(), CallSID: res.CallSID, Data: data})
	}
	if err := send("session:new", phoneCallData{To: to, From: p.From, CallStatus: "trying"}); err != nil {
		return res, err
	}
	for {
		var msg phoneCommand
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("read: %w", err)
		}
		var verbs []phoneVerb
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &verbs); err != nil {
				return res, fmt.Errorf("decode verbs: %w", err)
			}
		}
		for _, v := range verbs {
			switch {
			case v.Say != nil:
				p.hear(&res, Line{Text: v.Say.Text})
			case v.Play != nil:
				p.hear(&res, Line{URL: v.Play.URL})
			case v.Gather != nil:
				if v.Gather.Say != nil {
					p.hear(&res, Line{Text: v.Gather.Say.Text})
				}
				if v.Gather.Play != nil {
					p.hear(&res, Line{URL: v.Gather.Play.URL})
				}
				digits, err := p.keypad(ctx)
				if err != nil {
					return res, err
				}
				hook := phoneCallData{Digits: digits, Reason: "dtmfDetected"}
				if digits == "" {
					hook.Reason = "timeout"
				}
				if err := send("verb:hook", hook); err != nil {
					return res, err
				}
			case v.Hangup != nil:
				res.Duration = time.Since(start)
				secs := int(res.Duration / time.Second)
				return res, send("call:status", phoneCallData{CallStatus: "completed", Duration: &secs})
			}
		}
	}
}

func (p *Softphone) hear(res *CallResult, l Line) {
	res.Heard = append(res.Heard, l)
	if p.Hear != nil {
		p.Hear(l)
	}
}

func (p *Softphone) keypad(ctx context.Context) (string, error) {
	if p.Keypad == nil {
		return "", errors.New("softphone has no keypad")
	}
	return p.Keypad(ctx)
}
