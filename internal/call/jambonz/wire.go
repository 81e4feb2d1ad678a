package jambonz

import "encoding/json"

// Subprotocol is negotiated on the websocket upgrade.
const Subprotocol = "ws.jambonz.org"

const (
	typeSessionNew       = "session:new"
	typeSessionReconnect = "session:reconnect"
	typeCallStatus       = "call:status"
	typeVerbHook         = "verb:hook"
)

type inbound struct {
	Type    string          `json:"type"`
	MsgID   string          `json:"msgid"`
	CallSID string          `json:"call_sid"`
	Data    json.RawMessage `json:"data"`
}

type callData struct {
	CallSID    string `json:"call_sid"`
	To         string `json:"to"`
	From       string `json:"from"`
	CallStatus string `json:"call_status"`
	Duration   *int   `json:"duration"`
	Digits     string `json:"digits"`
	Reason     string `json:"reason"`
}

type envelope struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	MsgID   string `json:"msgid,omitempty"`
	Data    []verb `json:"data,omitempty"`
}

type verb struct {
	Say    *sayVerb    `json:"say,omitempty"`
	Play   *playVerb   `json:"play,omitempty"`
	Gather *gatherVerb `json:"gather,omitempty"`
	Hangup *struct{}   `json:"hangup,omitempty"`
}

type sayVerb struct {
	Text string `json:"text"`
}

type playVerb struct {
	URL string `json:"url"`
}

type gatherVerb struct {
	Input             []string  `json:"input"`
	ActionHook        string    `json:"actionHook"`
	Bargein           bool      `json:"bargein"`
	DtmfBargein       bool      `json:"dtmfBargein"`
	FinishOnKey       string    `json:"finishOnKey"`
	InterDigitTimeout int       `json:"interDigitTimeout"`
	NumDigits         int       `json:"numDigits,omitempty"`
	MinDigits         int       `json:"minDigits,omitempty"`
	MaxDigits         int       `json:"maxDigits,omitempty"`
	Say               *sayVerb  `json:"say,omitempty"`
	Play              *playVerb `json:"play,omitempty"`
}
