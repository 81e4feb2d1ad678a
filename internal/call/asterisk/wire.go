package asterisk

import (
	"time"
)

const (
	typeApplicationRegistered = "ApplicationRegistered"
	typeStasisStart           = "StasisStart"
	typeStasisEnd             = "StasisEnd"
	typeChannelCreated        = "ChannelCreated"
	typeChannelVarset         = "ChannelVarset"
	typeChannelDialplan       = "ChannelDialplan"
	typeChannelUserevent      = "ChannelUserevent"
	typeChannelHangupRequest  = "ChannelHangupRequest"
	typeChannelDestroyed      = "ChannelDestroyed"
	typeChannelDtmfReceived   = "ChannelDtmfReceived"
	typeDeviceStateChanged    = "DeviceStateChanged"
	typePlaybackStarted       = "PlaybackStarted"
	typePlaybackFinished      = "PlaybackFinished"
	typeRESTResponse          = "RESTResponse"
)

// hangupNormalClearing is the Q.850 cause sent when we end the call.
const hangupNormalClearing = "16"

type event struct {
	Type         string    `json:"type"`
	Timestamp    string    `json:"timestamp"`
	Channel      *channel  `json:"channel"`
	Playback     *playback `json:"playback"`
	Digit        string    `json:"digit"`
	RequestID    string    `json:"request_id"`
	StatusCode   int       `json:"status_code"`
	ReasonPhrase string    `json:"reason_phrase"`
}

type channel struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	CreationTime string `json:"creationtime"`
	Caller       struct {
		Number string `json:"number"`
	} `json:"caller"`
	Dialplan struct {
		Exten string `json:"exten"`
	} `json:"dialplan"`
}

type playback struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type restRequest struct {
	Type         string        `json:"type"`
	RequestID    string        `json:"request_id"`
	Method       string        `json:"method"`
	URI          string        `json:"uri"`
	QueryStrings []queryString `json:"query_strings"`
}

type queryString struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Asterisk writes offsets without a colon.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

func parseStamp(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// elapsed is the whole seconds between channel creation and the event.
func elapsed(stamp, created string) (int, bool) {
	end, ok := parseStamp(stamp)
	if !ok {
		return 0, false
	}
	start, ok := parseStamp(created)
	if !ok {
		return 0, false
	}
	d := end.Sub(start)
	if d < 0 {
		return 0, false
	}
	return int(d / time.Second), true
}
