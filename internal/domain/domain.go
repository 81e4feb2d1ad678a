package domain

import (
	"fmt"
	"strings"
	"time"
)

type Recruit struct {
	ID        int64     `json:"id"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type NPC struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Extension    int    `json:"extension"`
	Introduction string `json:"introduction,omitempty"`
}

type Location struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Extension int    `json:"extension"`
}

type RecruitNPC struct {
	ID        int64 `json:"id"`
	RecruitID int64 `json:"recruit_id"`
	NPCID     int64 `json:"npc_id"`
	Contacted bool  `json:"contacted"`
	Score     int   `json:"score"`
}

// MissionType is the stored discriminator for a mission's completion rule.
// Value 4 belonged to a cooperative mission type that was never built.
type MissionType int

const (
	MissionLocation MissionType = 1
	MissionNPC      MissionType = 2
	MissionCode     MissionType = 3
	MissionCount    MissionType = 5
	MissionLua      MissionType = 6
)

func (t MissionType) String() string {
	switch t {
	case MissionLocation:
		return "LOCATION"
	case MissionNPC:
		return "NPC"
	case MissionCode:
		return "CODE"
	case MissionCount:
		return "COUNT"
	case MissionLua:
		return "LUA"
	default:
		return fmt.Sprintf("MissionType(%d)", int(t))
	}
}

// Valid reports whether t is one of the implemented mission types.
func (t MissionType) Valid() bool {
	switch t {
	case MissionLocation, MissionNPC, MissionCode, MissionCount, MissionLua:
		return true
	}
	return false
}

// ParseMissionType accepts the type name in any case.
func ParseMissionType(s string) (MissionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOCATION":
		return MissionLocation, nil
	case "NPC":
		return MissionNPC, nil
	case "CODE":
		return MissionCode, nil
	case "COUNT":
		return MissionCount, nil
	case "LUA":
		return MissionLua, nil
	}
	return 0, fmt.Errorf("invalid mission type %q", s)
}

// Completion holds the type-specific data deciding when a mission is done.
// The set of implementations is closed; switch on the concrete type.
type Completion interface {
	MissionType() MissionType
}

// LocationCompletion: call the issuing NPC back from a given location.
type LocationCompletion struct {
	CallBackFrom *Location
}

// NPCCompletion: call a different NPC.
type NPCCompletion struct {
	CallAnother *NPC
}

// CodeCompletion: enter the code printed on a physical item.
type CodeCompletion struct {
	Code          *int
	IncorrectText string
}

// CountCompletion: enter any number; it is recorded, not checked.
type CountCompletion struct{}

// ScriptCompletion: custom Lua logic decides.
type ScriptCompletion struct {
	Source string
}

func (LocationCompletion) MissionType() MissionType { return MissionLocation }
func (NPCCompletion) MissionType() MissionType      { return MissionNPC }
func (CodeCompletion) MissionType() MissionType     { return MissionCode }
func (CountCompletion) MissionType() MissionType    { return MissionCount }
func (ScriptCompletion) MissionType() MissionType   { return MissionLua }

type Mission struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	GiveText         string     `json:"give_text"`
	ReminderText     string     `json:"reminder_text,omitempty"`
	CompletionText   string     `json:"completion_text,omitempty"`
	IssuedBy         NPC        `json:"issued_by"`
	Points           int        `json:"points"`
	Priority         int        `json:"priority"`
	Repeatable       bool       `json:"repeatable"`
	FollowupID       *int64     `json:"followup_mission_id,omitempty"`
	OnlyStartFromID  *int64     `json:"only_start_from,omitempty"`
	NotBefore        *time.Time `json:"not_before,omitempty" format:"date-time"`
	NotAfter         *time.Time `json:"not_after,omitempty" format:"date-time"`
	CancelAfterTime  *time.Time `json:"cancel_after_time,omitempty" format:"date-time"`
	CancelAfterTries *int       `json:"cancel_after_tries,omitempty"`
	CancelText       string     `json:"cancel_text,omitempty"`
	Completion       Completion `json:"-"`
}

// Type reports the mission's variant. A mission without completion data is
// treated as a count mission, the only variant that needs none.
func (m Mission) Type() MissionType {
	if m.Completion == nil {
		return MissionCount
	}
	return m.Completion.MissionType()
}

type RecruitMission struct {
	ID         int64          `json:"id"`
	RecruitID  int64          `json:"recruit_id"`
	Mission    Mission        `json:"mission"`
	Started    time.Time      `json:"started" format:"date-time"`
	Finished   *time.Time     `json:"finished,omitempty" format:"date-time"`
	Completed  bool           `json:"completed"`
	CodeTries  int            `json:"code_tries"`
	CountValue *string        `json:"count_value,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

// Cancelled reports a mission that finished without success.
func (rm RecruitMission) Cancelled() bool {
	return rm.Finished != nil && !rm.Completed
}

type CallLog struct {
	CallID    string    `json:"call_id"`
	RecruitID *int64    `json:"recruit_id,omitempty"`
	NPC       *NPC      `json:"npc,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Date      time.Time `json:"date" format:"date-time"`
	Duration  int       `json:"duration"`
	Digits    int       `json:"digits"`
	Completed bool      `json:"completed"`
	Success   bool      `json:"success"`
}

type Speech struct {
	ID          int64  `json:"id"`
	NPCID       *int64 `json:"npc_id,omitempty"`
	Text        string `json:"text"`
	Recording   []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	TTS         bool   `json:"tts"`
}

func (s Speech) HasRecording() bool {
	return len(s.Recording) > 0
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	RecruitID  *int64 `json:"recruit_id,omitempty"`
	Payload    string `json:"payload_json"`
}
