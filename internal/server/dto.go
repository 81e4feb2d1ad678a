package server

import (
	"encoding/json"

	"eomf/internal/domain"
)

type RecruitResponse struct {
	ID        int64  `json:"id"`
	Number    string `json:"number" example:"0042"`
	Score     int    `json:"score"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RecruitMissionResponse struct {
	ID         int64          `json:"id"`
	MissionID  int64          `json:"mission_id"`
	Mission    string         `json:"mission"`
	Type       string         `json:"type" enum:"LOCATION,NPC,CODE,COUNT,LUA"`
	IssuedBy   string         `json:"issued_by"`
	Points     int            `json:"points"`
	Status     string         `json:"status" enum:"open,completed,cancelled"`
	Started    string         `json:"started" format:"date-time"`
	Finished   string         `json:"finished,omitempty" format:"date-time"`
	CodeTries  int            `json:"code_tries"`
	CountValue *string        `json:"count_value,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

type CallLogResponse struct {
	CallID    string `json:"call_id"`
	RecruitID *int64 `json:"recruit_id,omitempty"`
	NPC       string `json:"npc,omitempty"`
	Location  string `json:"location,omitempty"`
	Date      string `json:"date" format:"date-time"`
	Duration  int    `json:"duration"`
	Digits    int    `json:"digits"`
	Completed bool   `json:"completed"`
	Success   bool   `json:"success"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	RecruitID  *int64         `json:"recruit_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

const timeFormat = "2006-01-02T15:04:05Z07:00"

func recruitResponse(r domain.Recruit) RecruitResponse {
	return RecruitResponse{
		ID:        r.ID,
		Number:    recruitNumber(r.ID),
		Score:     r.Score,
		CreatedAt: r.CreatedAt.UTC().Format(timeFormat),
	}
}

func recruitMissionResponse(rm domain.RecruitMission) RecruitMissionResponse {
	resp := RecruitMissionResponse{
		ID:         rm.ID,
		MissionID:  rm.Mission.ID,
		Mission:    rm.Mission.Name,
		Type:       rm.Mission.Type().String(),
		IssuedBy:   rm.Mission.IssuedBy.Name,
		Points:     rm.Mission.Points,
		Status:     "open",
		Started:    rm.Started.UTC().Format(timeFormat),
		CodeTries:  rm.CodeTries,
		CountValue: rm.CountValue,
		State:      rm.State,
	}
	if rm.Finished != nil {
		resp.Finished = rm.Finished.UTC().Format(timeFormat)
	}
	switch {
	case rm.Cancelled():
		resp.Status = "cancelled"
	case rm.Completed:
		resp.Status = "completed"
	}
	return resp
}

func callLogResponse(cl domain.CallLog) CallLogResponse {
	resp := CallLogResponse{
		CallID:    cl.CallID,
		RecruitID: cl.RecruitID,
		Date:      cl.Date.UTC().Format(timeFormat),
		Duration:  cl.Duration,
		Digits:    cl.Digits,
		Completed: cl.Completed,
		Success:   cl.Success,
	}
	if cl.NPC != nil {
		resp.NPC = cl.NPC.Name
	}
	if cl.Location != nil {
		resp.Location = cl.Location.Name
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		CallID:     e.CallID,
		RecruitID:  e.RecruitID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
