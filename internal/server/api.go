package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"eomf/internal/engine"
	"eomf/internal/repo"
)

func recruitNumber(id int64) string {
	return fmt.Sprintf("%04d", id)
}

func registerRecruits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recruits",
		Method:      http.MethodGet,
		Path:        "/recruits",
		Summary:     "Recruit leaderboard",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []RecruitResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRecruits(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RecruitResponse, 0, len(items))
		for _, r := range items {
			out = append(out, recruitResponse(r))
		}
		return &struct {
			Body []RecruitResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-recruit",
		Method:      http.MethodGet,
		Path:        "/recruits/{recruit_id}",
		Summary:     "Get recruit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecruitID int64 `path:"recruit_id"`
	}) (*struct {
		Body RecruitResponse `json:"body"`
	}, error) {
		r, err := e.Repo.GetRecruit(ctx, input.RecruitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecruitResponse `json:"body"`
		}{Body: recruitResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-recruit-missions",
		Method:      http.MethodGet,
		Path:        "/recruits/{recruit_id}/missions",
		Summary:     "Missions assigned to a recruit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecruitID int64 `path:"recruit_id"`
		Open      bool  `query:"open" doc:"Only missions that are not finished"`
	}) (*struct {
		Body []RecruitMissionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRecruit(ctx, input.RecruitID); err != nil {
			return nil, handleError(err)
		}
		list := e.Repo.ListRecruitMissions
		if input.Open {
			list = e.Repo.OpenRecruitMissions
		}
		items, err := list(ctx, input.RecruitID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RecruitMissionResponse, 0, len(items))
		for _, rm := range items {
			out = append(out, recruitMissionResponse(rm))
		}
		return &struct {
			Body []RecruitMissionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerCallLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-calls",
		Method:      http.MethodGet,
		Path:        "/calls",
		Summary:     "Recent calls",
	}, func(ctx context.Context, input *struct {
		RecruitID int64 `query:"recruit_id"`
		Limit     int   `query:"limit" default:"50"`
	}) (*struct {
		Body []CallLogResponse `json:"body"`
	}, error) {
		var recruitID *int64
		if input.RecruitID > 0 {
			recruitID = &input.RecruitID
		}
		items, err := e.Repo.ListCallLogs(ctx, recruitID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CallLogResponse, 0, len(items))
		for _, cl := range items {
			out = append(out, callLogResponse(cl))
		}
		return &struct {
			Body []CallLogResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent mission events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		RecruitID int64  `query:"recruit_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		filter := repo.EventFilter{Type: input.Type}
		if input.RecruitID > 0 {
			filter.RecruitID = &input.RecruitID
		}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			filter.Before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerWhoAmI(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current operator",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles := p.Roles
		if roles == nil {
			roles = []string{}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Subject: p.Subject, Roles: roles}}, nil
	})
}
