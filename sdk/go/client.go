package eomfsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal client for the operator API.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Recruit struct {
	ID        int64  `json:"id"`
	Number    string `json:"number"`
	Score     int    `json:"score"`
	CreatedAt string `json:"created_at"`
}

type RecruitMission struct {
	ID         int64          `json:"id"`
	MissionID  int64          `json:"mission_id"`
	Mission    string         `json:"mission"`
	Type       string         `json:"type"`
	IssuedBy   string         `json:"issued_by"`
	Points     int            `json:"points"`
	Status     string         `json:"status"`
	Started    string         `json:"started"`
	Finished   string         `json:"finished,omitempty"`
	CodeTries  int            `json:"code_tries"`
	CountValue *string        `json:"count_value,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

type CallLog struct {
	CallID    string `json:"call_id"`
	RecruitID *int64 `json:"recruit_id,omitempty"`
	NPC       string `json:"npc,omitempty"`
	Location  string `json:"location,omitempty"`
	Date      string `json:"date"`
	Duration  int    `json:"duration"`
	Digits    int    `json:"digits"`
	Completed bool   `json:"completed"`
	Success   bool   `json:"success"`
}

// Event is a mission journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	RecruitID  *int64         `json:"recruit_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventQuery narrows EventsPage. Zero values are omitted.
type EventQuery struct {
	Type      string
	RecruitID int64
	Limit     int
	Cursor    string
}

// Recruits returns the leaderboard, best score first.
func (c *Client) Recruits(ctx context.Context, limit int) ([]Recruit, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Recruit
	err := c.do(ctx, http.MethodGet, c.apiPath("recruits", q), &resp)
	return resp, err
}

func (c *Client) Recruit(ctx context.Context, id int64) (Recruit, error) {
	var resp Recruit
	err := c.do(ctx, http.MethodGet, c.apiPath(fmt.Sprintf("recruits/%d", id), nil), &resp)
	return resp, err
}

// RecruitMissions lists a recruit's missions; open limits it to unfinished ones.
func (c *Client) RecruitMissions(ctx context.Context, id int64, open bool) ([]RecruitMission, error) {
	q := url.Values{}
	if open {
		q.Set("open", "true")
	}
	var resp []RecruitMission
	err := c.do(ctx, http.MethodGet, c.apiPath(fmt.Sprintf("recruits/%d/missions", id), q), &resp)
	return resp, err
}

// Calls returns recent calls. A zero recruitID lists every recruit's calls.
func (c *Client) Calls(ctx context.Context, recruitID int64, limit int) ([]CallLog, error) {
	q := url.Values{}
	if recruitID > 0 {
		q.Set("recruit_id", fmt.Sprint(recruitID))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []CallLog
	err := c.do(ctx, http.MethodGet, c.apiPath("calls", q), &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, EventQuery{Limit: limit})
	return page.Items, err
}

// EventsPage returns one page of events, newest first.
func (c *Client) EventsPage(ctx context.Context, query EventQuery) (PaginatedEvents, error) {
	q := url.Values{}
	if query.Type != "" {
		q.Set("type", query.Type)
	}
	if query.RecruitID > 0 {
		q.Set("recruit_id", fmt.Sprint(query.RecruitID))
	}
	if query.Limit > 0 {
		q.Set("limit", fmt.Sprint(query.Limit))
	}
	if query.Cursor != "" {
		q.Set("cursor", query.Cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, c.apiPath("events", q), &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, &bytes.Buffer{})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string, q url.Values) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v0"
	}
	endpoint := fmt.Sprintf("%s/%s", base, strings.TrimLeft(p, "/"))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
