package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"eomf/internal/domain"
	"eomf/internal/repo"
)

const defaultPriority = 5

// Catalog is the seed file describing the game world.
type Catalog struct {
	NPCs      []NPCEntry      `yaml:"npcs"`
	Locations []LocationEntry `yaml:"locations"`
	Missions  []MissionEntry  `yaml:"missions"`
}

type NPCEntry struct {
	Name         string `yaml:"name"`
	Extension    int    `yaml:"extension"`
	Introduction string `yaml:"introduction"`
}

type LocationEntry struct {
	Name      string `yaml:"name"`
	Extension int    `yaml:"extension"`
}

// MissionEntry refers to NPCs, locations and other missions by name.
type MissionEntry struct {
	Name             string     `yaml:"name"`
	IssuedBy         string     `yaml:"issued_by"`
	Type             string     `yaml:"type"`
	GiveText         string     `yaml:"give_text"`
	ReminderText     string     `yaml:"reminder_text"`
	CompletionText   string     `yaml:"completion_text"`
	CancelText       string     `yaml:"cancel_text"`
	Points           int        `yaml:"points"`
	Priority         *int       `yaml:"priority"`
	Repeatable       bool       `yaml:"repeatable"`
	Followup         string     `yaml:"followup"`
	OnlyStartFrom    string     `yaml:"only_start_from"`
	NotBefore        *time.Time `yaml:"not_before"`
	NotAfter         *time.Time `yaml:"not_after"`
	CancelAfterTime  *time.Time `yaml:"cancel_after_time"`
	CancelAfterTries *int       `yaml:"cancel_after_tries"`
	CallBackFrom     string     `yaml:"call_back_from"`
	CallAnother      string     `yaml:"call_another"`
	Code             *int       `yaml:"code"`
	IncorrectText    string     `yaml:"incorrect_text"`
	Lua              string     `yaml:"lua"`
	Prerequisites    []string   `yaml:"prerequisites"`
}

// CatalogResult counts what a load wrote.
type CatalogResult struct {
	NPCs      int
	Locations int
	Missions  int
}

// ErrPrerequisiteCycle is returned when missions depend on each other in a
// loop; none of them could ever be issued.
var ErrPrerequisiteCycle = errors.New("prerequisite cycle")

func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func ReadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	return ParseCatalog(data)
}

// Validate checks what can be checked without the database.
func (c Catalog) Validate() error {
	seen := map[string]bool{}
	for _, n := range c.NPCs {
		if strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("npc with extension %d has no name", n.Extension)
		}
		if n.Extension <= 0 {
			return fmt.Errorf("npc %s: extension must be positive", n.Name)
		}
	}
	for _, l := range c.Locations {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("location with extension %d has no name", l.Extension)
		}
	}
	for _, m := range c.Missions {
		if strings.TrimSpace(m.Name) == "" {
			return errors.New("mission without a name")
		}
		if seen[m.Name] {
			return fmt.Errorf("mission %s defined twice", m.Name)
		}
		seen[m.Name] = true
		if m.IssuedBy == "" {
			return fmt.Errorf("mission %s: issued_by is required", m.Name)
		}
		if p := m.priority(); p < 1 || p > 10 {
			return fmt.Errorf("mission %s: priority %d out of range 1-10", m.Name, p)
		}
		typ, err := m.missionType()
		if err != nil {
			return fmt.Errorf("mission %s: %w", m.Name, err)
		}
		switch typ {
		case domain.MissionLocation:
			if m.CallBackFrom == "" {
				return fmt.Errorf("mission %s: call_back_from is required for LOCATION", m.Name)
			}
		case domain.MissionNPC:
			if m.CallAnother == "" {
				return fmt.Errorf("mission %s: call_another is required for NPC", m.Name)
			}
		case domain.MissionCode:
			if m.Code == nil {
				return fmt.Errorf("mission %s: code is required for CODE", m.Name)
			}
		case domain.MissionLua:
			if strings.TrimSpace(m.Lua) == "" {
				return fmt.Errorf("mission %s: lua is required for LUA", m.Name)
			}
		}
		if m.CancelAfterTries != nil && *m.CancelAfterTries < 1 {
			return fmt.Errorf("mission %s: cancel_after_tries must be at least 1", m.Name)
		}
		if m.NotBefore != nil && m.NotAfter != nil && m.NotAfter.Before(*m.NotBefore) {
			return fmt.Errorf("mission %s: not_after is before not_before", m.Name)
		}
	}
	return nil
}

func (m MissionEntry) priority() int {
	if m.Priority == nil {
		return defaultPriority
	}
	return *m.Priority
}

func (m MissionEntry) missionType() (domain.MissionType, error) {
	if m.Type == "" {
		return domain.MissionCount, nil
	}
	// Stored type codes are accepted as well as names.
	if n, err := strconv.Atoi(strings.TrimSpace(m.Type)); err == nil {
		if t := domain.MissionType(n); t.Valid() {
			return t, nil
		}
		return 0, fmt.Errorf("invalid mission type %d", n)
	}
	return domain.ParseMissionType(m.Type)
}

// LoadCatalog upserts the catalog in one transaction. Entries are keyed by
// name, so loading the same file twice is a no-op. The whole load is
// rolled back if the resulting prerequisite graph has a cycle.
func LoadCatalog(ctx context.Context, conn *sql.DB, c Catalog) (CatalogResult, error) {
	if err := c.Validate(); err != nil {
		return CatalogResult{}, err
	}
	r := repo.Repo{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return CatalogResult{}, err
	}
	defer tx.Rollback()

	var res CatalogResult
	for _, n := range c.NPCs {
		if _, err := r.UpsertNPCTx(ctx, tx, domain.NPC{Name: n.Name, Extension: n.Extension, Introduction: n.Introduction}); err != nil {
			return res, err
		}
		res.NPCs++
	}
	for _, l := range c.Locations {
		if _, err := r.UpsertLocationTx(ctx, tx, domain.Location{Name: l.Name, Extension: l.Extension}); err != nil {
			return res, err
		}
		res.Locations++
	}

	ids := make(map[string]int64, len(c.Missions))
	names := map[int64]string{}
	for _, entry := range c.Missions {
		m, err := missionFromEntry(ctx, tx, entry)
		if err != nil {
			return res, err
		}
		id, err := r.UpsertMissionTx(ctx, tx, m)
		if err != nil {
			return res, err
		}
		ids[entry.Name] = id
		names[id] = entry.Name
		res.Missions++
	}

	// Followups and prerequisites may point forward in the file.
	missionID := func(name string) (int64, error) {
		if id, ok := ids[name]; ok {
			return id, nil
		}
		id, err := r.MissionIDByNameTx(ctx, tx, name)
		if errors.Is(err, repo.ErrNotFound) {
			return 0, fmt.Errorf("unknown mission %s", name)
		}
		return id, err
	}
	for _, entry := range c.Missions {
		id := ids[entry.Name]
		var followup *int64
		if entry.Followup != "" {
			f, err := missionID(entry.Followup)
			if err != nil {
				return res, fmt.Errorf("mission %s followup: %w", entry.Name, err)
			}
			followup = &f
		}
		if err := r.SetFollowupTx(ctx, tx, id, followup); err != nil {
			return res, err
		}
		prereqs := make([]int64, 0, len(entry.Prerequisites))
		for _, name := range entry.Prerequisites {
			p, err := missionID(name)
			if err != nil {
				return res, fmt.Errorf("mission %s prerequisite: %w", entry.Name, err)
			}
			prereqs = append(prereqs, p)
		}
		if err := r.ReplacePrerequisitesTx(ctx, tx, id, prereqs); err != nil {
			return res, err
		}
	}

	edges, err := r.PrerequisiteEdgesTx(ctx, tx)
	if err != nil {
		return res, err
	}
	if cycle := findCycle(edges); cycle != nil {
		labels := make([]string, len(cycle))
		for i, id := range cycle {
			labels[i] = names[id]
			if labels[i] == "" {
				labels[i] = fmt.Sprintf("#%d", id)
			}
		}
		return res, fmt.Errorf("%w: %s", ErrPrerequisiteCycle, strings.Join(labels, " -> "))
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

func missionFromEntry(ctx context.Context, tx *sql.Tx, e MissionEntry) (domain.Mission, error) {
	issuer, err := npcByNameTx(ctx, tx, e.IssuedBy)
	if err != nil {
		return domain.Mission{}, fmt.Errorf("mission %s issued_by: %w", e.Name, err)
	}
	typ, err := e.missionType()
	if err != nil {
		return domain.Mission{}, err
	}
	m := domain.Mission{
		Name:             e.Name,
		GiveText:         e.GiveText,
		ReminderText:     e.ReminderText,
		CompletionText:   e.CompletionText,
		CancelText:       e.CancelText,
		IssuedBy:         issuer,
		Points:           e.Points,
		Priority:         e.priority(),
		Repeatable:       e.Repeatable,
		NotBefore:        e.NotBefore,
		NotAfter:         e.NotAfter,
		CancelAfterTime:  e.CancelAfterTime,
		CancelAfterTries: e.CancelAfterTries,
	}
	if e.OnlyStartFrom != "" {
		loc, err := locationByNameTx(ctx, tx, e.OnlyStartFrom)
		if err != nil {
			return m, fmt.Errorf("mission %s only_start_from: %w", e.Name, err)
		}
		m.OnlyStartFromID = &loc.ID
	}
	switch typ {
	case domain.MissionLocation:
		loc, err := locationByNameTx(ctx, tx, e.CallBackFrom)
		if err != nil {
			return m, fmt.Errorf("mission %s call_back_from: %w", e.Name, err)
		}
		m.Completion = domain.LocationCompletion{CallBackFrom: &loc}
	case domain.MissionNPC:
		npc, err := npcByNameTx(ctx, tx, e.CallAnother)
		if err != nil {
			return m, fmt.Errorf("mission %s call_another: %w", e.Name, err)
		}
		m.Completion = domain.NPCCompletion{CallAnother: &npc}
	case domain.MissionCode:
		m.Completion = domain.CodeCompletion{Code: e.Code, IncorrectText: e.IncorrectText}
	case domain.MissionLua:
		m.Completion = domain.ScriptCompletion{Source: e.Lua}
	default:
		m.Completion = domain.CountCompletion{}
	}
	return m, nil
}

func npcByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.NPC, error) {
	var n domain.NPC
	err := tx.QueryRowContext(ctx, `SELECT id,name,extension,introduction FROM npcs WHERE name=?`, name).
		Scan(&n.ID, &n.Name, &n.Extension, &n.Introduction)
	if errors.Is(err, sql.ErrNoRows) {
		return n, fmt.Errorf("unknown npc %s", name)
	}
	return n, err
}

func locationByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.Location, error) {
	var l domain.Location
	err := tx.QueryRowContext(ctx, `SELECT id,name,extension FROM locations WHERE name=?`, name).
		Scan(&l.ID, &l.Name, &l.Extension)
	if errors.Is(err, sql.ErrNoRows) {
		return l, fmt.Errorf("unknown location %s", name)
	}
	return l, err
}

// findCycle returns one prerequisite loop, first node repeated at the end,
// or nil.
func findCycle(edges map[int64][]int64) []int64 {
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[int64]int{}
	var stack []int64
	var visit func(id int64) []int64
	visit = func(id int64) []int64 {
		state[id] = visiting
		stack = append(stack, id)
		for _, next := range edges[id] {
			switch state[next] {
			case visiting:
				for i, s := range stack {
					if s == next {
						return append(append([]int64(nil), stack[i:]...), next)
					}
				}
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}
	keys := make([]int64, 0, len(edges))
	for id := range edges {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, id := range keys {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}
