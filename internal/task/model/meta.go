package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Meta is the parsed meta.json of a task directory.
type Meta struct {
	Title          string
	Category       string
	Pubdate        time.Time
	Deadline       *time.Time
	Disabled       bool
	MaxSubmissions *int
	Group          string
}

type rawMeta struct {
	Title          *string `json:"title"`
	Category       *string `json:"category"`
	Pubdate        *string `json:"pubdate"`
	Deadline       *string `json:"deadline"`
	Disabled       bool    `json:"disabled"`
	MaxSubmissions *int    `json:"max_submissions"`
	Group          string  `json:"group"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseMeta decodes meta.json. title, category and pubdate are required.
// Times without a zone are read as UTC.
func ParseMeta(data []byte) (Meta, error) {
	var raw rawMeta
	if err := json.Unmarshal(data, &raw); err != nil {
		return Meta{}, fmt.Errorf("malformed meta.json: %w", err)
	}
	var missing []string
	if raw.Title == nil || strings.TrimSpace(*raw.Title) == "" {
		missing = append(missing, "title")
	}
	if raw.Category == nil || strings.TrimSpace(*raw.Category) == "" {
		missing = append(missing, "category")
	}
	if raw.Pubdate == nil || strings.TrimSpace(*raw.Pubdate) == "" {
		missing = append(missing, "pubdate")
	}
	if len(missing) > 0 {
		return Meta{}, fmt.Errorf("meta.json is missing required keys: %s", strings.Join(missing, ", "))
	}

	pubdate, err := parseTime(*raw.Pubdate)
	if err != nil {
		return Meta{}, fmt.Errorf("invalid pubdate: %w", err)
	}
	meta := Meta{
		Title:          strings.TrimSpace(*raw.Title),
		Category:       strings.TrimSpace(*raw.Category),
		Pubdate:        pubdate,
		Disabled:       raw.Disabled,
		MaxSubmissions: raw.MaxSubmissions,
		Group:          strings.TrimSpace(raw.Group),
	}
	if raw.Deadline != nil && strings.TrimSpace(*raw.Deadline) != "" {
		deadline, err := parseTime(*raw.Deadline)
		if err != nil {
			return Meta{}, fmt.Errorf("invalid deadline: %w", err)
		}
		meta.Deadline = &deadline
	}
	return meta, nil
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}
