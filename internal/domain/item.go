// Package domain provides the data model shared across the QVF engine.
package domain

import "time"

// Item is one portfolio work item as loaded from the item store.
type Item struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	State       string         `json:"state,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Score is the computed prioritization score for a single item.
type Score struct {
	ItemID     string             `json:"item_id"`
	Value      float64            `json:"value"`
	Rank       int                `json:"rank,omitempty"`
	Components map[string]float64 `json:"components,omitempty"`
	ComputedAt time.Time          `json:"computed_at"`
}

// ScoreSummary aggregates the score distribution of one workflow run.
type ScoreSummary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}
