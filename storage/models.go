// Package storage persists projects, analyses, and tags in PostgreSQL.
// Projects are keyed by their unique absolute path; analyses are
// append-only and owned by their project (cascade delete).
package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Status is the project lifecycle state.
type Status string

// Project statuses. ARCHIVED is a terminal sink reachable from any state;
// the rest follow discovery → queue → analysis order.
const (
	StatusDiscovered Status = "DISCOVERED"
	StatusQueued     Status = "QUEUED"
	StatusAnalyzing  Status = "ANALYZING"
	StatusAnalyzed   Status = "ANALYZED"
	StatusError      Status = "ERROR"
	StatusArchived   Status = "ARCHIVED"
)

// Project is a row in the projects table. Path is unique and stable.
type Project struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	Path           string         `db:"path" json:"path"`
	Description    sql.NullString `db:"description" json:"description,omitempty"`
	Framework      sql.NullString `db:"framework" json:"framework,omitempty"`
	Language       sql.NullString `db:"language" json:"language,omitempty"`
	PackageManager sql.NullString `db:"package_manager" json:"packageManager,omitempty"`
	FileCount      int            `db:"file_count" json:"fileCount"`
	LinesOfCode    int            `db:"lines_of_code" json:"linesOfCode"`
	SizeBytes      int64          `db:"size_bytes" json:"size"`
	LastModified   sql.NullTime   `db:"last_modified" json:"lastModified,omitempty"`
	Status         Status         `db:"status" json:"status"`
	IsActive       bool           `db:"is_active" json:"isActive"`
	DiscoveredAt   time.Time      `db:"discovered_at" json:"discoveredAt"`
	AnalyzedAt     sql.NullTime   `db:"analyzed_at" json:"analyzedAt,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

// Analysis is an immutable row produced when a pipeline job completes.
// The dynamic analyzer payloads (tech stack, recommendations, gaps, value
// estimate) are stored as opaque JSON blobs and parsed only defensively
// when presented to clients.
type Analysis struct {
	ID              string          `db:"id" json:"id"`
	ProjectID       string          `db:"project_id" json:"projectId"`
	Summary         string          `db:"summary" json:"summary"`
	TechStack       json.RawMessage `db:"tech_stack" json:"techStack"`
	Complexity      string          `db:"complexity" json:"complexity"`
	Recommendations json.RawMessage `db:"recommendations" json:"recommendations"`
	CompletionScore int             `db:"completion_score" json:"completionScore"`
	MaturityLevel   string          `db:"maturity_level" json:"maturityLevel"`
	ProductionGaps  json.RawMessage `db:"production_gaps" json:"productionGaps"`
	EstimatedValue  json.RawMessage `db:"estimated_value" json:"estimatedValue"`
	Model           string          `db:"model" json:"model"`
	TokensUsed      int             `db:"tokens_used" json:"tokensUsed"`
	CacheHit        bool            `db:"cache_hit" json:"cacheHit"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
}

// Tag is shared across projects through a join table; unique by name.
type Tag struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Color     string    `db:"color" json:"color"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
