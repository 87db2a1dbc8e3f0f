// Package project classifies filesystem directories as software projects
// and extracts descriptive metadata from them. All operations degrade on
// filesystem errors: missing permissions or files that disappear mid-scan
// produce partial results, never a failed extraction.
package project

import "time"

// Type identifies the project ecosystem detected from marker files.
type Type string

// Known project types.
const (
	TypeNode    Type = "node"
	TypeRust    Type = "rust"
	TypeGo      Type = "go"
	TypeJava    Type = "java"
	TypePHP     Type = "php"
	TypeRuby    Type = "ruby"
	TypePython  Type = "python"
	TypeDart    Type = "dart"
	TypeCSharp  Type = "csharp"
	TypeGeneric Type = "generic"
)

// Detection is the result of validating a candidate directory.
type Detection struct {
	// Valid reports whether the directory qualifies as a project.
	Valid bool `json:"valid"`

	// Type is the detected ecosystem (empty when Valid is false).
	Type Type `json:"type,omitempty"`

	// Framework is the detected framework, when one is recognized.
	Framework string `json:"framework,omitempty"`

	// Language is the primary language.
	Language string `json:"language,omitempty"`

	// PackageManager is the detected package manager.
	PackageManager string `json:"packageManager,omitempty"`

	// Confidence is the detection score in [0,1]. Directories scoring
	// below 0.5 are rejected.
	Confidence float64 `json:"confidence"`
}

// LanguageStat is a per-language file count used for language ranking.
type LanguageStat struct {
	Language string `json:"language"`
	Files    int    `json:"files"`
}

// Metadata is the complete extracted description of a project directory.
type Metadata struct {
	Name           string         `json:"name"`
	Type           Type           `json:"type"`
	Framework      string         `json:"framework,omitempty"`
	Language       string         `json:"language,omitempty"`
	PackageManager string         `json:"packageManager,omitempty"`
	Confidence     float64        `json:"confidence"`
	FileCount      int            `json:"fileCount"`
	LinesOfCode    int            `json:"linesOfCode"`
	SizeBytes      int64          `json:"sizeBytes"`
	LastModified   time.Time      `json:"lastModified"`
	Languages      []LanguageStat `json:"languages,omitempty"`
}
