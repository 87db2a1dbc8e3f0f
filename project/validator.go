package project

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Confidence levels and scoring weights for directory classification.
const (
	// acceptThreshold is the minimum confidence for a directory to count
	// as a project.
	acceptThreshold = 0.5

	// nestedConfidence applies when a strong marker sits one level below
	// the candidate root (monorepo layouts).
	nestedConfidence = 0.85

	// genericCap bounds the summed generic-marker score.
	genericCap = 0.95

	weightGitDir      = 0.25
	weightReadme      = 0.15
	weightSourceDir   = 0.20
	weightCodeFiles   = 0.15
	weightBuildConfig = 0.10
	weightDocsDir     = 0.05
	weightTestDir     = 0.05
)

// systemDirs are directory names that are never projects themselves and are
// skipped during traversal.
var systemDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"coverage":     true,
	"__pycache__":  true,
	"vendor":       true,
	".vscode":      true,
	".idea":        true,
	".next":        true,
	"out":          true,
	".cache":       true,
	".svn":         true,
	".hg":          true,
}

// IsSystemDir reports whether name belongs to the system directory set.
func IsSystemDir(name string) bool {
	return systemDirs[name]
}

// strongMarker describes a single top-level marker file and the ecosystem
// it implies.
type strongMarker struct {
	file       string
	typ        Type
	pm         string
	language   string
	confidence float64
}

// Highest-signal markers first; the first match wins within this tier.
var strongMarkers = []strongMarker{
	{"package.json", TypeNode, "npm", "JavaScript", 0.95},
	{"Cargo.toml", TypeRust, "cargo", "Rust", 0.95},
	{"go.mod", TypeGo, "go modules", "Go", 0.95},
	{"pom.xml", TypeJava, "maven", "Java", 0.9},
	{"build.gradle", TypeJava, "gradle", "Java", 0.9},
	{"build.gradle.kts", TypeJava, "gradle", "Kotlin", 0.9},
	{"composer.json", TypePHP, "composer", "PHP", 0.9},
	{"Gemfile", TypeRuby, "bundler", "Ruby", 0.9},
	{"pyproject.toml", TypePython, "pip", "Python", 0.9},
	{"requirements.txt", TypePython, "pip", "Python", 0.9},
	{"Pipfile", TypePython, "pipenv", "Python", 0.9},
	{"pubspec.yaml", TypeDart, "pub", "Dart", 0.9},
}

// sourceDirs are conventional source subdirectory names counted as a
// generic project marker.
var sourceDirs = map[string]bool{
	"src": true, "lib": true, "app": true, "components": true,
	"services": true, "utils": true, "core": true, "modules": true,
	"backend": true, "frontend": true, "server": true, "client": true,
	"api": true, "web": true, "ui": true, "packages": true, "apps": true,
}

// readmeNames are the accepted README spellings.
var readmeNames = map[string]bool{
	"readme.md": true, "readme.txt": true, "readme.rst": true,
	"readme": true, "readme.markdown": true,
}

// buildConfigNames are recognized build/tooling config files for the
// generic marker score.
var buildConfigNames = map[string]bool{
	"makefile": true, "dockerfile": true, "docker-compose.yml": true,
	"docker-compose.yaml": true, "tsconfig.json": true,
	"webpack.config.js": true, "vite.config.js": true,
	"vite.config.ts": true, "rollup.config.js": true,
	"babel.config.js": true, ".eslintrc.json": true, ".eslintrc.js": true,
	"cmakelists.txt": true, "justfile": true, "taskfile.yml": true,
}

// Validator classifies directories as projects.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a Validator. A nil logger defaults to slog.Default().
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Validate classifies the directory at path. It never returns an error:
// unreadable directories come back as {Valid: false, Confidence: 0}.
func (v *Validator) Validate(path string) Detection {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Detection{}
	}

	base := filepath.Base(path)
	if base == "" || strings.HasPrefix(base, ".") || IsSystemDir(base) {
		return Detection{}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		v.logger.Debug("Cannot read candidate directory", "path", path, "error", err)
		return Detection{}
	}
	if len(entries) == 0 {
		return Detection{}
	}

	// Tier 1: strong markers at the root.
	if det, ok := v.detectStrong(path, entries); ok {
		return det
	}

	// Tier 2: strong markers exactly one level down.
	if det, ok := v.detectNested(path, entries); ok {
		return det
	}

	// Tier 3: generic marker scoring.
	return v.detectGeneric(path, entries)
}

// detectStrong looks for ecosystem marker files at the directory root.
func (v *Validator) detectStrong(path string, entries []os.DirEntry) (Detection, bool) {
	names := make(map[string]bool, len(entries))
	hasCSProj := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		names[name] = true
		ext := strings.ToLower(filepath.Ext(name))
		if ext == ".csproj" || ext == ".sln" {
			hasCSProj = true
		}
	}

	for _, m := range strongMarkers {
		if !names[m.file] {
			continue
		}
		det := Detection{
			Valid:          true,
			Type:           m.typ,
			PackageManager: m.pm,
			Language:       m.language,
			Confidence:     m.confidence,
		}
		v.refineDetection(path, &det)
		return det, true
	}

	if hasCSProj {
		det := Detection{
			Valid:          true,
			Type:           TypeCSharp,
			PackageManager: "nuget",
			Language:       "C#",
			Confidence:     0.9,
		}
		return det, true
	}

	return Detection{}, false
}

// detectNested looks for strong markers one level below the root, as found
// in monorepo or wrapper layouts.
func (v *Validator) detectNested(path string, entries []os.DirEntry) (Detection, bool) {
	for _, e := range entries {
		if !e.IsDir() || IsSystemDir(e.Name()) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		childEntries, err := os.ReadDir(filepath.Join(path, e.Name()))
		if err != nil {
			continue
		}
		childDet, ok := v.detectStrong(filepath.Join(path, e.Name()), childEntries)
		if !ok {
			continue
		}
		childDet.Confidence = nestedConfidence
		return childDet, true
	}
	return Detection{}, false
}

// detectGeneric scores conventional project structure markers. The score
// is the sum of the marker weights, capped at genericCap; directories
// reaching acceptThreshold qualify. A README together with at least two
// code files also qualifies on its own.
func (v *Validator) detectGeneric(path string, entries []os.DirEntry) Detection {
	var score float64
	var hasReadme, hasCode bool
	codeFiles := 0

	for _, e := range entries {
		name := e.Name()
		lower := strings.ToLower(name)

		if e.IsDir() {
			switch {
			case name == ".git":
				score += weightGitDir
			case sourceDirs[lower]:
				// Counted once below.
			case lower == "docs" || lower == "doc":
				score += weightDocsDir
			case lower == "test" || lower == "tests" || lower == "__tests__" || lower == "spec":
				score += weightTestDir
			}
			continue
		}

		if readmeNames[lower] {
			hasReadme = true
		}
		if buildConfigNames[lower] {
			score += weightBuildConfig
		}
		if isCodeExt(strings.ToLower(filepath.Ext(name))) {
			codeFiles++
		}
	}

	if hasReadme {
		score += weightReadme
	}
	if hasSourceDir(entries) {
		score += weightSourceDir
	}
	if codeFiles >= 2 {
		score += weightCodeFiles
		hasCode = true
	}

	if score > genericCap {
		score = genericCap
	}

	// A README plus real code is a project even when the structural
	// markers alone fall short.
	if score < acceptThreshold && hasReadme && hasCode {
		score = acceptThreshold
	}

	if score < acceptThreshold {
		return Detection{Confidence: score}
	}

	det := Detection{
		Valid:      true,
		Type:       TypeGeneric,
		Confidence: score,
	}
	v.refineDetection(path, &det)
	return det
}

// hasSourceDir reports whether any conventional source subdirectory exists.
func hasSourceDir(entries []os.DirEntry) bool {
	for _, e := range entries {
		if e.IsDir() && sourceDirs[strings.ToLower(e.Name())] {
			return true
		}
	}
	return false
}

// refineDetection fills in framework and language details that need a
// deeper look than the marker files alone.
func (v *Validator) refineDetection(path string, det *Detection) {
	switch det.Type {
	case TypeNode:
		det.Framework = detectNodeFramework(path)
		det.PackageManager = detectNodePackageManager(path)
		if hasTypeScript(path) {
			det.Language = "TypeScript"
		}
	case TypePython:
		det.Framework = detectPythonFramework(path)
	}
}
