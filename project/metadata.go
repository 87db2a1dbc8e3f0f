package project

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// maxTraversalDepth bounds the stats walk below the project root.
	maxTraversalDepth = 8

	// maxTraversalFiles aborts runaway scans of pathological trees.
	maxTraversalFiles = 50000

	// maxLOCFileSize skips line counting for files above this size.
	maxLOCFileSize = 1 * 1024 * 1024
)

// codeExtensions are counted for the "code files" generic marker and for
// lines-of-code scanning.
var codeExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".go": true, ".rs": true, ".java": true,
	".rb": true, ".php": true, ".c": true, ".cpp": true,
	".h": true, ".hpp": true, ".cs": true, ".swift": true,
	".kt": true, ".scala": true, ".dart": true, ".vue": true,
	".svelte": true,
}

func isCodeExt(ext string) bool {
	return codeExtensions[ext]
}

// extensionLanguages maps extensions to display languages. Extensions not
// present here still count toward file totals but not language ranking.
var extensionLanguages = map[string]string{
	".js": "JavaScript", ".jsx": "JavaScript",
	".ts": "TypeScript", ".tsx": "TypeScript",
	".py": "Python", ".go": "Go", ".rs": "Rust",
	".java": "Java", ".rb": "Ruby", ".php": "PHP",
	".c": "C", ".h": "C",
	".cpp": "C++", ".hpp": "C++",
	".cs": "C#", ".swift": "Swift", ".kt": "Kotlin",
	".scala": "Scala", ".dart": "Dart",
	".vue": "Vue", ".svelte": "Svelte",
	".html": "HTML", ".css": "CSS", ".scss": "SCSS",
	".md": "Markdown", ".json": "JSON", ".yaml": "YAML", ".yml": "YAML",
	".toml": "TOML", ".xml": "XML", ".sh": "Shell",
}

// markupLanguages are excluded when ranking the primary language.
var markupLanguages = map[string]bool{
	"HTML": true, "CSS": true, "SCSS": true, "Markdown": true,
	"JSON": true, "YAML": true, "TOML": true, "XML": true,
}

// commentStyle describes how comments look for an extension family.
type commentStyle struct {
	line       string
	blockOpen  string
	blockClose string
}

// commentStyles keys by extension. Families share values: the C-like
// family uses // with /* */, scripting languages use #.
var commentStyles = map[string]commentStyle{
	".js": {"//", "/*", "*/"}, ".jsx": {"//", "/*", "*/"},
	".ts": {"//", "/*", "*/"}, ".tsx": {"//", "/*", "*/"},
	".go": {"//", "/*", "*/"}, ".java": {"//", "/*", "*/"},
	".c": {"//", "/*", "*/"}, ".h": {"//", "/*", "*/"},
	".cpp": {"//", "/*", "*/"}, ".hpp": {"//", "/*", "*/"},
	".cs": {"//", "/*", "*/"}, ".rs": {"//", "/*", "*/"},
	".swift": {"//", "/*", "*/"}, ".kt": {"//", "/*", "*/"},
	".scala": {"//", "/*", "*/"}, ".dart": {"//", "/*", "*/"},
	".php": {"//", "/*", "*/"},
	".py":  {"#", `"""`, `"""`},
	".rb":  {"#", "=begin", "=end"},
	".sh":  {"#", "", ""},
}

// Extractor produces full project metadata.
type Extractor struct {
	validator *Validator
	logger    *slog.Logger
}

// NewExtractor creates an Extractor sharing the given validator.
func NewExtractor(validator *Validator, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = NewValidator(logger)
	}
	return &Extractor{validator: validator, logger: logger}
}

// Extract validates path and, when it qualifies, gathers file statistics.
// Filesystem errors inside the tree degrade individual fields; only a
// completely unreadable root yields a zero-value Metadata with Valid
// detection false reflected as Confidence 0.
func (e *Extractor) Extract(path string) (Metadata, Detection) {
	det := e.validator.Validate(path)
	if !det.Valid {
		return Metadata{}, det
	}

	meta := Metadata{
		Name:           filepath.Base(path),
		Type:           det.Type,
		Framework:      det.Framework,
		Language:       det.Language,
		PackageManager: det.PackageManager,
		Confidence:     det.Confidence,
	}

	if info, err := os.Stat(path); err == nil {
		meta.LastModified = info.ModTime()
	}

	stats := e.walkStats(path)
	meta.FileCount = stats.files
	meta.SizeBytes = stats.bytes
	meta.LinesOfCode = stats.loc
	meta.Languages = stats.rankedLanguages()

	// Generic projects take their language from the file census; typed
	// projects keep the marker-derived language.
	if meta.Language == "" && len(meta.Languages) > 0 {
		meta.Language = meta.Languages[0].Language
	}

	return meta, det
}

// treeStats accumulates totals during the bounded traversal.
type treeStats struct {
	files     int
	bytes     int64
	loc       int
	languages map[string]int
}

// rankedLanguages orders languages by file count, markup and config
// formats excluded from the ranking.
func (s *treeStats) rankedLanguages() []LanguageStat {
	ranked := make([]LanguageStat, 0, len(s.languages))
	for lang, count := range s.languages {
		if markupLanguages[lang] {
			continue
		}
		ranked = append(ranked, LanguageStat{Language: lang, Files: count})
	}
	// Insertion sort keeps ties stable by language name.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0; j-- {
			a, b := ranked[j-1], ranked[j]
			if b.Files > a.Files || (b.Files == a.Files && b.Language < a.Language) {
				ranked[j-1], ranked[j] = b, a
			} else {
				break
			}
		}
	}
	return ranked
}

// walkStats traverses the project tree to the bounded depth, skipping
// system directories and symlinks, absorbing every error it meets.
func (e *Extractor) walkStats(root string) treeStats {
	stats := treeStats{languages: make(map[string]int)}
	e.walkDir(root, 0, &stats)
	return stats
}

func (e *Extractor) walkDir(dir string, depth int, stats *treeStats) {
	if depth > maxTraversalDepth || stats.files >= maxTraversalFiles {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		e.logger.Debug("Skipping unreadable directory", "path", dir, "error", err)
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)

		if entry.IsDir() {
			if IsSystemDir(name) || strings.HasPrefix(name, ".") {
				continue
			}
			e.walkDir(full, depth+1, stats)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		stats.files++
		stats.bytes += info.Size()

		ext := strings.ToLower(filepath.Ext(name))
		if lang, ok := extensionLanguages[ext]; ok {
			stats.languages[lang]++
		}
		if isCodeExt(ext) && info.Size() <= maxLOCFileSize {
			stats.loc += countLines(full, ext)
		}

		if stats.files >= maxTraversalFiles {
			return
		}
	}
}

// countLines counts non-blank, non-comment lines using a two-state machine
// (outside / inside a block comment). Unreadable files count as zero.
func countLines(path, ext string) int {
	style, hasStyle := commentStyles[ext]

	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var count int
	inBlock := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !hasStyle {
			count++
			continue
		}

		if inBlock {
			if style.blockClose != "" && strings.Contains(line, style.blockClose) {
				inBlock = false
			}
			continue
		}

		if style.line != "" && strings.HasPrefix(line, style.line) {
			continue
		}
		if style.blockOpen != "" && strings.HasPrefix(line, style.blockOpen) {
			// Single-line blocks like /* x */ don't enter the state.
			rest := line[len(style.blockOpen):]
			if style.blockClose == "" || !strings.Contains(rest, style.blockClose) {
				inBlock = true
			}
			continue
		}

		count++
	}

	return count
}
