// Package extract assembles the project context sent to the analyzer:
// README first, then the package manifest, then source files admitted in
// priority order under a token budget.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scanworks/prospector/project"
)

// readmeTokenCap bounds the README contribution regardless of budget.
const readmeTokenCap = 2000

// maxFileSize is the per-file admission cut. Exactly this size is
// admitted; one byte more is skipped.
const maxFileSize = 100 * 1024

// admissionRatio stops admitting new files once this share of the budget
// is consumed; the file in progress is truncated instead of dropped.
const admissionRatio = 0.9

// truncationSentinel marks content cut to fit the budget.
const truncationSentinel = "\n[... truncated ...]"

// DefaultMaxTokens is the shipped context budget.
const DefaultMaxTokens = 10000

// maxWalkDepth bounds candidate traversal.
const maxWalkDepth = 8

// manifestNames lists recognized package manifests in probe order.
var manifestNames = []string{
	"package.json",
	"Cargo.toml",
	"go.mod",
	"pom.xml",
	"composer.json",
	"Gemfile",
	"pyproject.toml",
}

// priorityNames admit ahead of ordinary source regardless of depth or
// size. READMEs are handled separately and excluded here.
var priorityNames = map[string]bool{
	"CLAUDE.md":          true,
	"PRD.md":             true,
	"ARCHITECTURE.md":    true,
	"Makefile":           true,
	"Dockerfile":         true,
	"docker-compose.yml": true,
	"tsconfig.json":      true,
	"webpack.config.js":  true,
	"vite.config.ts":     true,
	"vite.config.js":     true,
	".eslintrc.json":     true,
}

// File is one admitted source file.
type File struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Tokens    int    `json:"tokens"`
	Truncated bool   `json:"truncated"`
}

// Manifest is the project's package manifest. Parsed is non-nil only for
// JSON manifests that decode cleanly; Raw is always set.
type Manifest struct {
	Name   string         `json:"name"`
	Raw    string         `json:"raw"`
	Parsed map[string]any `json:"parsed,omitempty"`
}

// Summary describes the extraction for observability and project stats.
type Summary struct {
	FileCount       int   `json:"fileCount"`
	LinesOfCode     int   `json:"linesOfCode"`
	TotalSize       int64 `json:"totalSize"`
	EstimatedTokens int   `json:"estimatedTokens"`
}

// ProjectContext is the assembled analyzer input.
type ProjectContext struct {
	ProjectPath string    `json:"projectPath"`
	README      string    `json:"readme,omitempty"`
	Manifest    *Manifest `json:"manifest,omitempty"`
	Files       []File    `json:"files"`
	Summary     Summary   `json:"summary"`
}

// Extractor builds ProjectContexts under a token budget.
type Extractor struct {
	maxTokens int
	logger    *slog.Logger
}

// NewExtractor creates an Extractor. maxTokens <= 0 uses the default.
func NewExtractor(maxTokens int, logger *slog.Logger) *Extractor {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{maxTokens: maxTokens, logger: logger}
}

// estimateTokens approximates the model tokenizer at four characters per
// token, matching the analyzer's budget accounting.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// truncateToTokens cuts s to roughly the given token count and appends
// the sentinel.
func truncateToTokens(s string, tokens int) string {
	limit := tokens * 4
	if limit >= len(s) {
		return s
	}
	if limit < 0 {
		limit = 0
	}
	return s[:limit] + truncationSentinel
}

// Extract assembles the context for a project directory. Unreadable files
// are skipped; only a missing or non-directory root is an error. ctx is
// checked between files so the worker's hard timeout interrupts long
// walks.
func (e *Extractor) Extract(ctx context.Context, path string) (*ProjectContext, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat project path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path %s is not a directory", path)
	}

	pc := &ProjectContext{ProjectPath: path}
	budget := e.maxTokens
	used := 0

	// README first, capped independently of the budget.
	if readme := readReadme(path); readme != "" {
		limit := readmeTokenCap
		if budget < limit {
			limit = budget
		}
		pc.README = truncateToTokens(readme, limit)
		used += estimateTokens(pc.README)
	}

	// Manifest verbatim, structured when it parses as JSON.
	if m := readManifest(path); m != nil && used < budget {
		remaining := budget - used
		if estimateTokens(m.Raw) > remaining {
			m.Raw = truncateToTokens(m.Raw, remaining)
			m.Parsed = nil
		}
		pc.Manifest = m
		used += estimateTokens(m.Raw)
	}

	candidates, walkSummary := collectCandidates(path)
	sortCandidates(candidates)

	stopAt := int(float64(budget) * admissionRatio)
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if used >= stopAt || used >= budget {
			break
		}

		content, err := os.ReadFile(cand.fullPath)
		if err != nil {
			continue
		}

		text := string(content)
		tokens := estimateTokens(text)
		remaining := budget - used
		truncated := false
		if tokens > remaining {
			text = truncateToTokens(text, remaining)
			tokens = estimateTokens(text)
			truncated = true
		}

		pc.Files = append(pc.Files, File{
			Path:      cand.relPath,
			Content:   text,
			Tokens:    tokens,
			Truncated: truncated,
		})
		used += tokens

		if truncated {
			break
		}
	}

	pc.Summary = walkSummary
	pc.Summary.EstimatedTokens = used
	return pc, nil
}

// Render flattens the context into the single user-message blob the
// analyzer client sends.
func (pc *ProjectContext) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Project: %s\n", filepath.Base(pc.ProjectPath))
	fmt.Fprintf(&b, "Files: %d, Lines of code: %d, Size: %d bytes\n\n",
		pc.Summary.FileCount, pc.Summary.LinesOfCode, pc.Summary.TotalSize)

	if pc.README != "" {
		b.WriteString("## README\n\n")
		b.WriteString(pc.README)
		b.WriteString("\n\n")
	}

	if pc.Manifest != nil {
		fmt.Fprintf(&b, "## Manifest (%s)\n\n", pc.Manifest.Name)
		b.WriteString(pc.Manifest.Raw)
		b.WriteString("\n\n")
	}

	for _, f := range pc.Files {
		fmt.Fprintf(&b, "## File: %s\n\n", f.Path)
		b.WriteString(f.Content)
		b.WriteString("\n\n")
	}

	return b.String()
}

// readReadme returns the first readable README variant's content.
func readReadme(root string) string {
	for _, name := range []string{"README.md", "README.txt", "README", "readme.md"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err == nil {
			return string(data)
		}
	}
	return ""
}

// readManifest returns the first recognized manifest. JSON manifests are
// decoded for structured inclusion; decode failures fall back to raw.
func readManifest(root string) *Manifest {
	for _, name := range manifestNames {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}

		m := &Manifest{Name: name, Raw: string(data)}
		if strings.HasSuffix(name, ".json") {
			var parsed map[string]any
			if err := json.Unmarshal(data, &parsed); err == nil {
				m.Parsed = parsed
			}
		}
		return m
	}
	return nil
}

// candidate is a file considered for admission.
type candidate struct {
	fullPath string
	relPath  string
	depth    int
	size     int64
	priority bool
}

// collectCandidates walks the tree gathering admissible files and the
// traversal summary. System and hidden directories, symlinks, READMEs,
// manifests, and files over the size cut are excluded from candidates
// but files still count toward the summary.
func collectCandidates(root string) ([]candidate, Summary) {
	var cands []candidate
	var summary Summary

	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))

		if d.IsDir() {
			if p == root {
				return nil
			}
			name := d.Name()
			if project.IsSystemDir(name) || strings.HasPrefix(name, ".") || depth >= maxWalkDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		summary.FileCount++
		summary.TotalSize += info.Size()
		if lines, ok := countFileLines(p, info.Size()); ok {
			summary.LinesOfCode += lines
		}

		name := d.Name()
		if isReadme(name) || isManifest(name) {
			return nil
		}
		if info.Size() > maxFileSize {
			return nil
		}
		if !priorityNames[name] && !isSourceFile(name) {
			return nil
		}

		cands = append(cands, candidate{
			fullPath: p,
			relPath:  rel,
			depth:    depth,
			size:     info.Size(),
			priority: priorityNames[name],
		})
		return nil
	})

	return cands, summary
}

// sortCandidates orders admission: priority names, then shallower paths,
// then smaller files.
func sortCandidates(cands []candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority
		}
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.size < b.size
	})
}

func isReadme(name string) bool {
	upper := strings.ToUpper(name)
	return upper == "README" || strings.HasPrefix(upper, "README.")
}

func isManifest(name string) bool {
	for _, m := range manifestNames {
		if name == m {
			return true
		}
	}
	return false
}

// isSourceFile admits files whose extension the validator treats as code,
// plus common config formats.
func isSourceFile(name string) bool {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".js", ".jsx", ".ts", ".tsx", ".go", ".rs", ".py", ".rb", ".java",
		".php", ".cs", ".dart", ".c", ".cc", ".cpp", ".h", ".hpp", ".swift",
		".kt", ".scala", ".sh", ".sql", ".yaml", ".yml", ".toml", ".json", ".md":
		return true
	default:
		return false
	}
}

// countFileLines counts newlines in small text-like files for the LOC
// summary. Large files are estimated from size to keep extraction cheap.
func countFileLines(path string, size int64) (int, bool) {
	if size == 0 {
		return 0, true
	}
	if size > maxFileSize {
		// Rough estimate at 40 bytes per line.
		return int(size / 40), true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	lines := strings.Count(string(data), "\n")
	if len(data) > 0 && data[len(data)-1] != '\n' {
		lines++
	}
	return lines, true
}
