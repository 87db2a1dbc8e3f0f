package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFile creates a file with parents.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestValidateStrongMarkers(t *testing.T) {
	tests := []struct {
		name       string
		marker     string
		content    string
		wantType   Type
		wantPM     string
		wantLang   string
		confidence float64
	}{
		{
			name:       "go module",
			marker:     "go.mod",
			content:    "module example.com/demo\n\ngo 1.22\n",
			wantType:   TypeGo,
			wantPM:     "go modules",
			wantLang:   "Go",
			confidence: 0.95,
		},
		{
			name:       "rust crate",
			marker:     "Cargo.toml",
			content:    "[package]\nname = \"demo\"\n",
			wantType:   TypeRust,
			wantPM:     "cargo",
			wantLang:   "Rust",
			confidence: 0.95,
		},
		{
			name:       "python requirements",
			marker:     "requirements.txt",
			content:    "flask==3.0\n",
			wantType:   TypePython,
			wantPM:     "pip",
			wantLang:   "Python",
			confidence: 0.9,
		},
		{
			name:       "ruby gemfile",
			marker:     "Gemfile",
			content:    "source 'https://rubygems.org'\n",
			wantType:   TypeRuby,
			wantPM:     "bundler",
			wantLang:   "Ruby",
			confidence: 0.9,
		},
	}

	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "demo")
			writeFile(t, filepath.Join(dir, tt.marker), tt.content)

			det := v.Validate(dir)
			require.True(t, det.Valid)
			assert.Equal(t, tt.wantType, det.Type)
			assert.Equal(t, tt.wantPM, det.PackageManager)
			assert.Equal(t, tt.wantLang, det.Language)
			assert.InDelta(t, tt.confidence, det.Confidence, 0.001)
		})
	}
}

func TestValidateNodeWithFramework(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "webapp")
	writeFile(t, filepath.Join(dir, "package.json"),
		`{"dependencies": {"react": "^18.0.0"}}`)
	writeFile(t, filepath.Join(dir, "src", "index.tsx"), "export {}\n")
	writeFile(t, filepath.Join(dir, "tsconfig.json"), "{}")

	det := NewValidator(nil).Validate(dir)
	require.True(t, det.Valid)
	assert.Equal(t, TypeNode, det.Type)
	assert.Equal(t, "React", det.Framework)
	assert.Equal(t, "TypeScript", det.Language)
}

func TestValidateNestedMarker(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wrapper")
	writeFile(t, filepath.Join(root, "service", "go.mod"), "module example.com/svc\n")

	det := NewValidator(nil).Validate(root)
	require.True(t, det.Valid)
	assert.Equal(t, TypeGo, det.Type)
	assert.InDelta(t, 0.85, det.Confidence, 0.001)
}

func TestValidateGenericScoring(t *testing.T) {
	t.Run("git dir alone is rejected", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "bare")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))

		det := NewValidator(nil).Validate(dir)
		assert.False(t, det.Valid)
		assert.InDelta(t, 0.25, det.Confidence, 0.001)
	})

	t.Run("readme plus two code files is accepted", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "scripts")
		writeFile(t, filepath.Join(dir, "README.md"), "# scripts\n")
		writeFile(t, filepath.Join(dir, "one.sh"), "echo hi\n")
		writeFile(t, filepath.Join(dir, "two.sh"), "echo bye\n")

		det := NewValidator(nil).Validate(dir)
		require.True(t, det.Valid)
		assert.Equal(t, TypeGeneric, det.Type)
		assert.GreaterOrEqual(t, det.Confidence, 0.5)
	})

	t.Run("full structure scores high", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "classic")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests"), 0o755))
		writeFile(t, filepath.Join(dir, "README.md"), "# classic\n")
		writeFile(t, filepath.Join(dir, "Makefile"), "all:\n")
		writeFile(t, filepath.Join(dir, "a.c"), "int main(){}\n")
		writeFile(t, filepath.Join(dir, "b.c"), "void f(){}\n")

		det := NewValidator(nil).Validate(dir)
		require.True(t, det.Valid)
		// .25 + .15 + .20 + .15 + .10 + .05 + .05 = 0.95 cap
		assert.InDelta(t, 0.95, det.Confidence, 0.001)
	})
}

func TestValidateRejections(t *testing.T) {
	v := NewValidator(nil)

	t.Run("missing path", func(t *testing.T) {
		det := v.Validate(filepath.Join(t.TempDir(), "nope"))
		assert.False(t, det.Valid)
		assert.Zero(t, det.Confidence)
	})

	t.Run("empty directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "empty")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		assert.False(t, v.Validate(dir).Valid)
	})

	t.Run("system directory name", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "node_modules")
		writeFile(t, filepath.Join(dir, "package.json"), "{}")
		assert.False(t, v.Validate(dir).Valid)
	})

	t.Run("hidden directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), ".config")
		writeFile(t, filepath.Join(dir, "go.mod"), "module x\n")
		assert.False(t, v.Validate(dir).Valid)
	})
}

func TestIsSystemDir(t *testing.T) {
	assert.True(t, IsSystemDir("node_modules"))
	assert.True(t, IsSystemDir("__pycache__"))
	assert.False(t, IsSystemDir("src"))
}
