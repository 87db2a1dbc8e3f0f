package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// nodeFramework maps a dependency name to a framework label. Order matters:
// meta-frameworks shadow the view libraries they are built on, so Next.js
// must win over React, SvelteKit over Svelte, and so on.
type nodeFramework struct {
	dependency string
	name       string
}

var nodeFrameworks = []nodeFramework{
	{"next", "Next.js"},
	{"nuxt", "Nuxt"},
	{"@remix-run/react", "Remix"},
	{"gatsby", "Gatsby"},
	{"astro", "Astro"},
	{"@sveltejs/kit", "SvelteKit"},
	{"@builder.io/qwik-city", "Qwik City"},
	{"@angular/core", "Angular"},
	{"react", "React"},
	{"vue", "Vue"},
	{"svelte", "Svelte"},
	{"solid-js", "Solid"},
	{"preact", "Preact"},
	{"express", "Express"},
	{"fastify", "Fastify"},
	{"@nestjs/core", "NestJS"},
	{"koa", "Koa"},
	{"hono", "Hono"},
	{"@hapi/hapi", "Hapi"},
}

// packageManifest is the subset of package.json the detector needs.
type packageManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// detectNodeFramework inspects package.json dependency maps. Returns ""
// when no known framework is present or the manifest is unreadable.
func detectNodeFramework(path string) string {
	data, err := os.ReadFile(filepath.Join(path, "package.json"))
	if err != nil {
		return ""
	}

	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ""
	}

	has := func(dep string) bool {
		if _, ok := manifest.Dependencies[dep]; ok {
			return true
		}
		_, ok := manifest.DevDependencies[dep]
		return ok
	}

	for _, fw := range nodeFrameworks {
		if has(fw.dependency) {
			return fw.name
		}
	}
	return ""
}

// detectNodePackageManager distinguishes npm/yarn/pnpm/bun by lockfile.
func detectNodePackageManager(path string) string {
	for lock, pm := range map[string]string{
		"pnpm-lock.yaml":    "pnpm",
		"yarn.lock":         "yarn",
		"bun.lockb":         "bun",
		"package-lock.json": "npm",
	} {
		if _, err := os.Stat(filepath.Join(path, lock)); err == nil {
			return pm
		}
	}
	return "npm"
}

// hasTypeScript reports whether the project uses TypeScript, judged by a
// tsconfig at the root or .ts/.tsx sources in the top two levels.
func hasTypeScript(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "tsconfig.json")); err == nil {
		return true
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			if ext := strings.ToLower(filepath.Ext(e.Name())); ext == ".ts" || ext == ".tsx" {
				return true
			}
			continue
		}
		if IsSystemDir(e.Name()) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		children, err := os.ReadDir(filepath.Join(path, e.Name()))
		if err != nil {
			continue
		}
		for _, child := range children {
			if child.IsDir() {
				continue
			}
			if ext := strings.ToLower(filepath.Ext(child.Name())); ext == ".ts" || ext == ".tsx" {
				return true
			}
		}
	}
	return false
}

// detectPythonFramework looks for well-known framework names in
// requirements.txt.
func detectPythonFramework(path string) string {
	data, err := os.ReadFile(filepath.Join(path, "requirements.txt"))
	if err != nil {
		return ""
	}
	reqs := strings.ToLower(string(data))

	switch {
	case strings.Contains(reqs, "django"):
		return "Django"
	case strings.Contains(reqs, "flask"):
		return "Flask"
	case strings.Contains(reqs, "fastapi"):
		return "FastAPI"
	}
	return ""
}
