// Package main implements a mock analyzer endpoint for integration
// testing. It serves both the OpenAI-compatible /v1/chat/completions
// route and the Anthropic /v1/messages route from JSON fixture files,
// so the full pipeline can run fast, deterministic, and offline.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are JSON analysis results named by model (e.g.
// "claude-sonnet-4-20250514.json"). Numbered files (model.1.json,
// model.2.json) are served in order per model, with the base file as a
// repeating fallback. With no fixture directory, every model gets a
// built-in canned analysis result.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultFixture is the canned analysis served when no fixture matches.
const defaultFixture = `{
  "summary": "A small demo project used to exercise the analysis pipeline.",
  "techStack": {"languages": ["TypeScript"], "frameworks": ["React"], "databases": [], "tools": ["npm"], "infrastructure": []},
  "complexity": "simple",
  "recommendations": [{"kind": "tooling", "priority": "medium", "title": "Add CI", "description": "No continuous integration configuration was found."}],
  "completionScore": 40,
  "maturityLevel": "prototype",
  "productionGaps": ["No tests", "No deployment configuration"],
  "estimatedValue": {"score": 30, "rationale": "Demo-scale project.", "confidence": "medium"}
}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// anthropicRequest is the subset of the Messages API the mock needs.
type anthropicRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	System   json.RawMessage `json:"system,omitempty"`
}

// capturedRequest records one incoming call for test assertions.
type capturedRequest struct {
	Model     string        `json:"model"`
	Route     string        `json:"route"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string
	calls    atomic.Int64

	mu       sync.Mutex
	perModel map[string]int
	captured map[string][]capturedRequest
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures: fixtures,
		perModel: make(map[string]int),
		captured: make(map[string][]capturedRequest),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	fixtures := map[string][]string{}
	if *fixtureDir != "" {
		loaded, err := loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
		}
		fixtures = loaded
		log.Printf("Loaded %d model(s) from %s", len(fixtures), *fixtureDir)
		for model, seq := range fixtures {
			log.Printf("  model: %s (%d fixture(s))", model, len(seq))
		}
	} else {
		log.Printf("No fixture directory; serving the built-in canned analysis")
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/messages", s.handleAnthropicMessages)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock analyzer listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// resolve picks the fixture for a model call and records the capture.
func (s *server) resolve(model, route string, messages []chatMessage) string {
	callNum := s.calls.Add(1)

	s.mu.Lock()
	index := s.perModel[model]
	s.perModel[model] = index + 1
	s.captured[model] = append(s.captured[model], capturedRequest{
		Model:     model,
		Route:     route,
		Messages:  messages,
		CallIndex: index + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	seq, ok := s.fixtures[model]
	if !ok {
		log.Printf("[call %d] model=%s route=%s: built-in fixture", callNum, model, route)
		return defaultFixture
	}
	if index >= len(seq) {
		index = len(seq) - 1
	}
	log.Printf("[call %d] model=%s route=%s fixture=%d/%d", callNum, model, route, index+1, len(seq))
	return seq[index]
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content := s.resolve(req.Model, "openai", req.Messages)
	tokens := len(content) / 4

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       chatMessage{Role: "assistant", Content: content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     tokens,
			"completion_tokens": tokens,
			"total_tokens":      tokens * 2,
		},
	})
}

func (s *server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req anthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content := s.resolve(req.Model, "anthropic", req.Messages)
	tokens := len(content) / 4

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":          fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		"type":        "message",
		"role":        "assistant",
		"model":       req.Model,
		"stop_reason": "end_turn",
		"content": []map[string]string{{
			"type": "text",
			"text": content,
		}},
		"usage": map[string]int{
			"input_tokens":  tokens,
			"output_tokens": tokens,
		},
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.perModel))
	for model, n := range s.perModel {
		byModel[model] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": byModel,
	})
}

// handleRequests returns captured request bodies, optionally filtered by
// ?model= and ?call= (1-indexed).
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter := r.URL.Query().Get("call")

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.captured {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		if callFilter != "" {
			if callIdx, err := strconv.Atoi(callFilter); err == nil {
				for _, req := range reqs {
					if req.CallIndex == callIdx {
						result[model] = append(result[model], req)
					}
				}
				continue
			}
		}
		result[model] = reqs
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_model": result,
	})
}

// numberedFileRe matches files like "claude-sonnet.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir into model → ordered sequence.
// Numbered files come first in numeric order; the base file is the
// repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			model := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[model] == nil {
				numberedFiles[model] = make(map[int]string)
			}
			numberedFiles[model][index] = string(data)
			return nil
		}

		baseFiles[strings.TrimSuffix(info.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	allModels := make(map[string]bool)
	for m := range baseFiles {
		allModels[m] = true
	}
	for m := range numberedFiles {
		allModels[m] = true
	}

	for model := range allModels {
		var seq []string
		if numbered, ok := numberedFiles[model]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}
		if base, ok := baseFiles[model]; ok {
			seq = append(seq, base)
		}
		if len(seq) > 0 {
			fixtures[model] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
