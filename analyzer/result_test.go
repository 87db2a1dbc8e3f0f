package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResultComplete(t *testing.T) {
	content := "```json\n" + `{
  "summary": "A CLI for resizing images.",
  "techStack": {"languages": ["Go"], "frameworks": [], "databases": [], "tools": ["make"], "infrastructure": []},
  "complexity": "simple",
  "recommendations": [{"kind": "docs", "priority": "low", "title": "Add usage examples"}],
  "completionScore": 70,
  "maturityLevel": "beta",
  "productionGaps": ["No release pipeline"],
  "estimatedValue": {"score": 55, "rationale": "Useful utility.", "confidence": "high"}
}` + "\n```"

	r := ParseResult(content, "test-model", 1234)
	assert.Equal(t, "A CLI for resizing images.", r.Summary)
	assert.Equal(t, []string{"Go"}, r.TechStack.Languages)
	assert.Equal(t, ComplexitySimple, r.Complexity)
	require.Len(t, r.Recommendations, 1)
	assert.Equal(t, "docs", r.Recommendations[0].Kind)
	assert.Equal(t, 70, r.CompletionScore)
	assert.Equal(t, MaturityBeta, r.MaturityLevel)
	assert.Equal(t, "high", r.EstimatedValue.Confidence)
	assert.Equal(t, "test-model", r.Model)
	assert.Equal(t, 1234, r.TokensUsed)
}

func TestParseResultDefaults(t *testing.T) {
	r := ParseResult(`{"summary": "minimal"}`, "m", 0)

	assert.Equal(t, ComplexityModerate, r.Complexity)
	assert.Equal(t, MaturityPOC, r.MaturityLevel)
	assert.NotNil(t, r.Recommendations)
	assert.Empty(t, r.Recommendations)
	assert.NotNil(t, r.ProductionGaps)
	assert.Equal(t, "low", r.EstimatedValue.Confidence)
}

func TestParseResultClampsScore(t *testing.T) {
	r := ParseResult(`{"completionScore": 250}`, "m", 0)
	assert.Equal(t, 100, r.CompletionScore)

	r = ParseResult(`{"completionScore": -10}`, "m", 0)
	assert.Equal(t, 0, r.CompletionScore)
}

func TestParseResultFallback(t *testing.T) {
	content := "Sorry, I can only respond in prose today."
	r := ParseResult(content, "m", 42)

	assert.Equal(t, content, r.Summary)
	require.Len(t, r.Recommendations, 1)
	assert.Equal(t, "Manual review required", r.Recommendations[0].Title)
	assert.Equal(t, "high", r.Recommendations[0].Priority)
	assert.Equal(t, 42, r.TokensUsed)
}

func TestParseResultFallbackTruncatesSummary(t *testing.T) {
	content := strings.Repeat("x", 600)
	r := ParseResult(content, "m", 0)
	assert.Len(t, r.Summary, 503)
	assert.True(t, strings.HasSuffix(r.Summary, "..."))
}
