package analyzer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "fenced json block",
			content: "Here is the analysis:\n```json\n{\"summary\": \"x\"}\n```\nDone.",
			want:    `{"summary": "x"}`,
		},
		{
			name:    "fenced block without language tag",
			content: "```\n{\"a\": 1}\n```",
			want:    `{"a": 1}`,
		},
		{
			name:    "bare object",
			content: `The result is {"a": 1} as requested.`,
			want:    `{"a": 1}`,
		},
		{
			name:    "trailing commas stripped",
			content: `{"list": [1, 2,], "b": 3,}`,
			want:    `{"list": [1, 2], "b": 3}`,
		},
		{
			name:    "no object present",
			content: "I could not analyze this project.",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.content))
		})
	}
}

func TestExtractJSONStripsComments(t *testing.T) {
	content := `{
  "summary": "demo", // the project summary
  "url": "http://example.com/path",
  "score": 10
}`
	got := ExtractJSON(content)
	require.NotEmpty(t, got)
	assert.True(t, json.Valid([]byte(got)), "cleaned output must be valid JSON: %s", got)

	var parsed struct {
		Summary string `json:"summary"`
		URL     string `json:"url"`
		Score   int    `json:"score"`
	}
	require.NoError(t, json.Unmarshal([]byte(got), &parsed))
	assert.Equal(t, "demo", parsed.Summary)
	// The // inside the string value must survive comment stripping.
	assert.Equal(t, "http://example.com/path", parsed.URL)
	assert.Equal(t, 10, parsed.Score)
}

func TestStripLineComment(t *testing.T) {
	assert.Equal(t, `"a": 1,`, stripLineComment(`"a": 1, // note`))
	assert.Equal(t, `"u": "http://x"`, stripLineComment(`"u": "http://x"`))
	assert.Equal(t, `plain line`, stripLineComment(`plain line`))
}
