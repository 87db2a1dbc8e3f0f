package analyzer

import "encoding/json"

// Complexity buckets.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// Maturity buckets.
const (
	MaturityPOC        = "poc"
	MaturityPrototype  = "prototype"
	MaturityBeta       = "beta"
	MaturityProduction = "production"
)

// TechStack groups detected technologies by category.
type TechStack struct {
	Languages      []string `json:"languages"`
	Frameworks     []string `json:"frameworks"`
	Databases      []string `json:"databases"`
	Tools          []string `json:"tools"`
	Infrastructure []string `json:"infrastructure"`
}

// Recommendation is a single actionable suggestion from the analyzer.
type Recommendation struct {
	Kind        string `json:"kind"`     // feature, refactor, tooling, security, docs
	Priority    string `json:"priority"` // low, medium, high
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ValueEstimate is the analyzer's judgement of project value.
type ValueEstimate struct {
	Score      int    `json:"score"`
	Rationale  string `json:"rationale,omitempty"`
	Confidence string `json:"confidence"` // low, medium, high
}

// Result is the structured outcome of one analysis call.
type Result struct {
	Summary         string           `json:"summary"`
	TechStack       TechStack        `json:"techStack"`
	Complexity      string           `json:"complexity"`
	Recommendations []Recommendation `json:"recommendations"`
	CompletionScore int              `json:"completionScore"`
	MaturityLevel   string           `json:"maturityLevel"`
	ProductionGaps  []string         `json:"productionGaps"`
	EstimatedValue  ValueEstimate    `json:"estimatedValue"`
	Model           string           `json:"model"`
	TokensUsed      int              `json:"tokensUsed"`
}

// ParseResult extracts and decodes a Result from raw model output.
// Missing fields take documented defaults. When no JSON object can be
// recovered at all, a fallback result flagging the project for manual
// review is returned; parse failure is never an error.
func ParseResult(content, model string, tokensUsed int) *Result {
	raw := ExtractJSON(content)
	if raw == "" {
		return fallbackResult(content, model, tokensUsed)
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fallbackResult(content, model, tokensUsed)
	}

	applyDefaults(&result)
	result.Model = model
	result.TokensUsed = tokensUsed
	return &result
}

// applyDefaults fills documented defaults for absent fields.
func applyDefaults(r *Result) {
	if r.Complexity == "" {
		r.Complexity = ComplexityModerate
	}
	if r.MaturityLevel == "" {
		r.MaturityLevel = MaturityPOC
	}
	if r.CompletionScore < 0 {
		r.CompletionScore = 0
	}
	if r.CompletionScore > 100 {
		r.CompletionScore = 100
	}
	if r.Recommendations == nil {
		r.Recommendations = []Recommendation{}
	}
	if r.ProductionGaps == nil {
		r.ProductionGaps = []string{}
	}
	if r.EstimatedValue.Confidence == "" {
		r.EstimatedValue.Confidence = "low"
	}
}

// fallbackResult stands in when the model produced unparseable content.
func fallbackResult(content, model string, tokensUsed int) *Result {
	summary := content
	if len(summary) > 500 {
		summary = summary[:500] + "..."
	}

	return &Result{
		Summary:    summary,
		Complexity: ComplexityModerate,
		Recommendations: []Recommendation{{
			Kind:        "tooling",
			Priority:    "high",
			Title:       "Manual review required",
			Description: "The analyzer response could not be parsed as structured output.",
		}},
		CompletionScore: 0,
		MaturityLevel:   MaturityPOC,
		ProductionGaps:  []string{},
		EstimatedValue:  ValueEstimate{Confidence: "low"},
		Model:           model,
		TokensUsed:      tokensUsed,
	}
}
