// Package effects turns competing effect-agent submissions into a single
// merged Remotion effects file: it validates the TypeScript each agent
// produced, scores it on complexity/creativity/performance heuristics,
// resolves the evaluation winner, and folds partial adoptions from the
// losing submissions into the winner's code.
package effects

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mvorchestra/engine/pkg/mverrors"
)

// Agents is the fixed roster of effect-agent tags competing in the
// effects phase.
var Agents = []string{"minimalist", "creative", "balanced"}

// Code is one agent's generated effects submission plus its heuristic
// scores.
type Code struct {
	AgentName        string   `json:"agent_name"`
	Source           string   `json:"code"`
	EffectsList      []string `json:"effects_list"`
	Reasoning        string   `json:"reasoning"`
	ComplexityScore  float64  `json:"complexity_score"`
	CreativityScore  float64  `json:"creativity_score"`
	PerformanceScore float64  `json:"performance_score"`
}

// Adoption names a feature to port from a non-winning submission.
type Adoption struct {
	From    string `json:"from"`
	Feature string `json:"feature"`
}

// Evaluation is the effects-phase verdict.
type Evaluation struct {
	Winner           string             `json:"winner"`
	WinnerCode       Code               `json:"winner_code"`
	Scores           map[string]float64 `json:"scores"`
	Reasoning        string             `json:"reasoning"`
	PartialAdoptions []Adoption         `json:"partial_adoptions,omitempty"`
}

var (
	componentPattern = regexp.MustCompile(`export\s+(?:const|function)\s+([A-Z][a-zA-Z0-9]+)`)
	importPattern    = regexp.MustCompile(`(?m)^import\s+.*?;$`)
)

// ValidateCode applies basic sanity checks: imports, an export, React
// usage, and balanced braces/parens.
func ValidateCode(code string) bool {
	for _, required := range []string{"import", "export", "React"} {
		if !strings.Contains(code, required) {
			return false
		}
	}
	if strings.Count(code, "{") != strings.Count(code, "}") {
		return false
	}
	if strings.Count(code, "(") != strings.Count(code, ")") {
		return false
	}
	return true
}

// ExtractEffectsList pulls exported component names out of the code.
func ExtractEffectsList(code string) []string {
	matches := componentPattern.FindAllStringSubmatch(code, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

func countAny(code string, keywords []string) int {
	total := 0
	for _, kw := range keywords {
		total += strings.Count(code, kw)
	}
	return total
}

// ComplexityScore estimates how elaborate the effects are: line count
// normalized to 200 lines, animation-primitive usage normalized to 10.
func ComplexityScore(code string) float64 {
	nonEmpty := 0
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) != "" {
			nonEmpty++
		}
	}
	lineScore := min(float64(nonEmpty)/200.0, 1.0)

	animationCount := countAny(code, []string{"useCurrentFrame", "interpolate", "spring", "animate"})
	animationScore := min(float64(animationCount)/10.0, 1.0)

	return (lineScore + animationScore) / 2.0
}

// CreativityScore estimates variety and visual-technique usage.
func CreativityScore(code string, effectsList []string) float64 {
	varietyScore := min(float64(len(effectsList))/10.0, 1.0)

	creativeCount := countAny(code, []string{
		"transform", "rotate", "scale", "skew", "blend",
		"composite", "filter", "gradient", "mask", "clipPath",
	})
	creativeScore := min(float64(creativeCount)/15.0, 1.0)

	return (varietyScore + creativeScore) / 2.0
}

// PerformanceScore rewards memoization and penalizes per-frame
// collection work.
func PerformanceScore(code string) float64 {
	memoCount := countAny(code, []string{"useMemo", "useCallback", "React.memo"})
	memoScore := min(float64(memoCount)/5.0, 1.0)

	expensiveCount := countAny(code, []string{"filter", "map", "forEach"})
	penalty := min(float64(expensiveCount)/20.0, 0.3)

	return max(0.5+memoScore*0.5-penalty, 0.0)
}

// ParseAgentOutput builds a scored Code from an agent's JSON output
// (expected shape: {"effects_code": ..., "reasoning": ...}).
func ParseAgentOutput(agentName string, output json.RawMessage) (Code, error) {
	var decoded struct {
		EffectsCode string `json:"effects_code"`
		Reasoning   string `json:"reasoning"`
	}
	if err := json.Unmarshal(output, &decoded); err != nil {
		return Code{}, fmt.Errorf("%w: effects output from %s: %v", mverrors.ErrOutputUnparsable, agentName, err)
	}

	if !ValidateCode(decoded.EffectsCode) {
		return Code{}, fmt.Errorf("%w: invalid effects code from %s", mverrors.ErrOutputUnparsable, agentName)
	}

	effectsList := ExtractEffectsList(decoded.EffectsCode)
	return Code{
		AgentName:        agentName,
		Source:           decoded.EffectsCode,
		EffectsList:      effectsList,
		Reasoning:        decoded.Reasoning,
		ComplexityScore:  ComplexityScore(decoded.EffectsCode),
		CreativityScore:  CreativityScore(decoded.EffectsCode, effectsList),
		PerformanceScore: PerformanceScore(decoded.EffectsCode),
	}, nil
}

// SelectBest resolves the evaluation agent's winner against the
// submissions, falling back to the first submission if the named winner
// matches none of them — same substring discipline as the design-phase
// evaluator.
func SelectBest(codes []Code, winnerName string, scores map[string]float64, reasoning string, adoptions []Adoption) (Evaluation, error) {
	if len(codes) == 0 {
		return Evaluation{}, fmt.Errorf("%w: no effects submissions", mverrors.ErrNoViableSubmissions)
	}

	winner := codes[0]
	lowerWinner := strings.ToLower(winnerName)
	for _, c := range codes {
		if strings.Contains(lowerWinner, strings.ToLower(c.AgentName)) {
			winner = c
			break
		}
	}

	return Evaluation{
		Winner:           winnerName,
		WinnerCode:       winner,
		Scores:           scores,
		Reasoning:        reasoning,
		PartialAdoptions: adoptions,
	}, nil
}

// Merge folds the adopted components from other submissions into the
// winner's code, producing the final effects file content. With no
// adoptions the winner's code passes through untouched.
func Merge(base Code, adoptions []Adoption, allCodes []Code) string {
	if len(adoptions) == 0 {
		return base.Source
	}

	imports := map[string]bool{}
	for _, imp := range extractImports(base.Source) {
		imports[imp] = true
	}

	type adopted struct {
		name   string
		source string
		code   string
	}
	var components []adopted

	for _, adoption := range adoptions {
		var sourceCode *Code
		for i := range allCodes {
			if strings.EqualFold(allCodes[i].AgentName, adoption.From) {
				sourceCode = &allCodes[i]
				break
			}
		}
		if sourceCode == nil {
			continue
		}

		component := extractComponentByName(sourceCode.Source, adoption.Feature)
		if component == "" {
			continue
		}
		components = append(components, adopted{name: adoption.Feature, source: sourceCode.AgentName, code: component})
		for _, imp := range extractImports(sourceCode.Source) {
			imports[imp] = true
		}
	}

	var b strings.Builder
	b.WriteString("/**\n")
	b.WriteString(" * Remotion effects\n")
	fmt.Fprintf(&b, " * Base: %s\n", base.AgentName)
	if len(components) > 0 {
		b.WriteString(" * Partial adoptions:\n")
		for _, c := range components {
			fmt.Fprintf(&b, " *   - %s (from %s)\n", c.name, c.source)
		}
	}
	b.WriteString(" */\n\n")

	sortedImports := make([]string, 0, len(imports))
	for imp := range imports {
		sortedImports = append(sortedImports, imp)
	}
	sort.Strings(sortedImports)
	for _, imp := range sortedImports {
		b.WriteString(imp)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(stripImports(base.Source))

	for _, c := range components {
		fmt.Fprintf(&b, "\n\n// %s (from %s)\n", c.name, c.source)
		b.WriteString(c.code)
	}
	b.WriteString("\n")

	return b.String()
}

func extractImports(code string) []string {
	return importPattern.FindAllString(code, -1)
}

func stripImports(code string) string {
	return strings.TrimSpace(importPattern.ReplaceAllString(code, ""))
}

// extractComponentByName pulls a single exported component out of code,
// by exact name first and then by case-insensitive partial match against
// the exported component list.
func extractComponentByName(code, componentName string) string {
	if c := componentBlock(code, componentName); c != "" {
		return c
	}
	for _, name := range ExtractEffectsList(code) {
		if strings.Contains(strings.ToLower(name), strings.ToLower(componentName)) {
			if c := componentBlock(code, name); c != "" {
				return c
			}
		}
	}
	return ""
}

func componentBlock(code, name string) string {
	pattern := regexp.MustCompile(`(?s)(export\s+(?:const|function)\s+` + regexp.QuoteMeta(name) + `\b.*?)(?:\nexport|\ninterface|\ntype\s|\z)`)
	if m := pattern.FindStringSubmatch(code); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
