// Package director holds the fixed registry of competing director
// personas that the feedback loop pits against each other every design
// phase: a typed-string enum backed by a package-level lookup table.
package director

// Type identifies one of the five competing director personas.
type Type string

const (
	Corporate   Type = "corporate"
	Freelancer  Type = "freelancer"
	Veteran     Type = "veteran"
	AwardWinner Type = "award_winner"
	Newcomer    Type = "newcomer"
)

// All lists every director type, in a stable order used whenever agents
// must be enumerated deterministically (e.g. building an agent roster).
var All = []Type{Corporate, Freelancer, Veteran, AwardWinner, Newcomer}

// Profile describes one director's creative disposition and the axes
// the evaluator and feedback synthesis weigh submissions against.
type Profile struct {
	NameJA             string
	NameEN             string
	Description        string
	CreativeTendencies []string
	Strengths          []string
	Weaknesses         []string
	EvaluationFocus    []string

	RiskTolerance   float64
	CommercialFocus float64
	ArtisticFocus   float64
	InnovationFocus float64
}

// Profiles is the fixed registry of director personas.
var Profiles = map[Type]Profile{
	Corporate: {
		NameJA:      "企業重視型",
		NameEN:      "Corporate Director",
		Description: "Prioritizes brand safety, commercial appeal, and broad audience accessibility over creative risk-taking.",
		CreativeTendencies: []string{
			"Clean, polished visuals with clear brand alignment",
			"Conservative pacing that keeps the narrative easy to follow",
			"Strong preference for proven, well-tested creative formulas",
		},
		Strengths: []string{
			"Reliable, on-brief output that rarely alienates a mainstream audience",
			"Strong grasp of commercial viability and marketability",
		},
		Weaknesses: []string{
			"Risk-averse; tends to avoid bold or experimental choices",
			"Can produce results that feel generic or interchangeable",
		},
		EvaluationFocus: []string{"brand safety", "commercial appeal", "audience accessibility", "polish"},
		RiskTolerance:   0.3,
		CommercialFocus: 0.9,
		ArtisticFocus:   0.4,
		InnovationFocus: 0.4,
	},
	Freelancer: {
		NameJA:      "フリーランス型",
		NameEN:      "Freelancer Director",
		Description: "Embraces bold, unconventional choices and treats every project as a chance to push a personal creative vision.",
		CreativeTendencies: []string{
			"Willing to gamble on unproven visual concepts",
			"Strong authorial voice that favors artistic statement over broad appeal",
			"Rapid experimentation across styles from project to project",
		},
		Strengths: []string{
			"High ceiling for genuinely novel, memorable output",
			"Adapts quickly to unusual creative briefs",
		},
		Weaknesses: []string{
			"Inconsistent; a gamble that doesn't land can read as incoherent",
			"Limited regard for commercial or brand constraints",
		},
		EvaluationFocus: []string{"originality", "artistic risk", "authorial voice"},
		RiskTolerance:   0.8,
		CommercialFocus: 0.4,
		ArtisticFocus:   0.8,
		InnovationFocus: 0.9,
	},
	Veteran: {
		NameJA:      "ベテラン型",
		NameEN:      "Veteran Director",
		Description: "Draws on decades of craft experience to deliver dependable, technically sound work with measured creative flourishes.",
		CreativeTendencies: []string{
			"Favors technique and craftsmanship over novelty",
			"Measured pacing informed by a long track record of what works",
			"Occasional, carefully chosen creative flourishes rather than constant experimentation",
		},
		Strengths: []string{
			"Exceptional technical execution and consistency",
			"Deep intuition for what an audience and a brief actually need",
		},
		Weaknesses: []string{
			"Can feel dated relative to current trends",
			"Lower appetite for the kind of risk that yields a breakout result",
		},
		EvaluationFocus: []string{"technical craft", "consistency", "narrative clarity"},
		RiskTolerance:   0.4,
		CommercialFocus: 0.6,
		ArtisticFocus:   0.7,
		InnovationFocus: 0.3,
	},
	AwardWinner: {
		NameJA:      "受賞歴型",
		NameEN:      "Award-Winning Director",
		Description: "Pursues prestige and artistic distinction, balancing ambitious craft with just enough commercial grounding to stay fundable.",
		CreativeTendencies: []string{
			"Layered, often symbolic visual storytelling",
			"Willing to take calculated risks when they serve a strong artistic thesis",
			"High production value expectations",
		},
		Strengths: []string{
			"Consistently produces critically distinctive, award-caliber work",
			"Strong command of visual language and thematic depth",
		},
		Weaknesses: []string{
			"Can prioritize artistic ambition over audience clarity",
			"Higher cost and complexity to execute well",
		},
		EvaluationFocus: []string{"artistic distinction", "thematic depth", "production value"},
		RiskTolerance:   0.6,
		CommercialFocus: 0.6,
		ArtisticFocus:   0.9,
		InnovationFocus: 0.7,
	},
	Newcomer: {
		NameJA:      "新進気鋭型",
		NameEN:      "Newcomer Director",
		Description: "Brings fresh, unjaded instincts and the highest appetite for innovation, unconstrained by industry convention.",
		CreativeTendencies: []string{
			"Eager to try techniques established directors would consider too risky",
			"Strongly influenced by current and emerging trends",
			"Enthusiastic, high-energy pacing",
		},
		Strengths: []string{
			"Genuinely fresh perspective, unburdened by convention",
			"High innovation ceiling; the most likely profile to surprise",
		},
		Weaknesses: []string{
			"Less technical polish than more experienced profiles",
			"Can misjudge what a brief actually requires",
		},
		EvaluationFocus: []string{"freshness", "trend alignment", "energy"},
		RiskTolerance:   0.9,
		CommercialFocus: 0.5,
		ArtisticFocus:   0.6,
		InnovationFocus: 0.9,
	},
}

// Lookup returns the profile for t and whether t is a recognized type.
func Lookup(t Type) (Profile, bool) {
	p, ok := Profiles[t]
	return p, ok
}

// Valid reports whether t is one of the five registered director types.
func Valid(t Type) bool {
	_, ok := Profiles[t]
	return ok
}
