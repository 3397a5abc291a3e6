package degradation

import "github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"

// DegradationLevel represents the severity of degradation
type DegradationLevel int

const (
	LevelNone     DegradationLevel = iota
	LevelMinor                     // A fallback stood in for a stage
	LevelModerate                  // An optional stage failed outright
	LevelSevere                    // A required stage failed or there is no answer
)

func (d DegradationLevel) String() string {
	switch d {
	case LevelNone:
		return "none"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// LevelFor maps pipeline health to a degradation level.
func LevelFor(h pipeline.Health) DegradationLevel {
	switch h {
	case pipeline.HealthSuccess:
		return LevelNone
	case pipeline.HealthFallbackUsed:
		return LevelMinor
	case pipeline.HealthPartialFailure:
		return LevelModerate
	default:
		return LevelSevere
	}
}

// AdvisoryClass keys the advisory templates.
type AdvisoryClass string

const (
	ClassRetrieval  AdvisoryClass = "retrieval"
	ClassEnrichment AdvisoryClass = "enrichment"
	ClassFactCheck  AdvisoryClass = "fact_check"
	ClassSynthesis  AdvisoryClass = "synthesis"
	ClassCitation   AdvisoryClass = "citation"
	ClassBudget     AdvisoryClass = "budget"
	ClassMultiStage AdvisoryClass = "multi_stage"
	ClassGeneric    AdvisoryClass = "generic"
)

// ClassFor returns the advisory class of a stage role.
func ClassFor(role pipeline.Role) AdvisoryClass {
	switch role {
	case pipeline.RoleRetrieval:
		return ClassRetrieval
	case pipeline.RoleEnrichment:
		return ClassEnrichment
	case pipeline.RoleFactCheck:
		return ClassFactCheck
	case pipeline.RoleSynthesis:
		return ClassSynthesis
	case pipeline.RoleCitation:
		return ClassCitation
	default:
		return ClassGeneric
	}
}
