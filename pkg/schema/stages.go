package schema

// StageType names one unit of pipeline work. The pipeline ordering is fixed;
// an execution's plan is an ordered subset of this enumeration.
type StageType string

const (
	StageParser         StageType = "parser"
	StageAnalysis       StageType = "analysis"
	StageContent        StageType = "content"
	StageKnowledge      StageType = "knowledge"
	StageCompliance     StageType = "compliance"
	StageQA             StageType = "qa"
	StageCommunications StageType = "communications"
	StageSubmission     StageType = "submission"
)

// StageOrder is the canonical pipeline ordering. Execution plans must list
// stages in this relative order.
var StageOrder = []StageType{
	StageParser,
	StageAnalysis,
	StageContent,
	StageKnowledge,
	StageCompliance,
	StageQA,
	StageCommunications,
	StageSubmission,
}

// StageCategory groups stages for recovery policy purposes.
type StageCategory string

const (
	CategoryIngestion  StageCategory = "ingestion"
	CategoryGeneration StageCategory = "generation"
	CategoryReview     StageCategory = "review"
	CategoryDelivery   StageCategory = "delivery"
)

var stageCategories = map[StageType]StageCategory{
	StageParser:         CategoryIngestion,
	StageAnalysis:       CategoryGeneration,
	StageContent:        CategoryGeneration,
	StageKnowledge:      CategoryGeneration,
	StageCompliance:     CategoryReview,
	StageQA:             CategoryReview,
	StageCommunications: CategoryDelivery,
	StageSubmission:     CategoryDelivery,
}

// Category returns the recovery-policy category of a stage.
func (s StageType) Category() StageCategory {
	return stageCategories[s]
}

// Valid reports whether s names a known stage.
func (s StageType) Valid() bool {
	_, ok := stageCategories[s]
	return ok
}

// StagePosition returns the index of a stage in the canonical ordering,
// or -1 if the stage is unknown.
func StagePosition(s StageType) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// DefaultPlan returns the full canonical pipeline as an execution plan.
func DefaultPlan() []StageType {
	plan := make([]StageType, len(StageOrder))
	copy(plan, StageOrder)
	return plan
}

// StagesFrom returns the stages of plan at or after target, in plan order.
// Returns nil if target is not part of the plan.
func StagesFrom(plan []StageType, target StageType) []StageType {
	for i, s := range plan {
		if s == target {
			out := make([]StageType, len(plan)-i)
			copy(out, plan[i:])
			return out
		}
	}
	return nil
}

// StageConfig carries stage-specific settings supplied at start time.
type StageConfig struct {
	// ResultSelector is an optional jq expression applied to the stage output;
	// its result is merged under the stage key into the execution result payload.
	ResultSelector string `json:"result_selector,omitempty"`
	// Deadline bounds a single run of this stage (Go duration string).
	Deadline string `json:"deadline,omitempty"`
	// Params is opaque configuration passed through to the stage executor.
	Params map[string]any `json:"params,omitempty"`
}
