package engine

import (
	"github.com/bidworks/bidflow/pkg/schema"
)

// RecoveryFor returns the recovery actions permitted after a failure of the
// given stage. The policy is fixed by stage category:
//
//	ingestion (parser):                       retry or manual intervention
//	generation (analysis/content/knowledge):  retry, restart workflow, or manual
//	review (compliance/qa):                   retry, skip, or manual
//	delivery (communications/submission):     retry or manual
//
// Review stages are the only ones that may be skipped: the pipeline can
// produce a bid without a passing review, but not without its content.
// Delivery stages are real-world business actions, so a failed one is never
// silently skipped and never triggers a full restart.
func RecoveryFor(stage schema.StageType) schema.RecoveryDecision {
	switch stage.Category() {
	case schema.CategoryIngestion:
		return schema.RecoveryDecision{
			CanRetry:        true,
			SuggestedAction: schema.RecoveryRetry,
		}
	case schema.CategoryGeneration:
		return schema.RecoveryDecision{
			CanRetry:           true,
			CanRestartWorkflow: true,
			SuggestedAction:    schema.RecoveryRetry,
		}
	case schema.CategoryReview:
		return schema.RecoveryDecision{
			CanRetry:        true,
			CanSkip:         true,
			SuggestedAction: schema.RecoveryRetry,
		}
	case schema.CategoryDelivery:
		return schema.RecoveryDecision{
			CanRetry:        true,
			SuggestedAction: schema.RecoveryManualIntervention,
		}
	default:
		return schema.RecoveryDecision{
			SuggestedAction: schema.RecoveryManualIntervention,
		}
	}
}
