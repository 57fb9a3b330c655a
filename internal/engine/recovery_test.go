package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bidworks/bidflow/pkg/schema"
)

func TestRecoveryFor_Policy(t *testing.T) {
	tests := []struct {
		stage     schema.StageType
		retry     bool
		skip      bool
		restart   bool
		suggested schema.RecoveryAction
	}{
		{schema.StageParser, true, false, false, schema.RecoveryRetry},
		{schema.StageAnalysis, true, false, true, schema.RecoveryRetry},
		{schema.StageContent, true, false, true, schema.RecoveryRetry},
		{schema.StageKnowledge, true, false, true, schema.RecoveryRetry},
		{schema.StageCompliance, true, true, false, schema.RecoveryRetry},
		{schema.StageQA, true, true, false, schema.RecoveryRetry},
		{schema.StageCommunications, true, false, false, schema.RecoveryManualIntervention},
		{schema.StageSubmission, true, false, false, schema.RecoveryManualIntervention},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			r := RecoveryFor(tt.stage)
			assert.Equal(t, tt.retry, r.CanRetry)
			assert.Equal(t, tt.skip, r.CanSkip)
			assert.Equal(t, tt.restart, r.CanRestartWorkflow)
			assert.Equal(t, tt.suggested, r.SuggestedAction)
		})
	}
}

func TestRecoveryFor_AllowsMatchesFlags(t *testing.T) {
	r := RecoveryFor(schema.StageCompliance)
	assert.True(t, r.Allows(schema.DecisionRetry))
	assert.True(t, r.Allows(schema.DecisionSkip))
	assert.False(t, r.Allows(schema.DecisionRestartWorkflow))

	r = RecoveryFor(schema.StageSubmission)
	assert.True(t, r.Allows(schema.DecisionRetry))
	assert.False(t, r.Allows(schema.DecisionSkip))
	assert.False(t, r.Allows(schema.DecisionRestartWorkflow))
}
