package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bidworks/bidflow/pkg/schema"
)

func TestGatePlacement(t *testing.T) {
	assert.Equal(t, schema.GateFeedback, gateAfter(schema.StageAnalysis))
	assert.Equal(t, schema.GateReview, gateAfter(schema.StageQA))
	assert.Equal(t, schema.GateKind(""), gateAfter(schema.StageParser))
	assert.Equal(t, schema.GateKind(""), gateAfter(schema.StageContent))

	assert.Equal(t, schema.GatePermission, gateBefore(schema.StageCommunications))
	assert.Equal(t, schema.GatePermission, gateBefore(schema.StageSubmission))
	assert.Equal(t, schema.GateKind(""), gateBefore(schema.StageQA))
}

func TestCompletionStatus(t *testing.T) {
	assert.Equal(t, schema.ExecutionStatusCompleted, completionStatus(nil))
	assert.Equal(t, schema.ExecutionStatusCompletedNoComms,
		completionStatus([]schema.StageType{schema.StageCommunications}))
	assert.Equal(t, schema.ExecutionStatusCompletedNoSub,
		completionStatus([]schema.StageType{schema.StageSubmission}))
	// A denied submission outweighs denied communications.
	assert.Equal(t, schema.ExecutionStatusCompletedNoSub,
		completionStatus([]schema.StageType{schema.StageCommunications, schema.StageSubmission}))
}
