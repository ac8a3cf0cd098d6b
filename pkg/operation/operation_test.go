package operation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/operation"
)

func newBase(t *testing.T) (*event.Graph, *operation.Base) {
	t.Helper()

	g := event.NewGraph()

	var b operation.Base

	b.Init(g, 42, operation.KindTask)

	return g, &b
}

func TestBase_StagesAdvanceForward(t *testing.T) {
	t.Parallel()

	_, b := newBase(t)

	assert.Equal(t, operation.StageExecuting, b.Stage())

	require.NoError(t, b.TriggerMapped())
	assert.Equal(t, operation.StageExecuted, b.Stage())
	assert.True(t, b.MappedEvent().HasTriggered())

	require.NoError(t, b.TriggerCompletion(event.OutcomeTriggered))
	assert.Equal(t, operation.StageComplete, b.Stage())
	assert.True(t, b.CompletionEvent().HasTriggered())
	assert.False(t, b.CommitEvent().HasTriggered())

	require.NoError(t, b.TriggerCommit(event.OutcomeTriggered))
	assert.Equal(t, operation.StageCommitted, b.Stage())
	assert.True(t, b.CommitEvent().HasTriggered())
}

func TestBase_CommitMonotonicity(t *testing.T) {
	t.Parallel()

	_, b := newBase(t)

	// Completion must fire before commit.
	require.NoError(t, b.TriggerMapped())
	require.NoError(t, b.TriggerCompletion(event.OutcomeTriggered))
	require.True(t, b.CompletionEvent().HasTriggered())
	require.False(t, b.CommitEvent().HasTriggered())
	require.NoError(t, b.TriggerCommit(event.OutcomeTriggered))
}

func TestBase_PoisonShortCircuit(t *testing.T) {
	t.Parallel()

	_, b := newBase(t)

	b.PropagatePoison()

	assert.Equal(t, operation.StageCommitted, b.Stage())
	assert.True(t, b.MappedEvent().Poisoned())
	assert.True(t, b.CompletionEvent().Poisoned())
	assert.True(t, b.CommitEvent().Poisoned())
}

func TestBase_ReclaimableNeedsCommitAndNoRefs(t *testing.T) {
	t.Parallel()

	_, b := newBase(t)

	b.AddResourceRef()
	b.PropagatePoison()
	assert.False(t, b.Reclaimable())

	b.RemoveResourceRef()
	assert.True(t, b.Reclaimable())
}

func TestBase_ContextIndexAssignment(t *testing.T) {
	t.Parallel()

	_, b := newBase(t)

	assert.Equal(t, operation.NoIndex, b.ContextIndex())

	b.AssignContextIndex(7)
	assert.Equal(t, uint64(7), b.ContextIndex())
}

func TestKindAndStageNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "task", operation.KindTask.String())
	assert.Equal(t, "deletion", operation.KindDeletion.String())
	assert.Equal(t, "executing", operation.StageExecuting.String())
	assert.Equal(t, "committed", operation.StageCommitted.String())
}
