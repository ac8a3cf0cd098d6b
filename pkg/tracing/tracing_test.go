package tracing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/operation"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/tracing"
)

func makeRegion(t *testing.T, f *region.Forest) region.LogicalRegion {
	t.Helper()

	is := f.CreateIndexSpace(region.DomainFromRange(0, 9))
	fs := f.CreateFieldSpace()

	_, err := f.AllocateField(fs, 8, 0)
	require.NoError(t, err)

	lr, err := f.CreateLogicalRegion(is, fs)
	require.NoError(t, err)

	return lr
}

func TestFingerprint_SensitiveToKindAndFields(t *testing.T) {
	t.Parallel()

	f := region.NewForest()
	lr := makeRegion(t, f)

	reqA := []region.Requirement{{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite}}
	reqB := []region.Requirement{{Region: lr, Fields: region.Fields(1), Privilege: region.ReadWrite}}

	fpTask := tracing.FingerprintOp(operation.KindTask, 0, 0, reqA)
	fpCopy := tracing.FingerprintOp(operation.KindCopy, 0, 0, reqA)
	fpOther := tracing.FingerprintOp(operation.KindTask, 0, 0, reqB)

	assert.NotEqual(t, fpTask, fpCopy)
	assert.NotEqual(t, fpTask, fpOther)
	assert.Equal(t, fpTask, tracing.FingerprintOp(operation.KindTask, 0, 0, reqA))
}

func record(t *testing.T, f *region.Forest, lr region.LogicalRegion, trace tracing.ID) *tracing.Template {
	t.Helper()

	rec := tracing.NewRecording(trace, f)
	reqs := []region.Requirement{{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite}}

	fp0 := tracing.FingerprintOp(operation.KindTask, 0, 0, reqs)
	rec.Record(fp0, nil, tracing.Decision{TargetProc: machine.Processor{ID: 1, Kind: machine.ProcCPU}}, reqs)

	fp1 := tracing.FingerprintOp(operation.KindTask, 0, 1, reqs)
	rec.Record(fp1, []int{0}, tracing.Decision{TargetProc: machine.Processor{ID: 2, Kind: machine.ProcCPU}}, reqs)

	return rec.Finish()
}

func TestTemplate_PrefixMatchAndDecisions(t *testing.T) {
	t.Parallel()

	f := region.NewForest()
	lr := makeRegion(t, f)
	tpl := record(t, f, lr, 42)

	reqs := []region.Requirement{{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite}}
	fp0 := tracing.FingerprintOp(operation.KindTask, 0, 0, reqs)

	require.Equal(t, 2, tpl.Len())
	assert.True(t, tpl.MatchesPrefix([]tracing.Fingerprint{fp0}))
	assert.False(t, tpl.MatchesPrefix([]tracing.Fingerprint{fp0 + 1}))

	assert.Equal(t, machine.ProcID(1), tpl.DecisionAt(0).TargetProc.ID)
	assert.Equal(t, []int{0}, tpl.PredecessorsAt(1))
}

func TestTemplate_InvalidatedByTreeVersionChange(t *testing.T) {
	t.Parallel()

	f := region.NewForest()
	lr := makeRegion(t, f)
	tpl := record(t, f, lr, 42)

	require.True(t, tpl.Replayable(f))

	f.ResetEquivalenceSets(lr.Tree)
	assert.False(t, tpl.Replayable(f))
}

func TestCache_FindReplayablePromotesAndCounts(t *testing.T) {
	t.Parallel()

	f := region.NewForest()
	lr := makeRegion(t, f)

	c := tracing.NewCache(4)
	c.Install(42, record(t, f, lr, 42))

	got := c.FindReplayable(42, f)
	require.NotNil(t, got)

	replays, captures, misses := c.Stats()
	assert.Equal(t, int64(1), replays)
	assert.Equal(t, int64(1), captures)
	assert.Equal(t, int64(0), misses)

	assert.Nil(t, c.FindReplayable(7, f))
}

func TestCache_LRUEvictionRespectsCap(t *testing.T) {
	t.Parallel()

	f := region.NewForest()
	lr := makeRegion(t, f)

	const maxTemplates = 3

	c := tracing.NewCache(maxTemplates)
	for range maxTemplates + 2 {
		c.Install(42, record(t, f, lr, 42))
	}

	assert.Equal(t, maxTemplates, c.TemplateCount(42))
}

func TestCache_InvalidateDropsTouchedTemplates(t *testing.T) {
	t.Parallel()

	f := region.NewForest()
	lr := makeRegion(t, f)

	c := tracing.NewCache(4)
	c.Install(42, record(t, f, lr, 42))

	c.Invalidate(lr.Tree)
	assert.Equal(t, 0, c.TemplateCount(42))
}

func TestCache_DestroyedTreeBlocksReplay(t *testing.T) {
	t.Parallel()

	f := region.NewForest()
	lr := makeRegion(t, f)

	c := tracing.NewCache(4)
	c.Install(42, record(t, f, lr, 42))

	require.NoError(t, f.DestroyLogicalRegion(lr))
	assert.Nil(t, c.FindReplayable(42, f))
	assert.Equal(t, 0, c.TemplateCount(42))
}
