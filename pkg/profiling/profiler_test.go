package profiling_test

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/profiling"
)

func newProfiler(t *testing.T, opts profiling.Options) (*profiling.Profiler, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "prof.lz4")

	p, err := profiling.New(path, opts)
	require.NoError(t, err)

	return p, path
}

// readRecords decompresses the stream and returns the record kinds in
// order.
func readRecords(t *testing.T, path string) []profiling.RecordKind {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)

	defer f.Close()

	raw, err := io.ReadAll(lz4.NewReader(f))
	require.NoError(t, err)

	var kinds []profiling.RecordKind

	for off := 0; off+8 <= len(raw); {
		kind := profiling.RecordKind(binary.NativeEndian.Uint32(raw[off : off+4]))
		size := binary.NativeEndian.Uint32(raw[off+4 : off+8])
		kinds = append(kinds, kind)
		off += 8 + int(size)
	}

	return kinds
}

func TestProfiler_HeaderAndRecordStream(t *testing.T) {
	t.Parallel()

	p, path := newProfiler(t, profiling.Options{})

	assert.NotEqual(t, uuid.Nil, p.RunID())

	p.TaskInfo(7, "cpu#1", time.Millisecond, 2*time.Millisecond)
	p.MetaTask("dependence", time.Microsecond)
	p.OpTimeline(42, "task", "ready", 3*time.Millisecond)
	require.NoError(t, p.Close())

	kinds := readRecords(t, path)
	require.Len(t, kinds, 4)
	assert.Equal(t, profiling.RecordHeader, kinds[0])
	assert.Equal(t, profiling.RecordTaskInfo, kinds[1])
	assert.Equal(t, profiling.RecordMetaTask, kinds[2])
	assert.Equal(t, profiling.RecordOpTimeline, kinds[3])
}

func TestProfiler_LatencyThresholdFilters(t *testing.T) {
	t.Parallel()

	p, path := newProfiler(t, profiling.Options{CallLatencyThreshold: time.Millisecond})

	p.MapperCall("map_task", 10*time.Microsecond) // under threshold
	p.MapperCall("slice_task", 5*time.Millisecond)
	require.NoError(t, p.Close())

	written, dropped := p.Counts()
	assert.Equal(t, uint64(2), written) // header + one call
	assert.Equal(t, uint64(1), dropped)

	kinds := readRecords(t, path)
	require.Len(t, kinds, 2)
	assert.Equal(t, profiling.RecordMapperCall, kinds[1])
}

func TestProfiler_FootprintThresholdFilters(t *testing.T) {
	t.Parallel()

	p, _ := newProfiler(t, profiling.Options{FootprintThreshold: 1024})

	p.InstanceFootprint(1, 100)
	p.InstanceFootprint(2, 4096)
	require.NoError(t, p.Close())

	written, dropped := p.Counts()
	assert.Equal(t, uint64(2), written)
	assert.Equal(t, uint64(1), dropped)
}

func TestProfiler_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var p *profiling.Profiler

	p.TaskInfo(1, "cpu#1", 0, 0)
	p.MapperCall("map_task", time.Second)
	assert.Equal(t, uuid.Nil, p.RunID())
	require.NoError(t, p.Close())
}
