// Package profiling streams typed binary records to an external profiler.
// Records are framed through an LZ4 writer; nothing else is persisted by
// the runtime core.
package profiling

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

// RecordKind tags one profiling record on the wire.
type RecordKind uint32

// Profiling record kinds.
const (
	RecordHeader RecordKind = iota + 1
	RecordTaskInfo
	RecordMetaTask
	RecordOpTimeline
	RecordMapperCall
	RecordInstanceFootprint
)

// Options tune what the profiler keeps.
type Options struct {
	// FootprintThreshold drops instance-footprint records below this many
	// bytes.
	FootprintThreshold uint64

	// CallLatencyThreshold drops mapper-call records faster than this.
	CallLatencyThreshold time.Duration
}

// Profiler writes typed records through an LZ4 frame to the output file.
// All methods are safe for concurrent use; a nil *Profiler records nothing.
type Profiler struct {
	mu  sync.Mutex
	lz  *lz4.Writer
	out io.WriteCloser

	opts  Options
	runID uuid.UUID

	records uint64
	dropped uint64
}

// New creates a profiler writing to the given path and emits the stream
// header carrying the run id.
func New(path string, opts Options) (*Profiler, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create profile output: %w", err)
	}

	p := &Profiler{
		lz:    lz4.NewWriter(f),
		out:   f,
		opts:  opts,
		runID: uuid.New(),
	}

	header := make([]byte, 0, 16)
	header = append(header, p.runID[:]...)
	p.write(RecordHeader, header)

	return p, nil
}

// RunID returns the stream's run identifier.
func (p *Profiler) RunID() uuid.UUID {
	if p == nil {
		return uuid.Nil
	}

	return p.runID
}

// write frames one record: kind, payload length, payload. Host byte order;
// a job is assumed byte-order homogeneous.
func (p *Profiler) write(kind RecordKind, payload []byte) {
	if p == nil {
		return
	}

	var frame [8]byte

	binary.NativeEndian.PutUint32(frame[0:4], uint32(kind))
	binary.NativeEndian.PutUint32(frame[4:8], uint32(len(payload)))

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lz == nil {
		return
	}

	if _, err := p.lz.Write(frame[:]); err != nil {
		return
	}

	if _, err := p.lz.Write(payload); err != nil {
		return
	}

	p.records++
}

// appendString length-prefixes a string into the payload.
func appendString(buf []byte, s string) []byte {
	var n [4]byte

	binary.NativeEndian.PutUint32(n[:], uint32(len(s)))
	buf = append(buf, n[:]...)

	return append(buf, s...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var n [8]byte

	binary.NativeEndian.PutUint64(n[:], v)

	return append(buf, n[:]...)
}

// TaskInfo records one task body execution interval.
func (p *Profiler) TaskInfo(task uint32, proc string, start, stop time.Duration) {
	if p == nil {
		return
	}

	buf := make([]byte, 0, 64)
	buf = appendUint64(buf, uint64(task))
	buf = appendString(buf, proc)
	buf = appendUint64(buf, uint64(start.Nanoseconds()))
	buf = appendUint64(buf, uint64(stop.Nanoseconds()))

	p.write(RecordTaskInfo, buf)
}

// MetaTask records one pipeline meta-task run.
func (p *Profiler) MetaTask(stage string, duration time.Duration) {
	if p == nil {
		return
	}

	buf := make([]byte, 0, 32)
	buf = appendString(buf, stage)
	buf = appendUint64(buf, uint64(duration.Nanoseconds()))

	p.write(RecordMetaTask, buf)
}

// OpTimeline records one operation reaching a pipeline stage.
func (p *Profiler) OpTimeline(uid uint64, kind, stage string, at time.Duration) {
	if p == nil {
		return
	}

	buf := make([]byte, 0, 64)
	buf = appendUint64(buf, uid)
	buf = appendString(buf, kind)
	buf = appendString(buf, stage)
	buf = appendUint64(buf, uint64(at.Nanoseconds()))

	p.write(RecordOpTimeline, buf)
}

// MapperCall records one mapper invocation, dropping calls under the
// latency threshold.
func (p *Profiler) MapperCall(name string, duration time.Duration) {
	if p == nil {
		return
	}

	if duration < p.opts.CallLatencyThreshold {
		p.drop()

		return
	}

	buf := make([]byte, 0, 32)
	buf = appendString(buf, name)
	buf = appendUint64(buf, uint64(duration.Nanoseconds()))

	p.write(RecordMapperCall, buf)
}

// InstanceFootprint records one instance allocation, dropping footprints
// under the threshold.
func (p *Profiler) InstanceFootprint(instance, sizeBytes uint64) {
	if p == nil {
		return
	}

	if sizeBytes < p.opts.FootprintThreshold {
		p.drop()

		return
	}

	buf := make([]byte, 0, 16)
	buf = appendUint64(buf, instance)
	buf = appendUint64(buf, sizeBytes)

	p.write(RecordInstanceFootprint, buf)
}

func (p *Profiler) drop() {
	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
}

// Counts returns written and threshold-dropped record totals.
func (p *Profiler) Counts() (written, dropped uint64) {
	if p == nil {
		return 0, 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.records, p.dropped
}

// Close flushes the LZ4 frame and closes the output.
func (p *Profiler) Close() error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lz == nil {
		return nil
	}

	flushErr := p.lz.Close()
	closeErr := p.out.Close()
	p.lz = nil

	if flushErr != nil {
		return flushErr
	}

	return closeErr
}
