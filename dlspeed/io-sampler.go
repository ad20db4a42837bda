package dlspeed

import (
	"io"
	"time"
)

// SamplingReader records a Sample of the cumulative size read each time bytes arrive.
// Sampling only happens when the total size is known, mirroring progress events that lack a computable
// length.
type SamplingReader struct {
	Reader     io.Reader
	SizeRead   int64
	Computable bool
	Samples    []Sample

	now func() time.Time
}

func (r *SamplingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.SizeRead += int64(n)

	if !r.Computable {
		return n, err
	}

	// A body without payload still reports completion once so its latency can be measured.
	if n > 0 || (err == io.EOF && len(r.Samples) == 1) {
		r.Samples = append(r.Samples, Sample{
			Timestamp:   r.now(),
			BytesLoaded: r.SizeRead,
		})
	}

	return n, err
}

// InitSamplingReader records the zero-byte starting sample. The reader is attached once a response
// is available.
func InitSamplingReader(now func() time.Time) *SamplingReader {
	if now == nil {
		now = time.Now
	}

	s := &SamplingReader{now: now}
	s.Samples = []Sample{{Timestamp: now(), BytesLoaded: 0}}

	return s
}

// Attach sets the reader to sample and whether its total size is known.
func (r *SamplingReader) Attach(reader io.Reader, computable bool) {
	r.Reader = reader
	r.Computable = computable
}
