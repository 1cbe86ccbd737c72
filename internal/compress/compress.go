// Package compress implements the negotiated response compressor:
// Accept-Encoding negotiation, threshold and content-type gating, and
// br/gzip/deflate encoding with process-lifetime statistics.
package compress

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Supported algorithm tags.
const (
	AlgoBrotli  = "br"
	AlgoGzip    = "gzip"
	AlgoDeflate = "deflate"
)

// DefaultThreshold is the minimum body size considered worth compressing.
const DefaultThreshold = 1024

// DefaultLevel is the default compression level.
const DefaultLevel = 6

// defaultAlgorithms is the preference order when none is configured.
var defaultAlgorithms = []string{AlgoBrotli, AlgoGzip, AlgoDeflate}

// defaultCompressibleTypes covers the common text-like media types.
var defaultCompressibleTypes = []string{
	"application/json", "text/html", "text/plain", "text/css",
	"application/javascript", "application/xml", "image/svg+xml",
}

// Config holds compressor configuration.
type Config struct {
	// Threshold is the minimum body size in bytes. Default: 1024.
	Threshold int

	// Level is the compression level, clamped per algorithm. Default: 6.
	Level int

	// Algorithms is the preference order. Default: br, gzip, deflate.
	Algorithms []string

	// CompressibleTypes is the Content-Type allow-list.
	CompressibleTypes []string

	// ExcludePatterns skips compression for matching request URLs.
	ExcludePatterns []*regexp.Regexp
}

// Input is the pre-compression view of a response.
type Input struct {
	Body []byte

	// ContentType is the response media type.
	ContentType string

	// ContentEncoding skips compression when already set by the handler.
	ContentEncoding string

	// URL is the request target, matched against exclude patterns.
	URL string
}

// Output is a compressed representation.
type Output struct {
	// Algorithm is the negotiated tag.
	Algorithm string

	// Body is the compressed payload.
	Body []byte

	// OriginalSize and CompressedSize are the before/after byte counts.
	OriginalSize   int
	CompressedSize int
}

// Ratio returns compressed/original size.
func (o Output) Ratio() float64 {
	if o.OriginalSize == 0 {
		return 0
	}
	return float64(o.CompressedSize) / float64(o.OriginalSize)
}

// Stats holds process-lifetime compressor counters. All fields use
// atomic updates; exact ordering between them is not promised.
type Stats struct {
	total      atomic.Int64
	compressed atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
}

// StatsSnapshot is a point-in-time copy for the status endpoint.
type StatsSnapshot struct {
	Total      int64   `json:"total"`
	Compressed int64   `json:"compressed"`
	Skipped    int64   `json:"skipped"`
	BytesIn    int64   `json:"bytes_in"`
	BytesOut   int64   `json:"bytes_out"`
	Ratio      float64 `json:"ratio"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	total := s.total.Load()
	compressed := s.compressed.Load()
	in := s.bytesIn.Load()
	out := s.bytesOut.Load()

	snap := StatsSnapshot{
		Total:      total,
		Compressed: compressed,
		Skipped:    total - compressed,
		BytesIn:    in,
		BytesOut:   out,
	}
	if in > 0 {
		snap.Ratio = float64(out) / float64(in)
	}
	return snap
}

// Compressor negotiates and applies response compression.
type Compressor struct {
	threshold         int
	level             int
	algorithms        []string
	compressibleTypes map[string]bool
	excludePatterns   []*regexp.Regexp

	stats Stats
}

// New creates a Compressor from cfg, applying defaults for zero values.
func New(cfg Config) *Compressor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Level <= 0 {
		cfg.Level = DefaultLevel
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = defaultAlgorithms
	}
	if len(cfg.CompressibleTypes) == 0 {
		cfg.CompressibleTypes = defaultCompressibleTypes
	}

	types := make(map[string]bool, len(cfg.CompressibleTypes))
	for _, t := range cfg.CompressibleTypes {
		types[strings.ToLower(strings.TrimSpace(t))] = true
	}

	algos := make([]string, 0, len(cfg.Algorithms))
	for _, a := range cfg.Algorithms {
		algos = append(algos, strings.ToLower(strings.TrimSpace(a)))
	}

	return &Compressor{
		threshold:         cfg.Threshold,
		level:             cfg.Level,
		algorithms:        algos,
		compressibleTypes: types,
		excludePatterns:   cfg.ExcludePatterns,
	}
}

// Stats exposes the lifetime counters.
func (c *Compressor) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Compress negotiates an algorithm against acceptEncoding and encodes
// the body. ok is false when compression was skipped; the caller then
// writes the original body untouched.
func (c *Compressor) Compress(in Input, acceptEncoding string) (Output, bool) {
	c.stats.total.Add(1)

	if in.ContentEncoding != "" {
		return Output{}, false
	}
	if len(in.Body) < c.threshold {
		return Output{}, false
	}
	if !c.compressibleTypes[mediaType(in.ContentType)] {
		return Output{}, false
	}
	for _, p := range c.excludePatterns {
		if p.MatchString(in.URL) {
			return Output{}, false
		}
	}

	algo, ok := c.negotiate(acceptEncoding)
	if !ok {
		return Output{}, false
	}

	compressed, err := c.encode(algo, in.Body)
	if err != nil {
		return Output{}, false
	}

	c.stats.compressed.Add(1)
	c.stats.bytesIn.Add(int64(len(in.Body)))
	c.stats.bytesOut.Add(int64(len(compressed)))

	return Output{
		Algorithm:      algo,
		Body:           compressed,
		OriginalSize:   len(in.Body),
		CompressedSize: len(compressed),
	}, true
}

// negotiate picks the first configured algorithm the client accepts.
// Quality values are ignored; the configured order wins.
func (c *Compressor) negotiate(acceptEncoding string) (string, bool) {
	accepted := make(map[string]bool)
	for _, token := range strings.Split(acceptEncoding, ",") {
		token = strings.TrimSpace(token)
		if i := strings.IndexByte(token, ';'); i >= 0 {
			token = strings.TrimSpace(token[:i])
		}
		if token != "" {
			accepted[strings.ToLower(token)] = true
		}
	}

	for _, algo := range c.algorithms {
		if accepted[algo] {
			return algo, true
		}
	}
	return "", false
}

// encode compresses body with the selected algorithm at the configured
// level, clamped to the algorithm's valid range.
func (c *Compressor) encode(algo string, body []byte) ([]byte, error) {
	var buf bytes.Buffer

	switch algo {
	case AlgoBrotli:
		w := brotli.NewWriterLevel(&buf, clamp(c.level, brotli.BestSpeed, brotli.BestCompression))
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgoGzip:
		w, err := gzip.NewWriterLevel(&buf, clamp(c.level, gzip.BestSpeed, gzip.BestCompression))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgoDeflate:
		w, err := flate.NewWriter(&buf, clamp(c.level, flate.BestSpeed, flate.BestCompression))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("compress: unknown algorithm %q", algo)
	}

	return buf.Bytes(), nil
}

// mediaType strips parameters from a Content-Type value.
func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
