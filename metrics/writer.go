package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Point is one logged scalar value.
type Point struct {
	Tag      string    `json:"tag"`
	Step     int       `json:"step"`
	Value    float64   `json:"value"`
	WallTime time.Time `json:"wall_time"`
}

// FileWriter appends scalars as JSON lines to {dir}/scalars.jsonl and keeps
// every series in memory for the HTTP view.
type FileWriter struct {
	mu     sync.Mutex
	f      *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	series map[string][]Point
	err    error
	closed bool
	now    func() time.Time
}

// ScalarFile is the name of the event file inside a run directory.
const ScalarFile = "scalars.jsonl"

// NewFileWriter creates dir if needed and opens the event file for appending.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, ScalarFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &FileWriter{
		f:      f,
		buf:    buf,
		enc:    json.NewEncoder(buf),
		series: make(map[string][]Point),
		now:    time.Now,
	}, nil
}

// AddScalar records value under tag at step. The first write error is
// kept and reported by Close.
func (w *FileWriter) AddScalar(tag string, value float64, step int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := Point{Tag: tag, Step: step, Value: value, WallTime: w.now()}
	w.series[tag] = append(w.series[tag], p)
	if w.closed || w.err != nil {
		return
	}
	w.err = w.enc.Encode(p)
}

// Flush pushes buffered lines to the file.
func (w *FileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.err
	}
	if err := w.buf.Flush(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}

// Close flushes and closes the event file. The in-memory series stay readable.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.err
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil && w.err == nil {
		w.err = err
	}
	if err := w.f.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}

// Tags returns the sorted list of logged tags.
func (w *FileWriter) Tags() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	tags := make([]string, 0, len(w.series))
	for t := range w.series {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Series returns a copy of the points logged under tag.
func (w *FileWriter) Series(tag string) ([]Point, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.series[tag]
	if !ok {
		return nil, false
	}
	return append([]Point(nil), s...), true
}

// Latest returns the most recent point of every tag.
func (w *FileWriter) Latest() map[string]Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Point, len(w.series))
	for t, s := range w.series {
		out[t] = s[len(s)-1]
	}
	return out
}
