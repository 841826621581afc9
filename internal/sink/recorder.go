package sink

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecorderConfig holds CSV recorder configuration.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultRecorderPath = "/var/log/serialgps"
	defaultMaxRows      = 100_000 // about 1.5 hrs of all channels at 1 Hz
)

var csvHeader = []string{"timestamp", "channel", "value"}

// Recorder appends every emitted channel value to CSV files with automatic
// rotation.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	path   string
	rows   int
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Path == "" {
		cfg.Path = defaultRecorderPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the file currently written to, or "".
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *Recorder) Set(id string, value any, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return nil
	}

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(); err != nil {
			return fmt.Errorf("recorder: rotate: %w", err)
		}
	}

	row := []string{ts.UTC().Format(time.RFC3339Nano), id, FormatValue(value)}
	if err := r.writer.Write(row); err != nil {
		return fmt.Errorf("recorder: write: %w", err)
	}
	r.writer.Flush()
	r.rows++
	return r.writer.Error()
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile() error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	// Nanoseconds keep names unique when rotation happens within a second.
	filename := fmt.Sprintf("gps_%s.csv", r.now().UTC().Format("2006-01-02_150405.000000000"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.path = path
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}
