// Package export writes per-frame statistics as CSV.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/proximity"
)

// Header is the first line of every export.
var Header = []string{"frame", "timestamp", "total", "safe", "unsafe", "violations", "violation_clusters"}

// Row is one frame's statistics.
type Row struct {
	Frame     int
	Timestamp time.Duration
	Stats     proximity.Statistics
}

func (r Row) record() []string {
	return []string{
		strconv.Itoa(r.Frame),
		strconv.FormatFloat(r.Timestamp.Seconds(), 'f', 3, 64),
		strconv.Itoa(r.Stats.Total),
		strconv.Itoa(r.Stats.Safe),
		strconv.Itoa(r.Stats.Unsafe),
		strconv.Itoa(r.Stats.Violations),
		strconv.Itoa(r.Stats.ViolationClusters),
	}
}

// CSVWriter writes the header lazily before the first row, so an export
// with no rows still has a header once it is flushed.
type CSVWriter struct {
	csv    *csv.Writer
	closer io.Closer
	header bool
	rows   int
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{csv: csv.NewWriter(w)}
}

// Create opens path for writing, creating parent directories.
func Create(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", path)
	}
	w := NewCSVWriter(f)
	w.closer = f
	return w, nil
}

func (w *CSVWriter) writeHeader() error {
	if w.header {
		return nil
	}
	w.header = true
	return w.csv.Write(Header)
}

func (w *CSVWriter) Write(r Row) error {
	if err := w.writeHeader(); err != nil {
		return errors.Wrap(err, "writing csv header")
	}
	if err := w.csv.Write(r.record()); err != nil {
		return errors.Wrapf(err, "writing frame %d", r.Frame)
	}
	w.rows++
	return nil
}

// Rows is the number of rows written so far.
func (w *CSVWriter) Rows() int { return w.rows }

func (w *CSVWriter) Flush() error {
	if err := w.writeHeader(); err != nil {
		return errors.Wrap(err, "writing csv header")
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Close flushes and closes the underlying file when Create opened it.
func (w *CSVWriter) Close() error {
	err := w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}
