// Package telemetry records per-step training metrics.
package telemetry

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Metrics is one row of the training log.
type Metrics struct {
	Step     int       // optimizer updates applied so far
	Pending  int       // train calls accumulated since the last update
	Loss     float64   // mean train loss of the call
	ValLoss  float64   // NaN when not evaluated this step
	Tokens   int       // tokens consumed by the call
	Duration time.Duration
	At       time.Time
}

type Sink interface {
	Record(ctx context.Context, m Metrics) error
	Close() error
}

var csvHeader = []string{"step", "pending", "loss", "val_loss", "tokens", "seconds", "unix"}

// CSVSink appends rows to a csv file, flushing after every record.
type CSVSink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// NewCSVSink creates or truncates path and writes the header.
func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.WithMessage(err, "create log file")
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	return &CSVSink{f: f, w: w}, w.Error()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', 8, 64)
}

func (s *CSVSink) Record(_ context.Context, m Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Write([]string{
		strconv.Itoa(m.Step),
		strconv.Itoa(m.Pending),
		formatFloat(m.Loss),
		formatFloat(m.ValLoss),
		strconv.Itoa(m.Tokens),
		strconv.FormatFloat(m.Duration.Seconds(), 'f', 6, 64),
		strconv.FormatInt(m.At.Unix(), 10),
	})
	if err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// Multi fans a record out to every sink and returns the first error.
type Multi []Sink

func (ms Multi) Record(ctx context.Context, m Metrics) error {
	var first error
	for _, s := range ms {
		if err := s.Record(ctx, m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (ms Multi) Close() error {
	var first error
	for _, s := range ms {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
