package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"batchload/internal/metrics"
)

// Metrics is the run report filled in by LoadWithTracking.
type Metrics struct {
	Table         string
	Source        string
	LoadID        string
	RowsProcessed int
	RowsInserted  int
	RowsUpdated   int
	SourceBytes   int64
	Status        string
	ErrorMessage  string
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
}

// LoadWithTracking runs Load and records its outcome into m and the process
// metrics backend. The load error, if any, is returned unchanged after m has
// been filled in.
func (l *ChunkedLoader) LoadWithTracking(ctx context.Context, ds Dataset, req LoadRequest, m *Metrics) error {
	if m == nil {
		m = &Metrics{}
	}
	m.Table, m.Source, m.LoadID = req.Table, req.Source, req.LoadID
	m.Status = StatusRunning
	m.StartTime = l.now()

	res, err := l.Load(ctx, ds, req)

	m.EndTime = l.now()
	m.Duration = m.EndTime.Sub(m.StartTime)
	log := l.log.With().Str("load_id", req.LoadID).Str("table", req.Table).Logger()

	if err != nil {
		m.Status = StatusFailed
		m.ErrorMessage = err.Error()
		metrics.RecordLoad(req.Table, m.Status, 0, 0, 0, m.Duration)
		log.Error().Err(err).Dur("duration", m.Duration).Msg("stage=load failed")
		return err
	}

	m.Status = StatusCompleted
	m.RowsProcessed = res.Processed
	m.RowsInserted = res.Inserted
	m.RowsUpdated = res.Updated
	if n, serr := CSVSize(ds); serr != nil {
		log.Warn().Err(serr).Msg("source size unavailable")
	} else {
		m.SourceBytes = n
	}

	metrics.RecordLoad(req.Table, m.Status, res.Inserted, res.Updated, m.SourceBytes, m.Duration)
	log.Info().
		Int("processed", m.RowsProcessed).
		Int64("source_bytes", m.SourceBytes).
		Dur("duration", m.Duration).
		Msg("stage=load tracked")
	return nil
}

// CSVSize returns the byte length of ds rendered as CSV with a header row.
// It is the size reported for in-memory datasets that have no backing file.
func CSVSize(ds Dataset) (int64, error) {
	var cw countingWriter
	w := csv.NewWriter(&cw)
	if err := w.Write(ds.Columns); err != nil {
		return 0, err
	}
	row := make([]string, len(ds.Columns))
	for _, rec := range ds.Records {
		for i, c := range ds.Columns {
			if v := rec[c]; v != nil {
				row[i] = fmt.Sprint(v)
			} else {
				row[i] = ""
			}
		}
		if err := w.Write(row); err != nil {
			return 0, err
		}
	}
	w.Flush()
	return cw.n, w.Error()
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

var _ io.Writer = (*countingWriter)(nil)
