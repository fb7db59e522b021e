package parallelizer

import (
	"context"

	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// Serial applies records strictly in batch order on the calling
// goroutine. It is the correctness baseline and the right choice for
// destinations that require ordering across all keys, such as audit
// logs and message queues without keyed partitions.
type Serial struct {
	base
}

// Name implements Parallelizer.
func (s *Serial) Name() string { return "serial" }

// Apply implements Parallelizer.
func (s *Serial) Apply(ctx context.Context, batch *record.Batch, sinker sink.Sinker) (*Report, error) {
	report := newReport(batch)
	if batch.IsBarrier() {
		return report, nil
	}

	rows := applicable(batch)
	if len(rows) == 0 {
		return report, nil
	}

	results, err := s.applyWithRetry(ctx, sinker, rows)
	if err != nil {
		return nil, err
	}
	report.Results = append(report.Results, results...)
	return report, nil
}

// Close implements Parallelizer.
func (s *Serial) Close() error { return nil }

// applicable filters the records a sinker should see: row changes and
// DDL markers. Barriers carry no payload.
func applicable(batch *record.Batch) []*record.Record {
	out := make([]*record.Record, 0, batch.Len())
	for _, r := range batch.Records {
		if r.Kind == record.KindRowData || r.Kind == record.KindDdl {
			out = append(out, r)
		}
	}
	return out
}
