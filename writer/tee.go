package writer

import (
	"context"

	"tickflow/logger"
	"tickflow/models"
)

// Tee writes every row to Primary and then to each mirror. Only the
// primary's result is returned; mirror failures are logged.
type Tee struct {
	Primary Sink
	Mirrors []Sink
	log     *logger.Log
}

// NewTee returns a Tee over primary. Nil mirrors are skipped.
func NewTee(primary Sink, mirrors ...Sink) *Tee {
	t := &Tee{Primary: primary, log: logger.GetLogger()}
	for _, m := range mirrors {
		if m != nil {
			t.Mirrors = append(t.Mirrors, m)
		}
	}
	return t
}

func (t *Tee) Write(ctx context.Context, row models.Row) error {
	err := t.Primary.Write(ctx, row)
	for i, m := range t.Mirrors {
		if merr := m.Write(ctx, row); merr != nil {
			t.log.WithComponent("sink_tee").WithError(merr).WithFields(logger.Fields{
				"table":  row.Table,
				"mirror": i,
			}).Warn("mirror write failed")
		}
	}
	return err
}
