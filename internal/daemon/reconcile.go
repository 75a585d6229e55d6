package daemon

import (
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/taskrecord"
)

const interruptedMessage = "interrupted: orchestrator restarted"

// Repair describes one record changed by Reconcile.
type Repair struct {
	Record string
	Detail string
}

// Reconcile runs before the loop starts. No execution survives a restart, so any
// record still IN_PROGRESS is failed; unreadable records are quarantined.
func (o *Orchestrator) Reconcile() []Repair {
	recs, unreadable, err := o.records.ListByStatus(model.StatusInProgress)
	if err != nil {
		o.logger.Warn().Err(err).Msg("reconcile_scan_failed")
		return nil
	}
	moved := o.quarantine(unreadable)

	var repairs []Repair
	for _, rec := range recs {
		err := o.records.Finalize(rec.Path, taskrecord.Outcome{Status: model.StatusFailed, Error: interruptedMessage})
		if err != nil {
			o.logger.Error().Str("record", rec.Rel).Err(err).Msg("reconcile_failed")
			continue
		}
		o.logger.Warn().Str("record", rec.Rel).Str("execution_id", rec.Header.ExecutionID).Msg("reconciled_interrupted")
		repairs = append(repairs, Repair{Record: rec.Rel, Detail: interruptedMessage})
	}
	for _, p := range moved {
		repairs = append(repairs, Repair{Record: o.records.Rel(p), Detail: "quarantined"})
	}
	return repairs
}
