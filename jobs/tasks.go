package jobs

import (
	"encoding/json"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/tuition-ledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskUnitFees generates one month of installments for every student of a unit.
	TaskUnitFees = "billing:unit_fees"
	// TaskSlipSweep issues slips for pending installments that entered the eligibility window.
	TaskSlipSweep = "billing:slip_sweep"
)

// UnitAll selects every configured unit.
const UnitAll = "all"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// UnitFeesPayload scopes a unit fee run. Zero Month/Year means the current billing month.
type UnitFeesPayload struct {
	Unit         string `json:"unit"`
	Month        int    `json:"month,omitempty"`
	Year         int    `json:"year,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
	WithSlips    bool   `json:"with_slips"`
	Force        bool   `json:"force,omitempty"`
}

// SlipSweepPayload scopes a slip sweep.
type SlipSweepPayload struct {
	Unit string `json:"unit"`
}

// NewUnitFeesTask creates an Asynq task for a unit fee run.
func NewUnitFeesTask(payload UnitFeesPayload) (*asynq.Task, error) {
	payload.Unit = normalizeUnit(payload.Unit)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUnitFees, body, asynq.Queue(QueueDefault)), nil
}

// NewSlipSweepTask creates an Asynq task for a slip sweep.
func NewSlipSweepTask(unit string) (*asynq.Task, error) {
	body, err := json.Marshal(SlipSweepPayload{Unit: normalizeUnit(unit)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSlipSweep, body, asynq.Queue(QueueDefault)), nil
}

func normalizeUnit(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return UnitAll
	}
	return unit
}

// resolveUnits expands UnitAll into the configured roster of units.
func resolveUnits(unit string, configured []string) []string {
	unit = normalizeUnit(unit)
	if unit != UnitAll {
		return []string{unit}
	}
	out := make([]string, 0, len(configured))
	for _, u := range configured {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
