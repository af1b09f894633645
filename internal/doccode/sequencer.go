// Package doccode assigns the human-facing billing codes printed on payment slips.
//
// All installments of one student within a billing cycle share a base; each code is
// base + month number, so codes grow with the calendar month and a single anchored
// code is enough to recover the whole series. Codes are labels, not keys: two
// students may draw overlapping series.
package doccode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/shared"
)

const (
	// MinBase and MaxBase bound fresh bases so every code in a series has six digits.
	MinBase int64 = 100000
	MaxBase int64 = 999999 - 12
)

// ErrInvalidCode indicates a stored code that is not a plain integer.
var ErrInvalidCode = errors.New("doccode: document number is not numeric")

// Series is the arithmetic relationship code = Base + month index.
type Series struct {
	Base int64
}

// Code returns the billing code for the reference month.
func (s Series) Code(ref ledger.ReferenceMonth) string {
	return strconv.FormatInt(s.Base+int64(ref.Index()), 10)
}

// FromAnchor derives the series from an already assigned code.
func FromAnchor(code string, ref ledger.ReferenceMonth) (Series, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(code), 10, 64)
	if err != nil {
		return Series{}, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return Series{Base: n - int64(ref.Index())}, nil
}

// CodeStore persists codes. Implementations must refuse to overwrite an existing code.
type CodeStore interface {
	AssignDocumentNumber(ctx context.Context, id, code string) error
}

// Sequencer resolves and assigns billing code series.
type Sequencer struct {
	store  CodeStore
	logger *slog.Logger
	draw   func() int64
}

// NewSequencer constructs a sequencer drawing fresh bases from math/rand.
func NewSequencer(store CodeStore, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		store:  store,
		logger: logger,
		draw: func() int64 {
			return MinBase + rand.Int64N(MaxBase-MinBase+1)
		},
	}
}

// WithSource replaces the base generator; used for deterministic tests.
func (s *Sequencer) WithSource(draw func() int64) *Sequencer {
	if draw != nil {
		s.draw = draw
	}
	return s
}

// NewSeries draws a fresh base.
func (s *Sequencer) NewSeries() Series {
	return Series{Base: s.draw()}
}

// ResolveSeries returns the series anchored on the earliest installment that already
// carries a numeric code, or a fresh series when none does. The boolean reports
// whether an anchor was found.
func (s *Sequencer) ResolveSeries(items []ledger.Installment) (Series, bool) {
	for _, inst := range sortedByMonth(items) {
		if !inst.HasDocumentNumber() {
			continue
		}
		series, err := FromAnchor(inst.DocumentNumber, inst.Reference)
		if err != nil {
			s.logger.Warn("skip non-numeric anchor",
				slog.String("installment_id", inst.ID),
				slog.String("document_number", inst.DocumentNumber))
			continue
		}
		return series, true
	}
	return s.NewSeries(), false
}

// Result describes one EnsureSequential run.
type Result struct {
	Installments []ledger.Installment
	Series       Series
	Anchored     bool
	Assigned     shared.BatchResult[ledger.Installment]
}

// EnsureSequential assigns codes to every installment of the set that lacks one,
// keeping existing codes untouched. Persistence failures are recorded per item and do
// not stop the remaining assignments. The set is expected to hold one billing cycle.
func (s *Sequencer) EnsureSequential(ctx context.Context, items []ledger.Installment) Result {
	if len(items) == 0 {
		return Result{Installments: items}
	}
	series, anchored := s.ResolveSeries(items)
	res := Result{Series: series, Anchored: anchored}
	out := make([]ledger.Installment, len(items))
	copy(out, items)
	for i := range out {
		if out[i].HasDocumentNumber() {
			continue
		}
		code := series.Code(out[i].Reference)
		if err := s.store.AssignDocumentNumber(ctx, out[i].ID, code); err != nil {
			s.logger.Warn("assign document number",
				slog.String("installment_id", out[i].ID),
				slog.String("code", code),
				slog.Any("error", err))
			res.Assigned.Fail(out[i], err)
			continue
		}
		out[i].DocumentNumber = code
		res.Assigned.Ok(out[i])
	}
	res.Installments = out
	return res
}

func sortedByMonth(items []ledger.Installment) []ledger.Installment {
	sorted := make([]ledger.Installment, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Reference.Before(sorted[j].Reference)
	})
	return sorted
}
