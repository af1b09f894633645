package billing

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/internal/money"
	"github.com/odyssey-erp/tuition-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/tuition-ledger/internal/slip"
	"github.com/odyssey-erp/tuition-ledger/internal/tuition"
)

// Handler exposes billing operations as JSON endpoints.
type Handler struct {
	logger       *slog.Logger
	generation   *GenerationService
	batch        *BatchFeeService
	slips        *SlipService
	ledger       *ledger.Service
	tuition      *TuitionService
	validate     *validator.Validate
	webhookToken string
	clock        func() time.Time
}

// NewHandler builds Handler instance. When webhookToken is set, slip webhooks must send
// it in the X-Webhook-Token header.
func NewHandler(logger *slog.Logger, generation *GenerationService, batch *BatchFeeService, slips *SlipService, ledgerSvc *ledger.Service, tuitionSvc *TuitionService, webhookToken string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:       logger,
		generation:   generation,
		batch:        batch,
		slips:        slips,
		ledger:       ledgerSvc,
		tuition:      tuitionSvc,
		validate:     validator.New(),
		webhookToken: webhookToken,
		clock:        time.Now,
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/students/{studentID}", func(r chi.Router) {
		r.Get("/installments", h.listInstallments)
		r.Post("/installments/generate", h.generateInstallments)
		r.Post("/slips", h.issueSlips)
		r.Post("/sequence", h.sequence)
		r.Put("/tuition", h.updateTuition)
	})
	r.Post("/units/{unit}/fees", h.generateUnitFees)
	r.Post("/installments/{id}/settle", h.settle)
	r.Delete("/installments/{id}", h.deleteInstallment)
	r.Post("/tuition/preview", h.previewTuition)
	r.Post("/webhooks/slips", h.slipWebhook)
}

// flexAmount accepts amounts sent either as JSON strings or numbers.
type flexAmount struct {
	raw json.RawMessage
}

func (a *flexAmount) UnmarshalJSON(data []byte) error {
	a.raw = append(a.raw[:0], data...)
	return nil
}

// value returns nil when absent, the string when quoted and a decimal otherwise.
func (a flexAmount) value() (any, error) {
	raw := bytes.TrimSpace(a.raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: amount %s", httpx.ErrBadRequest, raw)
	}
	return d, nil
}

func (a flexAmount) decimal() (decimal.Decimal, error) {
	v, err := a.value()
	if err != nil || v == nil {
		return decimal.Zero, err
	}
	if s, ok := v.(string); ok {
		d, err := money.Parse(s)
		if err != nil {
			return decimal.Zero, invalid("", err.Error(), "amount")
		}
		return d, nil
	}
	return v.(decimal.Decimal), nil
}

type generateInput struct {
	StartMonth int        `json:"start_month" validate:"required,min=1,max=12"`
	EndMonth   int        `json:"end_month" validate:"required,min=1,max=12,gtefield=StartMonth"`
	Year       int        `json:"year" validate:"required,min=2000,max=2100"`
	Value      flexAmount `json:"value"`
	WithSlips  bool       `json:"with_slips"`
	Confirm    bool       `json:"confirm"`
}

type installmentView struct {
	ledger.Installment
	DisplayValue string `json:"display_value"`
}

func viewsOf(items []ledger.Installment) []installmentView {
	out := make([]installmentView, 0, len(items))
	for _, inst := range items {
		out = append(out, installmentView{Installment: inst, DisplayValue: money.Format(inst.Value)})
	}
	return out
}

func (h *Handler) generateInstallments(w http.ResponseWriter, r *http.Request) {
	var in generateInput
	if err := h.decode(r, &in); err != nil {
		h.respondError(w, err)
		return
	}
	value, err := in.Value.value()
	if err != nil {
		h.respondError(w, err)
		return
	}
	studentID := chi.URLParam(r, "studentID")
	res, err := h.generation.Generate(r.Context(), GenerateRequest{
		StudentID:  studentID,
		StartMonth: time.Month(in.StartMonth),
		EndMonth:   time.Month(in.EndMonth),
		Year:       in.Year,
		Value:      value,
		WithSlips:  in.WithSlips,
		Confirmed:  in.Confirm,
	})
	if err != nil {
		h.logger.Error("generate installments", slog.String("student_id", studentID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	status := http.StatusOK
	if res.Count() > 0 {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, map[string]any{
		"created":       res.Count(),
		"skipped":       len(res.Skipped),
		"failed":        len(res.Installments.Failed),
		"slip_failures": len(res.Slips.Failed),
		"slip_skipped":  res.SlipSkipped,
		"series_base":   res.Series.Base,
		"anchored":      res.Anchored,
		"exempt":        res.Exempt,
		"shared":        res.Shared,
		"summary":       res.Summary(),
		"installments":  viewsOf(res.Installments.Succeeded),
		"errors":        errorStrings(res.Installments.Errors(), res.Slips.Errors()),
	})
}

func (h *Handler) listInstallments(w http.ResponseWriter, r *http.Request) {
	status, err := ledger.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	items, err := h.ledger.ListForStudent(r.Context(), chi.URLParam(r, "studentID"), status)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"installments": viewsOf(items)})
}

func (h *Handler) issueSlips(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	res, err := h.slips.IssuePending(r.Context(), studentID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"issued":       res.IssuedCount(),
		"failed":       res.FailedCount(),
		"ineligible":   res.Ineligible,
		"installments": viewsOf(res.Issued.Succeeded),
		"errors":       errorStrings(res.Issued.Errors()),
	})
}

type sequenceInput struct {
	Year int `json:"year" validate:"required,min=2000,max=2100"`
}

func (h *Handler) sequence(w http.ResponseWriter, r *http.Request) {
	var in sequenceInput
	if err := h.decode(r, &in); err != nil {
		h.respondError(w, err)
		return
	}
	res, err := h.generation.Sequence(r.Context(), chi.URLParam(r, "studentID"), in.Year)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"series_base":  res.Series.Base,
		"anchored":     res.Anchored,
		"assigned":     len(res.Assigned.Succeeded),
		"failed":       len(res.Assigned.Failed),
		"installments": viewsOf(res.Installments),
	})
}

type tuitionInput struct {
	Base        flexAmount    `json:"base_tuition_value"`
	Discount    flexAmount    `json:"discount_percent"`
	Final       flexAmount    `json:"final_tuition_value"`
	Scholarship *bool         `json:"is_scholarship"`
	Edited      tuition.Field `json:"edited" validate:"omitempty,oneof=base discount final"`
}

func (in tuitionInput) profile() (tuition.Profile, error) {
	var p tuition.Profile
	var err error
	if p.Base, err = in.Base.decimal(); err != nil {
		return p, err
	}
	if p.Discount, err = in.Discount.decimal(); err != nil {
		return p, err
	}
	if p.Final, err = in.Final.decimal(); err != nil {
		return p, err
	}
	return p, nil
}

func (in tuitionInput) edit(p tuition.Profile) TuitionEdit {
	e := TuitionEdit{Field: in.Edited, Scholarship: in.Scholarship}
	switch in.Edited {
	case tuition.FieldBase:
		e.Value = p.Base
	case tuition.FieldDiscount:
		e.Value = p.Discount
	case tuition.FieldFinal:
		e.Value = p.Final
	}
	return e
}

func (h *Handler) previewTuition(w http.ResponseWriter, r *http.Request) {
	var in tuitionInput
	if err := h.decode(r, &in); err != nil {
		h.respondError(w, err)
		return
	}
	p, err := in.profile()
	if err != nil {
		h.respondError(w, err)
		return
	}
	if in.Edited == tuition.FieldNone {
		p.LastEdited = tuition.FieldBase
		p = p.Recompute()
	}
	p = in.edit(p).Apply(p)
	httpx.JSON(w, http.StatusOK, p.Display())
}

func (h *Handler) updateTuition(w http.ResponseWriter, r *http.Request) {
	var in tuitionInput
	if err := h.decode(r, &in); err != nil {
		h.respondError(w, err)
		return
	}
	p, err := in.profile()
	if err != nil {
		h.respondError(w, err)
		return
	}
	if in.Edited == tuition.FieldNone && in.Scholarship == nil {
		h.respondError(w, invalid("", "nothing to update", "edited", "is_scholarship"))
		return
	}
	updated, err := h.tuition.Update(r.Context(), chi.URLParam(r, "studentID"), in.edit(p))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated.Display())
}

type unitFeesInput struct {
	Month        int        `json:"month" validate:"required,min=1,max=12"`
	Year         int        `json:"year" validate:"required,min=2000,max=2100"`
	DefaultValue flexAmount `json:"default_value"`
	WithSlips    bool       `json:"with_slips"`
	Confirm      bool       `json:"confirm"`
}

func (h *Handler) generateUnitFees(w http.ResponseWriter, r *http.Request) {
	var in unitFeesInput
	if err := h.decode(r, &in); err != nil {
		h.respondError(w, err)
		return
	}
	def, err := in.DefaultValue.value()
	if err != nil {
		h.respondError(w, err)
		return
	}
	unit := chi.URLParam(r, "unit")
	res, err := h.batch.GenerateForUnit(r.Context(), UnitRequest{
		Unit:         unit,
		Month:        time.Month(in.Month),
		Year:         in.Year,
		DefaultValue: def,
		WithSlips:    in.WithSlips,
		Confirmed:    in.Confirm,
	})
	if err != nil {
		h.logger.Error("generate unit fees", slog.String("unit", unit), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	failures := make([]map[string]string, 0, len(res.Students.Failed))
	for _, f := range res.Students.Failed {
		failures = append(failures, map[string]string{"student_id": f.Input.StudentID, "error": f.Err.Error()})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"unit":            res.Unit,
		"reference_month": res.Reference,
		"created":         len(res.Created()),
		"students":        res.Students.Total(),
		"skipped":         res.Skipped(),
		"exempt":          res.Exempt(),
		"blocked":         res.Blocked,
		"slip_failures":   res.SlipFailures,
		"failures":        failures,
		"summary":         res.Summary(),
	})
}

type settleInput struct {
	PaidAt *time.Time `json:"paid_at"`
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	var in settleInput
	if err := h.decode(r, &in); err != nil {
		h.respondError(w, err)
		return
	}
	paidAt := h.clock()
	if in.PaidAt != nil {
		paidAt = *in.PaidAt
	}
	inst, err := h.ledger.Settle(r.Context(), chi.URLParam(r, "id"), paidAt)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewsOf([]ledger.Installment{*inst})[0])
}

func (h *Handler) deleteInstallment(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		h.respondError(w, ErrNotConfirmed)
		return
	}
	if err := h.ledger.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// slipNotification covers the generic gateway payload and Midtrans notifications.
type slipNotification struct {
	ID                string     `json:"id"`
	ExternalPaymentID string     `json:"external_payment_id"`
	OrderID           string     `json:"order_id"`
	Status            string     `json:"status"`
	TransactionStatus string     `json:"transaction_status"`
	PaidAt            *time.Time `json:"paid_at"`
}

func (n slipNotification) externalID() string {
	for _, v := range []string{n.ExternalPaymentID, n.ID, n.OrderID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (n slipNotification) paid() bool {
	status := n.Status
	if status == "" {
		status = n.TransactionStatus
	}
	switch strings.ToLower(status) {
	case "paid", "approved", "settlement", "capture":
		return true
	}
	return false
}

func (h *Handler) slipWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Token")), []byte(h.webhookToken)) != 1 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid webhook token")
		return
	}
	var n slipNotification
	if err := httpx.DecodeJSON(r, &n); err != nil {
		h.respondError(w, err)
		return
	}
	if !n.paid() {
		httpx.JSON(w, http.StatusAccepted, map[string]any{"ignored": true})
		return
	}
	paidAt := h.clock()
	if n.PaidAt != nil {
		paidAt = *n.PaidAt
	}
	inst, err := h.ledger.ConfirmExternal(r.Context(), n.externalID(), paidAt)
	if err != nil {
		h.logger.Warn("slip webhook", slog.String("external_payment_id", n.externalID()), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewsOf([]ledger.Installment{*inst})[0])
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	if err := h.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return invalid("", "request rejected", fields...)
		}
		return fmt.Errorf("%w: %v", httpx.ErrBadRequest, err)
	}
	return nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, slip.ErrNothingEligible):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Nothing Eligible", err.Error())
	case errors.Is(err, slip.ErrGatewayNotConfigured):
		httpx.Problem(w, http.StatusServiceUnavailable, "Slip Gateway Unavailable", err.Error())
	case slip.IsGatewayError(err):
		httpx.Problem(w, http.StatusBadGateway, "Slip Gateway Error", err.Error())
	case errors.Is(err, ledger.ErrExternalIDRequired), errors.Is(err, ErrStudentBlocked):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ledger.ErrDocumentNumberAssigned):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}

func errorStrings(groups ...[]error) []string {
	var out []string
	for _, errs := range groups {
		for _, err := range errs {
			out = append(out, err.Error())
		}
	}
	return out
}
