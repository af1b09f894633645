package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/tuition-ledger/internal/billing"
	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
	"github.com/odyssey-erp/tuition-ledger/jobs"
)

type stubLister struct {
	items []ledger.Installment
	err   error
}

func (s stubLister) ListForStudent(context.Context, string, *ledger.Status) ([]ledger.Installment, error) {
	return s.items, s.err
}

type stubGenerator struct {
	got *billing.GenerateRequest
	res billing.GenerateResult
	err error
}

func (s *stubGenerator) Generate(_ context.Context, req billing.GenerateRequest) (billing.GenerateResult, error) {
	s.got = &req
	return s.res, s.err
}

func existingMarch() []ledger.Installment {
	return []ledger.Installment{{ID: "inst-03", StudentID: "stu-1", Reference: ledger.NewReferenceMonth(2026, time.March)}}
}

func TestGenerateDryRunListsPendingMonths(t *testing.T) {
	gen := &stubGenerator{}
	c, err := NewBillingCLI(gen, stubLister{items: existingMarch()})
	require.NoError(t, err)

	var out bytes.Buffer
	code := c.GenerateCommand(context.Background(), GenerateOptions{
		StudentID:  "stu-1",
		From:       2,
		To:         4,
		Year:       2026,
		JSONOutput: true,
		Stdout:     &out,
		Stderr:     io.Discard,
	})
	require.Equal(t, 10, code)
	require.Nil(t, gen.got)

	var plan GeneratePlan
	require.NoError(t, json.Unmarshal(out.Bytes(), &plan))
	require.Equal(t, GenerateModeDry, plan.Mode)
	require.Equal(t, []string{"02/2026", "04/2026"}, plan.Pending)
	require.Equal(t, []string{"03/2026"}, plan.Existing)
}

func TestGenerateDryRunNothingPending(t *testing.T) {
	c, err := NewBillingCLI(&stubGenerator{}, stubLister{items: existingMarch()})
	require.NoError(t, err)
	var out bytes.Buffer
	code := c.GenerateCommand(context.Background(), GenerateOptions{StudentID: "stu-1", From: 3, To: 3, Year: 2026, Stdout: &out, Stderr: io.Discard})
	require.Equal(t, 0, code)
	require.Contains(t, out.String(), "No months to generate.")
}

func TestGenerateApplyRequiresConfirmation(t *testing.T) {
	gen := &stubGenerator{}
	c, err := NewBillingCLI(gen, stubLister{})
	require.NoError(t, err)

	var stderr bytes.Buffer
	code := c.GenerateCommand(context.Background(), GenerateOptions{
		StudentID: "stu-1", From: 1, To: 12, Year: 2026, Mode: GenerateModeApply,
		Stdin: strings.NewReader("no\n"), Stdout: io.Discard, Stderr: &stderr,
	})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "cancelled")
	require.Nil(t, gen.got)
}

func TestGenerateApplyWritesInstallments(t *testing.T) {
	inst := ledger.Installment{
		ID:             "inst-01",
		StudentID:      "stu-1",
		Reference:      ledger.NewReferenceMonth(2026, time.January),
		Value:          decimal.RequireFromString("450.5"),
		DueDate:        time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		DocumentNumber: "700001",
	}
	gen := &stubGenerator{}
	gen.res.Installments.Ok(inst)
	gen.res.Slips.Fail(inst, errors.New("gateway down"))
	c, err := NewBillingCLI(gen, stubLister{})
	require.NoError(t, err)

	var out bytes.Buffer
	code := c.GenerateCommand(context.Background(), GenerateOptions{
		StudentID: "stu-1", From: 1, To: 1, Year: 2026, Value: "450,50", WithSlips: true,
		Mode: "APPLY", Stdin: strings.NewReader("YES\n"), Stdout: &out, Stderr: io.Discard,
	})
	require.Equal(t, 0, code)
	require.NotNil(t, gen.got)
	require.True(t, gen.got.Confirmed)
	require.True(t, gen.got.WithSlips)
	require.Equal(t, "450,50", gen.got.Value)
	require.Equal(t, time.January, gen.got.StartMonth)
	require.Contains(t, out.String(), "01/2026 code 700001 value 450.50 due 2026-01-05")
	require.Contains(t, out.String(), "1 slip failures")
}

func TestGenerateApplyYesSkipsPromptAndReportsFailures(t *testing.T) {
	gen := &stubGenerator{}
	gen.res.Installments.Fail(ledger.Installment{Reference: ledger.NewReferenceMonth(2026, time.May)}, errors.New("db down"))
	c, err := NewBillingCLI(gen, stubLister{})
	require.NoError(t, err)

	var out bytes.Buffer
	code := c.GenerateCommand(context.Background(), GenerateOptions{
		StudentID: "stu-1", From: 5, To: 5, Year: 2026, Mode: GenerateModeApply, Yes: true,
		JSONOutput: true, Stdout: &out, Stderr: io.Discard,
		Confirm: func(io.Reader, io.Writer, GeneratePlan) (bool, error) {
			t.Fatal("confirm must not be called")
			return false, nil
		},
	})
	require.Equal(t, 2, code)
	var plan GeneratePlan
	require.NoError(t, json.Unmarshal(out.Bytes(), &plan))
	require.Equal(t, []string{"05/2026: db down"}, plan.Failed)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	c, err := NewBillingCLI(&stubGenerator{}, stubLister{})
	require.NoError(t, err)
	cases := []GenerateOptions{
		{StudentID: "", From: 1, To: 2, Year: 2026},
		{StudentID: "stu-1", From: 5, To: 2, Year: 2026},
		{StudentID: "stu-1", From: 1, To: 13, Year: 2026},
		{StudentID: "stu-1", From: 1, To: 2, Year: 0},
		{StudentID: "stu-1", From: 1, To: 2, Year: 2026, Mode: "maybe"},
	}
	for _, opts := range cases {
		opts.Stdout, opts.Stderr = io.Discard, io.Discard
		require.Equal(t, 1, c.GenerateCommand(context.Background(), opts))
	}

	failing, err := NewBillingCLI(&stubGenerator{}, stubLister{err: errors.New("db down")})
	require.NoError(t, err)
	require.Equal(t, 1, failing.GenerateCommand(context.Background(), GenerateOptions{StudentID: "stu-1", From: 1, To: 1, Year: 2026, Stdout: io.Discard, Stderr: io.Discard}))

	_, err = NewBillingCLI(nil, stubLister{})
	require.Error(t, err)
}

func TestBuildTask(t *testing.T) {
	task, err := BuildTask("unit_fees", TriggerRequest{Unit: "north", Month: 3, Year: 2026, Force: true})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskUnitFees, task.Type())
	var payload jobs.UnitFeesPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, jobs.UnitFeesPayload{Unit: "north", Month: 3, Year: 2026, Force: true}, payload)

	task, err = BuildTask(jobs.TaskSlipSweep, TriggerRequest{})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskSlipSweep, task.Type())

	_, err = BuildTask("mail:send", TriggerRequest{})
	require.Error(t, err)
}
