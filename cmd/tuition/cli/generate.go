package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/odyssey-erp/tuition-ledger/internal/billing"
	"github.com/odyssey-erp/tuition-ledger/internal/ledger"
)

// GenerateMode enumerates supported execution strategies.
type GenerateMode string

const (
	// GenerateModeDry previews the months that would be billed.
	GenerateModeDry GenerateMode = "dry"
	// GenerateModeApply writes installments after confirmation.
	GenerateModeApply GenerateMode = "apply"
)

// Generator creates installments for a student.
type Generator interface {
	Generate(ctx context.Context, req billing.GenerateRequest) (billing.GenerateResult, error)
}

// InstallmentLister reads a student's current installments.
type InstallmentLister interface {
	ListForStudent(ctx context.Context, studentID string, status *ledger.Status) ([]ledger.Installment, error)
}

// BillingCLI exposes operator helpers around installment generation.
type BillingCLI struct {
	generator Generator
	lister    InstallmentLister
}

// NewBillingCLI constructs the helper.
func NewBillingCLI(generator Generator, lister InstallmentLister) (*BillingCLI, error) {
	if generator == nil || lister == nil {
		return nil, errors.New("billing cli: generator and lister required")
	}
	return &BillingCLI{generator: generator, lister: lister}, nil
}

// GenerateOptions configures the generate command execution.
type GenerateOptions struct {
	StudentID  string
	From       int
	To         int
	Year       int
	Value      string
	WithSlips  bool
	Mode       GenerateMode
	Yes        bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
	Stdin      io.Reader
	Confirm    func(io.Reader, io.Writer, GeneratePlan) (bool, error)
}

// GeneratePlan is the structured outcome of the command.
type GeneratePlan struct {
	StudentID    string       `json:"student_id"`
	Mode         GenerateMode `json:"mode"`
	Year         int          `json:"year"`
	Pending      []string     `json:"pending"`
	Existing     []string     `json:"existing"`
	Created      []PlanItem   `json:"created,omitempty"`
	Failed       []string     `json:"failed,omitempty"`
	SlipFailures int          `json:"slip_failures,omitempty"`
	Summary      string       `json:"summary,omitempty"`
}

// PlanItem summarises one created installment.
type PlanItem struct {
	Reference      string `json:"reference_month"`
	DocumentNumber string `json:"document_number"`
	Value          string `json:"value"`
	DueDate        string `json:"due_date"`
}

// GenerateCommand executes the generate workflow and returns the process exit code.
// A dry run exits 10 when months are still missing.
func (c *BillingCLI) GenerateCommand(ctx context.Context, opts GenerateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Mode == "" {
		opts.Mode = GenerateModeDry
	}
	mode := GenerateMode(strings.ToLower(string(opts.Mode)))
	switch mode {
	case GenerateModeDry, GenerateModeApply:
	default:
		fmt.Fprintf(opts.Stderr, "generate: invalid mode %q (expected dry or apply)\n", opts.Mode)
		return 1
	}
	studentID := strings.TrimSpace(opts.StudentID)
	if studentID == "" {
		fmt.Fprintln(opts.Stderr, "generate: --student is required")
		return 1
	}
	if opts.From < 1 || opts.To > 12 || opts.From > opts.To {
		fmt.Fprintf(opts.Stderr, "generate: invalid month range %d..%d\n", opts.From, opts.To)
		return 1
	}
	if opts.Year < 1 {
		fmt.Fprintf(opts.Stderr, "generate: invalid --year %d\n", opts.Year)
		return 1
	}

	existing, err := c.lister.ListForStudent(ctx, studentID, nil)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "generate: list installments: %v\n", err)
		return 1
	}
	plan := buildPlan(studentID, mode, opts.Year, opts.From, opts.To, existing)

	if mode == GenerateModeDry {
		if err := writePlan(opts, plan); err != nil {
			fmt.Fprintf(opts.Stderr, "generate: %v\n", err)
			return 1
		}
		if len(plan.Pending) > 0 {
			return 10
		}
		return 0
	}
	if len(plan.Pending) == 0 {
		plan.Summary = "nothing to generate"
		if err := writePlan(opts, plan); err != nil {
			fmt.Fprintf(opts.Stderr, "generate: %v\n", err)
			return 1
		}
		return 0
	}

	if !opts.Yes {
		confirm := opts.Confirm
		if confirm == nil {
			confirm = defaultGenerateConfirm
		}
		ok, err := confirm(opts.Stdin, opts.Stdout, plan)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "generate: confirmation failed: %v\n", err)
			return 1
		}
		if !ok {
			fmt.Fprintln(opts.Stderr, "generate: cancelled by user")
			return 1
		}
	}

	var value any
	if v := strings.TrimSpace(opts.Value); v != "" {
		value = v
	}
	res, err := c.generator.Generate(ctx, billing.GenerateRequest{
		StudentID:  studentID,
		StartMonth: time.Month(opts.From),
		EndMonth:   time.Month(opts.To),
		Year:       opts.Year,
		Value:      value,
		WithSlips:  opts.WithSlips,
		Confirmed:  true,
	})
	if err != nil {
		fmt.Fprintf(opts.Stderr, "generate: apply failed: %v\n", err)
		return 1
	}
	for _, inst := range res.Installments.Succeeded {
		plan.Created = append(plan.Created, PlanItem{
			Reference:      inst.Reference.String(),
			DocumentNumber: inst.DocumentNumber,
			Value:          inst.Value.StringFixed(2),
			DueDate:        inst.DueDate.Format("2006-01-02"),
		})
	}
	for _, f := range res.Installments.Failed {
		plan.Failed = append(plan.Failed, fmt.Sprintf("%s: %v", f.Input.Reference, f.Err))
	}
	plan.SlipFailures = len(res.Slips.Failed)
	plan.Summary = res.Summary()
	if err := writePlan(opts, plan); err != nil {
		fmt.Fprintf(opts.Stderr, "generate: %v\n", err)
		return 1
	}
	if res.Installments.HasFailures() {
		return 2
	}
	return 0
}

func buildPlan(studentID string, mode GenerateMode, year, from, to int, existing []ledger.Installment) GeneratePlan {
	have := make(map[ledger.ReferenceMonth]bool, len(existing))
	for _, inst := range existing {
		have[inst.Reference] = true
	}
	plan := GeneratePlan{StudentID: studentID, Mode: mode, Year: year, Pending: []string{}, Existing: []string{}}
	for m := from; m <= to; m++ {
		ref := ledger.NewReferenceMonth(year, time.Month(m))
		if have[ref] {
			plan.Existing = append(plan.Existing, ref.String())
			continue
		}
		plan.Pending = append(plan.Pending, ref.String())
	}
	return plan
}

func writePlan(opts GenerateOptions, plan GeneratePlan) error {
	if opts.JSONOutput {
		return json.NewEncoder(opts.Stdout).Encode(plan)
	}
	renderPlanHuman(opts.Stdout, plan)
	return nil
}

func renderPlanHuman(out io.Writer, plan GeneratePlan) {
	fmt.Fprintf(out, "Installments (%s) for student %s, %d\n", plan.Mode, plan.StudentID, plan.Year)
	if len(plan.Existing) > 0 {
		fmt.Fprintf(out, "Already billed: %s\n", strings.Join(plan.Existing, ", "))
	}
	if len(plan.Pending) == 0 {
		fmt.Fprintln(out, "No months to generate.")
	} else {
		fmt.Fprintf(out, "To generate: %s\n", strings.Join(plan.Pending, ", "))
	}
	if len(plan.Created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, item := range plan.Created {
			fmt.Fprintf(out, " - %s code %s value %s due %s\n", item.Reference, item.DocumentNumber, item.Value, item.DueDate)
		}
	}
	for _, f := range plan.Failed {
		fmt.Fprintf(out, " ! %s\n", f)
	}
	if plan.Summary != "" {
		fmt.Fprintln(out, plan.Summary)
	}
}

func defaultGenerateConfirm(r io.Reader, w io.Writer, plan GeneratePlan) (bool, error) {
	fmt.Fprintf(w, "Generate %d installment(s) for student %s? Type YES to confirm: ", len(plan.Pending), plan.StudentID)
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.TrimSpace(line) == "YES", nil
}
