package runtime

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/dagwork/dagwork/internal/config"
	"github.com/dagwork/dagwork/internal/controlflow"
	"github.com/dagwork/dagwork/internal/dag"
	"github.com/dagwork/dagwork/internal/events"
	"github.com/dagwork/dagwork/internal/roles"
	"github.com/dagwork/dagwork/internal/session"
	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/telemetry"
	"github.com/dagwork/dagwork/internal/types"
)

// StopReason says why a run ended.
type StopReason string

// Stop reasons.
const (
	StopRootFinal         StopReason = "root_final"
	StopNoExecutableLeaf  StopReason = "no_executable_leaf"
	StopMaxStepsExhausted StopReason = "max_steps_exhausted"
	StopError             StopReason = "error"
)

// Step records one select/execute/maintain cycle.
type Step struct {
	N                 int                 `json:"n"`
	IssueID           string              `json:"issue_id"`
	Route             Route               `json:"route"`
	Role              string              `json:"role"`
	Team              string              `json:"team"`
	Execution         *ExecutionResult    `json:"execution,omitempty"`
	Maintenance       *controlflow.Report `json:"maintenance,omitempty"`
	TerminationBefore dag.Termination     `json:"termination_before"`
	TerminationAfter  dag.Termination     `json:"termination_after"`
}

// RunReport summarizes a completed run.
type RunReport struct {
	RunID       string          `json:"run_id"`
	RootID      string          `json:"root_id"`
	StopReason  StopReason      `json:"stop_reason"`
	Error       string          `json:"error,omitempty"`
	Steps       []Step          `json:"steps"`
	Termination dag.Termination `json:"termination"`
}

// Runner executes the orchestration loop over one root until the root
// settles, work runs out, the step budget is spent, or a session fails.
type Runner struct {
	store      storage.Store
	planner    *Planner
	orch       *Orchestrator
	adapter    *Adapter
	reconciler *controlflow.Reconciler
	validator  *dag.Validator
	cfg        config.Config
	log        *log.Logger

	// FullMaintenance switches reconciliation from the default walk up
	// the executed issue's ancestor chain to a full subtree scan per
	// step. Both reach the same fixpoint; the scan also catches changes
	// made outside the runner.
	FullMaintenance bool

	// Resume lets selection pick up stalled in_progress issues before
	// claiming new work; off, they are left for their claimant.
	Resume bool

	// Tags restricts selection to issues carrying all of them.
	Tags []string
}

// NewRunner wires a runner from its collaborators.
func NewRunner(store storage.Store, catalog *roles.Catalog, sessions session.Runner, cfg config.Config, sink events.Sink, poster Poster, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(log.Writer(), "run: ", log.LstdFlags)
	}
	return &Runner{
		store:      store,
		planner:    NewPlanner(store, logger),
		orch:       NewOrchestrator(store, catalog, cfg, sink, logger),
		adapter:    NewAdapter(store, sessions, cfg, sink, poster, logger),
		reconciler: controlflow.NewReconciler(store, sink, logger),
		validator:  dag.New(store),
		cfg:        cfg,
		log:        logger,
	}
}

// Run drives the loop over rootID. The returned report is non-nil even
// when err is non-nil, carrying the steps completed so far.
func (r *Runner) Run(ctx context.Context, rootID string) (*RunReport, error) {
	report := &RunReport{
		RunID:  "run-" + uuid.NewString()[:8],
		RootID: rootID,
	}
	runTopic := events.RunTopic(report.RunID)
	filter := types.WorkFilter{RootID: rootID, Tags: r.Tags}

	for n := 1; n <= r.cfg.MaxSteps; n++ {
		if err := ctx.Err(); err != nil {
			report.StopReason = StopError
			report.Error = err.Error()
			return report, err
		}

		before, err := r.validator.ValidateSubtree(ctx, rootID)
		if err != nil {
			report.StopReason = StopError
			report.Error = err.Error()
			return report, err
		}
		report.Termination = before.Termination
		if before.Termination.IsFinal {
			report.StopReason = StopRootFinal
			return report, nil
		}

		claim, err := r.planner.SelectNext(ctx, filter, r.Resume)
		if err != nil {
			report.StopReason = StopError
			report.Error = err.Error()
			return report, err
		}
		if claim == nil {
			// Nothing claimable. Control nodes may still be waiting on a
			// reconcile pass; run one and look again before giving up.
			if _, err := r.reconciler.ReconcileSubtree(ctx, rootID, runTopic); err != nil {
				report.StopReason = StopError
				report.Error = err.Error()
				return report, err
			}
			after, err := r.validator.ValidateSubtree(ctx, rootID)
			if err != nil {
				report.StopReason = StopError
				report.Error = err.Error()
				return report, err
			}
			report.Termination = after.Termination
			if after.Termination.IsFinal {
				report.StopReason = StopRootFinal
			} else {
				report.StopReason = StopNoExecutableLeaf
			}
			return report, nil
		}

		step := Step{N: n, IssueID: claim.ID, TerminationBefore: before.Termination}
		sel, err := r.orch.BuildSelection(ctx, claim, rootID, runTopic)
		if err != nil {
			report.Steps = append(report.Steps, step)
			report.StopReason = StopError
			report.Error = err.Error()
			return report, err
		}
		step.Route = sel.Route
		step.Role = sel.Role.Name
		step.Team = sel.Team

		execRes, err := r.adapter.Execute(ctx, sel, runTopic)
		if err != nil {
			report.Steps = append(report.Steps, step)
			report.StopReason = StopError
			report.Error = err.Error()
			return report, err
		}
		step.Execution = execRes

		maintenance, err := r.maintain(ctx, claim.ID, rootID, runTopic)
		if err != nil {
			report.Steps = append(report.Steps, step)
			report.StopReason = StopError
			report.Error = err.Error()
			return report, err
		}
		step.Maintenance = maintenance

		after, err := r.validator.ValidateSubtree(ctx, rootID)
		if err != nil {
			report.Steps = append(report.Steps, step)
			report.StopReason = StopError
			report.Error = err.Error()
			return report, err
		}
		step.TerminationAfter = after.Termination
		report.Termination = after.Termination
		report.Steps = append(report.Steps, step)
		telemetry.RecordRunStep(ctx)
		r.log.Printf("step %d: %s %s as %s/%s success=%t", n, sel.Route, claim.ID, step.Team, step.Role, execRes.Success)

		if !execRes.Success {
			report.StopReason = StopError
			report.Error = execRes.Error
			return report, nil
		}
		if after.Termination.IsFinal {
			report.StopReason = StopRootFinal
			return report, nil
		}
	}

	report.StopReason = StopMaxStepsExhausted
	return report, nil
}

// maintain runs post-execution reconciliation with the configured
// strategy.
func (r *Runner) maintain(ctx context.Context, issueID, rootID, runTopic string) (*controlflow.Report, error) {
	if r.FullMaintenance {
		return r.reconciler.ReconcileSubtree(ctx, rootID, runTopic)
	}
	return r.reconciler.ReconcileAncestors(ctx, issueID, runTopic)
}

// Validate is a convenience passthrough for pre-run checks.
func (r *Runner) Validate(ctx context.Context, rootID string) (*dag.Report, error) {
	rep, err := r.validator.ValidateDAG(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if !rep.OK() {
		return rep, fmt.Errorf("dag has %d validation errors", len(rep.Errors))
	}
	return rep, nil
}
