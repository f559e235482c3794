package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dagwork/dagwork/internal/controlflow"
	"github.com/dagwork/dagwork/internal/dag"
	"github.com/dagwork/dagwork/internal/forum"
	"github.com/dagwork/dagwork/internal/types"
)

func init() {
	for _, cmd := range []*cobra.Command{readyCmd, resumableCmd} {
		cmd.Flags().String("root", "", "scope to a root's subtree")
		cmd.Flags().StringSlice("tag", nil, "required tags (repeatable)")
		cmd.Flags().IntP("limit", "n", 0, "max results")
	}
	claimCmd.Flags().String("root", "", "re-check readiness within this root's subtree")
	reconcileCmd.Flags().Bool("ancestors", false, "walk up from the given issue instead of scanning the root's subtree")

	rootCmd.AddCommand(readyCmd, resumableCmd, claimCmd, closeCmd, validateCmd, evaluateCmd, reconcileCmd)
}

func workFilter(cmd *cobra.Command) types.WorkFilter {
	var filter types.WorkFilter
	filter.RootID, _ = cmd.Flags().GetString("root")
	filter.Tags, _ = cmd.Flags().GetStringSlice("tag")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	return filter
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List claimable issues: open, unblocked, children settled",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		issues, err := store.Ready(cmd.Context(), workFilter(cmd))
		if err != nil {
			return err
		}
		if emit(issues) {
			return nil
		}
		for _, issue := range issues {
			fmt.Println(renderIssueLine(issue))
		}
		return nil
	},
}

var resumableCmd = &cobra.Command{
	Use:   "resumable",
	Short: "List in-progress issues, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		issues, err := store.Resumable(cmd.Context(), workFilter(cmd))
		if err != nil {
			return err
		}
		if emit(issues) {
			return nil
		}
		for _, issue := range issues {
			fmt.Println(renderIssueLine(issue))
		}
		return nil
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <id>",
	Short: "Atomically claim a ready issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		rootID, _ := cmd.Flags().GetString("root")
		res, err := store.ClaimReadyLeaf(cmd.Context(), args[0], types.WorkFilter{RootID: rootID})
		if err != nil {
			return err
		}
		if emit(res) {
			return nil
		}
		if !res.Claimed {
			fmt.Println(warnStyle.Render("not claimed: ") + args[0] + " is no longer ready")
			return nil
		}
		fmt.Println(okStyle.Render("claimed ") + res.ID)
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <id> <outcome>",
	Short: "Close an issue with a final outcome",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		outcome, err := types.ParseOutcome(args[1])
		if err != nil {
			return err
		}
		issue, err := store.SetStatus(cmd.Context(), args[0], types.StatusClosed, outcome, true)
		if err != nil {
			return err
		}
		if emit(issue) {
			return nil
		}
		fmt.Println(renderIssueLine(issue))
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <root>",
	Short: "Validate DAG structure and report run termination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := dag.New(store).ValidateSubtree(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if emit(report) {
			return nil
		}
		checks := make([]string, 0, len(report.Checks))
		for check := range report.Checks {
			checks = append(checks, check)
		}
		sort.Strings(checks)
		for _, check := range checks {
			if report.Checks[check] {
				fmt.Println(okStyle.Render("pass ") + check)
			} else {
				fmt.Println(errorStyle.Render("FAIL ") + check)
			}
		}
		for _, p := range report.Errors {
			fmt.Printf("%s %s: %s\n", errorStyle.Render(p.Code), p.NodeID, p.Detail)
		}
		for _, p := range report.Warnings {
			fmt.Printf("%s %s: %s\n", warnStyle.Render(p.Code), p.NodeID, p.Detail)
		}
		fmt.Printf("termination: final=%t reason=%s\n", report.Termination.IsFinal, report.Termination.Reason)
		if !report.OK() {
			return fmt.Errorf("%d validation errors", len(report.Errors))
		}
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <id>",
	Short: "Show what a control node would close with, without mutating it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		eval, err := controlflow.NewReconciler(store, nil, nil).EvaluateNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if eval == nil {
			fmt.Println(dimStyle.Render("not yet evaluable"))
			return nil
		}
		if emit(eval) {
			return nil
		}
		fmt.Printf("%s (%s) -> %s over %d children\n", eval.IssueID, eval.ControlFlow, okStyle.Render(string(eval.Outcome)), eval.ChildCount)
		counts := make([]string, 0, len(eval.OutcomeCounts))
		for outcome := range eval.OutcomeCounts {
			counts = append(counts, outcome)
		}
		sort.Strings(counts)
		for _, outcome := range counts {
			fmt.Printf("  %s: %d\n", outcome, eval.OutcomeCounts[outcome])
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <root-or-issue>",
	Short: "Close decided control nodes and prune moot children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		board, err := forum.Open(cmd.Context(), cfg.ForumPath)
		if err != nil {
			return err
		}
		defer board.Close()

		rec := controlflow.NewReconciler(store, board, nil)
		var report *controlflow.Report
		if up, _ := cmd.Flags().GetBool("ancestors"); up {
			report, err = rec.ReconcileAncestors(cmd.Context(), args[0], "")
		} else {
			report, err = rec.ReconcileSubtree(cmd.Context(), args[0], "")
		}
		if err != nil {
			return err
		}
		if emit(report) {
			return nil
		}
		for _, c := range report.Closed {
			fmt.Printf("%s %s (%s) -> %s, pruned %d\n", okStyle.Render("closed"), c.ID, c.Mode, c.Outcome, len(c.Pruned))
		}
		if len(report.Closed) == 0 {
			fmt.Println(dimStyle.Render("nothing to reconcile"))
		}
		return nil
	},
}
