package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dagwork/dagwork/internal/forum"
	"github.com/dagwork/dagwork/internal/roles"
	"github.com/dagwork/dagwork/internal/runtime"
	"github.com/dagwork/dagwork/internal/session"
	"github.com/dagwork/dagwork/internal/telemetry"
)

func init() {
	runCmd.Flags().Int("max-steps", 0, "override the configured step budget")
	runCmd.Flags().Bool("full-maintenance", false, "reconcile the whole subtree each step instead of the executed issue's ancestors")
	runCmd.Flags().Bool("skip-validate", false, "skip the structural pre-check")
	runCmd.Flags().Bool("resume", false, "pick up stalled in-progress issues before claiming new work")
	runCmd.Flags().StringSlice("tag", nil, "only work issues carrying all of these tags (repeatable)")
	rootCmd.AddCommand(runCmd, rolesCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <root>",
	Short: "Drive the select/execute/reconcile loop until the root settles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, cfg, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if n, _ := cmd.Flags().GetInt("max-steps"); n > 0 {
			cfg.MaxSteps = n
		}

		shutdown := telemetry.Init(ctx)
		defer func() { _ = shutdown(ctx) }()

		catalog, err := roles.Load(cfg.RolesDir, nil)
		if err != nil {
			return err
		}
		if err := catalog.Watch(ctx); err != nil {
			return err
		}

		board, err := forum.Open(ctx, cfg.ForumPath)
		if err != nil {
			return err
		}
		defer board.Close()

		runner := runtime.NewRunner(store, catalog, session.NewSubprocess(cfg.Backend, nil), cfg, board, board, nil)
		runner.FullMaintenance, _ = cmd.Flags().GetBool("full-maintenance")
		runner.Resume, _ = cmd.Flags().GetBool("resume")
		runner.Tags, _ = cmd.Flags().GetStringSlice("tag")

		if skip, _ := cmd.Flags().GetBool("skip-validate"); !skip {
			if _, err := runner.Validate(ctx, args[0]); err != nil {
				return fmt.Errorf("pre-run validation: %w (run `dagwork validate %s` for details)", err, args[0])
			}
		}

		report, err := runner.Run(ctx, args[0])
		if report != nil && emit(report) {
			return err
		}
		if report != nil {
			for _, step := range report.Steps {
				marker := okStyle.Render("ok  ")
				if step.Execution != nil && !step.Execution.Success {
					marker = errorStyle.Render("fail")
				}
				fmt.Printf("%s step %d: %s %s as %s/%s\n", marker, step.N, step.Route, step.IssueID, step.Team, step.Role)
			}
			fmt.Printf("run %s stopped: %s", report.RunID, titleStyle.Render(string(report.StopReason)))
			if report.Error != "" {
				fmt.Printf(" (%s)", report.Error)
			}
			fmt.Println()
		}
		return err
	},
}

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List the loaded role catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		catalog, err := roles.Load(cfg.RolesDir, nil)
		if err != nil {
			return err
		}
		for _, name := range catalog.Names() {
			role, _ := catalog.Get(name)
			line := titleStyle.Render(name)
			if role.Description != "" {
				line += "  " + dimStyle.Render(role.Description)
			}
			fmt.Println(line)
		}
		if catalog.Len() == 0 {
			fmt.Println(dimStyle.Render("no roles in " + cfg.RolesDir))
		}
		return nil
	},
}
