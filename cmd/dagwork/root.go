package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dagwork/dagwork/internal/config"
	"github.com/dagwork/dagwork/internal/storage/sqlite"
	"github.com/dagwork/dagwork/internal/types"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	statusColor = map[types.Status]lipgloss.Style{
		types.StatusOpen:       lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		types.StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		types.StatusPaused:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		types.StatusClosed:     lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		types.StatusDuplicate:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:           "dagwork",
	Short:         "Issue-DAG orchestration for autonomous coding agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default <state-dir>/dagwork.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default .dagwork)")
	rootCmd.PersistentFlags().String("db", "", "issue database path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of styled text")

	viper.SetEnvPrefix("DAGWORK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, flag := range []string{"config", "state-dir", "db"} {
		_ = viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag))
	}
}

// loadConfig resolves the effective configuration from flags, file, and
// environment.
func loadConfig() (config.Config, error) {
	stateDir := viper.GetString("state-dir")
	if stateDir == "" {
		stateDir = ".dagwork"
	}
	cfgPath := viper.GetString("config")
	if cfgPath == "" {
		cfgPath = stateDir + "/dagwork.yaml"
	}
	// Flags override the config file the same way environment variables do,
	// so derived paths follow the overridden state dir.
	if v := viper.GetString("state-dir"); v != "" {
		os.Setenv("DAGWORK_STATE_DIR", v)
	}
	if v := viper.GetString("db"); v != "" {
		os.Setenv("DAGWORK_DB_PATH", v)
	}
	return config.Load(cfgPath)
}

// openStore opens the issue store for a command.
func openStore(ctx context.Context) (*sqlite.Store, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, cfg, err
	}
	return store, cfg, nil
}

// emit prints v as JSON when --json is set and returns true.
func emit(v interface{}) bool {
	if !jsonOutput {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
	return true
}

func renderIssueLine(issue *types.Issue) string {
	status := statusColor[issue.Status].Render(string(issue.Status))
	line := fmt.Sprintf("%s  %-12s P%d  %s", idStyle.Render(issue.ID), status, issue.Priority, issue.Title)
	if issue.Outcome != "" {
		line += dimStyle.Render(" [" + string(issue.Outcome) + "]")
	}
	return line
}

func renderIssue(issue *types.Issue) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(issue.Title) + "\n")
	b.WriteString(idStyle.Render(issue.ID) + "  " + statusColor[issue.Status].Render(string(issue.Status)))
	if issue.Outcome != "" {
		b.WriteString("  outcome=" + string(issue.Outcome))
	}
	fmt.Fprintf(&b, "  priority=%d\n", issue.Priority)
	if len(issue.Tags) > 0 {
		b.WriteString(dimStyle.Render("tags: "+strings.Join(issue.Tags, ", ")) + "\n")
	}
	if issue.Body != "" {
		b.WriteString("\n" + issue.Body + "\n")
	}
	return b.String()
}
