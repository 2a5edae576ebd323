// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xataio/tatctl/cmd/flags"
	"github.com/xataio/tatctl/pkg/orchestrator"
	"github.com/xataio/tatctl/pkg/switchover"
)

// Version is the tatctl version.
var Version = "development"

func init() {
	viper.SetEnvPrefix("PGCUT")
	viper.AutomaticEnv()

	flags.PgConnectionFlags(rootCmd)

	rootCmd.Flags().StringP("table-name", "t", "", "schema-qualified target table (required)")
	rootCmd.Flags().StringArrayP("column", "c", nil, "column:new_type, repeatable (required unless --cleanup)")
	rootCmd.Flags().IntP("jobs", "j", 4, "parallelism for index builds and pool size")
	rootCmd.Flags().Bool("force", false, "proceed even if target columns already have the requested type")
	rootCmd.Flags().Bool("cleanup", false, "idempotent tear-down of a prior run's artifacts, then exit")
	rootCmd.Flags().Duration("lock-timeout", 5*time.Second, "session lock_timeout")
	rootCmd.Flags().Duration("time-between-locks", 10*time.Second, "retry interval on lock failure")
	rootCmd.Flags().String("work-mem", "1GB", "applied to work_mem and maintenance_work_mem")
	rootCmd.Flags().Int("min-delta-rows", 10000, "convergence threshold")
	rootCmd.Flags().Int("batch-size", 0, "batched initial copy by PK range (0 = direct copy)")
	rootCmd.Flags().Bool("skip-fk-validation", false, "skip the post-switch VALIDATE CONSTRAINT phase")
	rootCmd.Flags().Bool("show-queries", false, "trace every SQL statement before execution")
	rootCmd.Flags().String("pgbouncer-host", "", "pgbouncer admin host, enables pooler coordination")
	rootCmd.Flags().Int("pgbouncer-port", 6432, "pgbouncer admin port")
	rootCmd.Flags().Duration("pgbouncer-pause-timeout", 5*time.Second, "abort an in-flight PAUSE after this long")
	rootCmd.Flags().Duration("pgbouncer-time-between-pause", 1*time.Second, "sleep between PAUSE retries")
	rootCmd.Flags().String("plan-file", "", "run the migration described by a JSON plan document (validated against the plan schema) instead of reading flags")
	rootCmd.Flags().String("cleanup-report", "", "write a YAML report of the operation performed to this path")
}

var rootCmd = &cobra.Command{
	Use:          "tatctl",
	Short:        "Online column-type migration for a single Postgres table (and its hierarchy)",
	SilenceUsage: true,
	Version:      Version,
	RunE:         runRoot,
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if planFile, _ := cmd.Flags().GetString("plan-file"); planFile != "" {
		return runPlanFile(ctx, cmd, planFile)
	}

	cleanupOnly, _ := cmd.Flags().GetBool("cleanup")
	tableName, _ := cmd.Flags().GetString("table-name")
	if tableName == "" {
		return fmt.Errorf("--table-name is required")
	}

	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	sp, _ := pterm.DefaultSpinner.WithText("starting").Start()
	cfg.ProgressFn = func(phase, detail string) {
		sp.UpdateText(fmt.Sprintf("%s: %s", phase, detail))
	}

	connStr := flags.ConnString()

	if cleanupOnly {
		if err := orchestrator.Cleanup(ctx, connStr, cfg); err != nil {
			sp.Fail(fmt.Sprintf("cleanup failed: %s", err))
			return err
		}
		sp.Success(fmt.Sprintf("cleaned up artifacts for %s", tableName))
		return writeCleanupReport(cmd, tableName, "cleanup", nil)
	}

	if len(cfg.Columns) == 0 {
		return fmt.Errorf("at least one --column is required unless --cleanup is given")
	}

	start := time.Now()
	runErr := orchestrator.Run(ctx, connStr, cfg)
	if runErr != nil {
		sp.Fail(fmt.Sprintf("migration failed: %s", runErr))
		_ = writeCleanupReport(cmd, tableName, "failed", runErr)
		return runErr
	}

	sp.Success(fmt.Sprintf("%s migrated in %s", tableName, time.Since(start).Round(time.Millisecond)))
	return writeCleanupReport(cmd, tableName, "done", nil)
}

func configFromFlags(cmd *cobra.Command) (orchestrator.Config, error) {
	tableName, _ := cmd.Flags().GetString("table-name")
	columnFlags, _ := cmd.Flags().GetStringArray("column")
	jobs, _ := cmd.Flags().GetInt("jobs")
	force, _ := cmd.Flags().GetBool("force")
	lockTimeout, _ := cmd.Flags().GetDuration("lock-timeout")
	timeBetweenLocks, _ := cmd.Flags().GetDuration("time-between-locks")
	workMem, _ := cmd.Flags().GetString("work-mem")
	minDeltaRows, _ := cmd.Flags().GetInt("min-delta-rows")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	skipFKValidation, _ := cmd.Flags().GetBool("skip-fk-validation")
	showQueries, _ := cmd.Flags().GetBool("show-queries")
	pgbouncerHost, _ := cmd.Flags().GetString("pgbouncer-host")
	pgbouncerPort, _ := cmd.Flags().GetInt("pgbouncer-port")
	pgbouncerPauseTimeout, _ := cmd.Flags().GetDuration("pgbouncer-pause-timeout")
	pgbouncerTimeBetweenPause, _ := cmd.Flags().GetDuration("pgbouncer-time-between-pause")

	columns, err := parseColumnFlags(columnFlags)
	if err != nil {
		return orchestrator.Config{}, err
	}

	return orchestrator.Config{
		TableName:        tableName,
		Columns:          columns,
		Jobs:             jobs,
		Force:            force,
		LockTimeout:      lockTimeout,
		TimeBetweenLocks: timeBetweenLocks,
		WorkMem:          workMem,
		MinDeltaRows:     minDeltaRows,
		BatchSize:        batchSize,
		SkipFKValidation: skipFKValidation,
		ShowQueries:      showQueries,
		PoolerConfig: switchover.PoolerConfig{
			Host:             pgbouncerHost,
			Port:             pgbouncerPort,
			PauseTimeout:     pgbouncerPauseTimeout,
			TimeBetweenPause: pgbouncerTimeBetweenPause,
		},
	}, nil
}

// parseColumnFlags parses the repeatable `-c column:new_type` flag.
func parseColumnFlags(raw []string) ([]orchestrator.ColumnRequest, error) {
	reqs := make([]orchestrator.ColumnRequest, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --column %q, expected column:new_type", r)
		}
		reqs = append(reqs, orchestrator.ColumnRequest{Column: parts[0], NewType: parts[1]})
	}
	return reqs, nil
}

func runPlanFile(ctx context.Context, cmd *cobra.Command, planFile string) error {
	plan, err := loadPlan(planFile)
	if err != nil {
		return err
	}

	jobs, _ := cmd.Flags().GetInt("jobs")
	if plan.Jobs > 0 {
		jobs = plan.Jobs
	}

	cfg := orchestrator.Config{
		TableName:        plan.Table,
		Jobs:             jobs,
		Force:            plan.Force,
		LockTimeout:      time.Duration(plan.LockTimeoutSeconds) * time.Second,
		TimeBetweenLocks: time.Duration(plan.TimeBetweenLocksSeconds) * time.Second,
		WorkMem:          plan.WorkMem,
		MinDeltaRows:     plan.MinDeltaRows,
		BatchSize:        plan.BatchSize,
		SkipFKValidation: plan.SkipFKValidation,
	}
	for _, c := range plan.Columns {
		cfg.Columns = append(cfg.Columns, orchestrator.ColumnRequest{Column: c.Column, NewType: c.NewType})
	}
	if plan.PgbouncerHost != "" {
		cfg.PoolerConfig = switchover.PoolerConfig{
			Host:             plan.PgbouncerHost,
			Port:             plan.PgbouncerPort,
			PauseTimeout:     5 * time.Second,
			TimeBetweenPause: time.Second,
		}
	}

	sp, _ := pterm.DefaultSpinner.WithText("running plan").Start()
	cfg.ProgressFn = func(phase, detail string) { sp.UpdateText(fmt.Sprintf("%s: %s", phase, detail)) }

	runErr := orchestrator.Run(ctx, flags.ConnString(), cfg)
	if runErr != nil {
		sp.Fail(fmt.Sprintf("plan failed: %s", runErr))
		_ = writeCleanupReport(cmd, plan.Table, "failed", runErr)
		return runErr
	}
	sp.Success(fmt.Sprintf("plan applied to %s", plan.Table))
	return writeCleanupReport(cmd, plan.Table, "done", nil)
}
