// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

// cleanupReport is the --cleanup-report document: a small YAML summary of
// what the invocation did, useful for CI logs and post-mortems.
type cleanupReport struct {
	Table     string `json:"table"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

func writeCleanupReport(cmd *cobra.Command, table, outcome string, cause error) error {
	path, _ := cmd.Flags().GetString("cleanup-report")
	if path == "" {
		return nil
	}

	report := cleanupReport{
		Table:     table,
		Outcome:   outcome,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		report.Error = cause.Error()
	}

	out, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal cleanup report: %w", err)
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write cleanup report: %w", err)
	}
	return nil
}
