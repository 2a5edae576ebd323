// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xataio/tatctl/internal/planschema"
)

// plan is the --plan-file document shape, validated against
// planschema.json before being translated into an orchestrator.Config.
type plan struct {
	Table                   string       `json:"table"`
	Columns                 []planColumn `json:"columns"`
	Jobs                    int          `json:"jobs"`
	Force                   bool         `json:"force"`
	LockTimeoutSeconds      int          `json:"lock_timeout_seconds"`
	TimeBetweenLocksSeconds int          `json:"time_between_locks_seconds"`
	WorkMem                 string       `json:"work_mem"`
	MinDeltaRows            int          `json:"min_delta_rows"`
	BatchSize               int          `json:"batch_size"`
	SkipFKValidation        bool         `json:"skip_fk_validation"`
	PgbouncerHost           string       `json:"pgbouncer_host"`
	PgbouncerPort           int          `json:"pgbouncer_port"`
}

type planColumn struct {
	Column  string `json:"column"`
	NewType string `json:"new_type"`
}

func loadPlan(path string) (*plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}

	sch, err := compilePlanSchema()
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	if err := sch.Validate(raw); err != nil {
		return nil, fmt.Errorf("plan file does not match schema: %w", err)
	}

	var p plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan file: %w", err)
	}

	if p.LockTimeoutSeconds == 0 {
		p.LockTimeoutSeconds = 5
	}
	if p.TimeBetweenLocksSeconds == 0 {
		p.TimeBetweenLocksSeconds = 10
	}
	if p.WorkMem == "" {
		p.WorkMem = "1GB"
	}
	if p.MinDeltaRows == 0 {
		p.MinDeltaRows = 10000
	}

	return &p, nil
}

// compilePlanSchema compiles the embedded plan schema as an in-memory
// resource, so validation works regardless of the binary's working
// directory.
func compilePlanSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(planschema.JSON))
	if err != nil {
		return nil, fmt.Errorf("parse embedded plan schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("planschema.json", doc); err != nil {
		return nil, fmt.Errorf("add embedded plan schema: %w", err)
	}
	return c.Compile("planschema.json")
}
