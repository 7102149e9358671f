package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"workflow-engine/services/workflow"
)

func newValidateCmd(outputFn func(*cobra.Command) *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a workflow document",
		Long:  "Check a workflow document for structural errors. FILE may be - for stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			wf, err := readWorkflow(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			g, err := workflow.NewValidator(newRegistry()).Validate(wf)
			report := workflow.NewValidationReport(g, err)
			if out.jsonMode {
				out.JSON(report)
			} else if report.Valid {
				out.Table([]string{"STEP", "NODE"}, orderRows(report.Order))
				out.Info("valid: %d nodes, entry nodes: %s", len(report.Order), strings.Join(report.Entries, ", "))
			}

			if !report.Valid {
				return fmt.Errorf("invalid workflow: %s", report.Error)
			}
			return nil
		},
	}
}

func newRunCmd(outputFn func(*cobra.Command) *Output) *cobra.Command {
	var parallel int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a workflow and print its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			wf, err := readWorkflow(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel func()
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			engine := workflow.NewEngine(newRegistry(),
				workflow.WithMaxParallel(parallel),
				workflow.WithLogger(slog.Default()),
			)
			g, err := engine.Validate(wf)
			if err != nil {
				return fmt.Errorf("invalid workflow: %w", err)
			}
			h, err := engine.Start(ctx, g)
			if err != nil {
				return err
			}

			for ev := range h.Events() {
				if ev.Type == workflow.EventNodeStatusChanged {
					line := fmt.Sprintf("%s  %-20s %s -> %s", ev.Timestamp.Format("15:04:05.000"), ev.NodeID, ev.OldStatus, ev.NewStatus)
					if ev.Error != "" {
						line += "  (" + ev.Error + ")"
					}
					out.Info("%s", line)
				}
			}

			rec := h.Record()
			results := workflow.NewExecutionResults(rec, g)
			out.Print([]string{"#", "NODE", "TYPE", "STATUS", "DURATION", "ERROR"}, stepRows(results.Steps), results)
			out.Info("run %s %s in %dms", rec.RunID(), rec.Status(), results.TotalDuration)

			if rec.Status() != workflow.RunStatusCompleted {
				return fmt.Errorf("run %s: %s", rec.Status(), rec.TerminalError())
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&parallel, "parallel", 0, "Maximum handlers running at once (0 = unbounded)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the run after this long (0 = no limit)")
	return cmd
}

func newNodeTypesCmd(outputFn func(*cobra.Command) *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "node-types",
		Short: "List the registered node kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog := newRegistry().Catalog()

			table := make([][]string, 0, len(catalog))
			for _, c := range catalog {
				table = append(table, []string{
					c.Type,
					c.Category,
					portIDs(c.Inputs),
					portIDs(c.Outputs),
					strings.Join(c.RequiredConfig, ","),
				})
			}
			outputFn(cmd).Print([]string{"TYPE", "CATEGORY", "INPUTS", "OUTPUTS", "REQUIRED CONFIG"}, table, catalog)
			return nil
		},
	}
}

func newRegistry() workflow.Registry {
	return workflow.NewRegistry(&http.Client{Timeout: 30 * time.Second}, slog.Default())
}

// readWorkflow decodes a workflow document from path, or from stdin when path is "-".
func readWorkflow(stdin io.Reader, path string) (*workflow.Workflow, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open workflow: %w", err)
		}
		defer f.Close()
		r = f
	}

	var wf workflow.Workflow
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if len(wf.Nodes) == 0 && len(wf.Edges) == 0 && wf.ID == "" {
		return nil, errors.New("decode workflow: document has no id, nodes or edges")
	}
	return &wf, nil
}

func orderRows(order []string) [][]string {
	rows := make([][]string, len(order))
	for i, id := range order {
		rows[i] = []string{fmt.Sprint(i + 1), id}
	}
	return rows
}

func stepRows(steps []workflow.ExecutionStep) [][]string {
	rows := make([][]string, len(steps))
	for i, s := range steps {
		rows[i] = []string{
			fmt.Sprint(s.StepNumber),
			s.NodeID,
			s.NodeType,
			s.Status,
			fmt.Sprintf("%dms", s.Duration),
			s.Error,
		}
	}
	return rows
}

func portIDs(ports []workflow.Port) string {
	ids := make([]string, len(ports))
	for i, p := range ports {
		ids[i] = p.ID
	}
	return strings.Join(ids, ",")
}
