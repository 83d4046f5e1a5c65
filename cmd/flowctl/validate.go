package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbukum/flowgraph/dag"
)

func newValidateCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a DAG definition for schema errors, unknown references and cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDAG(args[0])
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"dag_id": d.ID, "tasks": d.Len(), "valid": true,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d tasks)\n", d.ID, d.Len())
			return nil
		},
	}
}

func newPlanCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan FILE",
		Short: "Print the execution levels of a DAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDAG(args[0])
			if err != nil {
				return err
			}
			levels, err := dag.Levels(d)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOutput {
				return json.NewEncoder(out).Encode(map[string]any{"dag_id": d.ID, "levels": levels})
			}
			fmt.Fprintf(out, "%s: %d tasks in %d levels\n", d.ID, d.Len(), len(levels))
			for i, level := range levels {
				fmt.Fprintf(out, "  level %d:", i)
				for _, id := range level {
					t, _ := d.Task(id)
					fmt.Fprintf(out, " %s(%s)", id, t.HandlerRef)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

// loadDAG parses a definition file into a validated DAG.
func loadDAG(path string) (*dag.DAG, error) {
	def, err := dag.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	return def.Build()
}
