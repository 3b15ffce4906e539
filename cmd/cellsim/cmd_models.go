package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nvandessel/cellsim/internal/model"
	"github.com/spf13/cobra"
)

type modelInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Genes       []string `json:"genes"`
	Proteins    []string `json:"proteins,omitempty"`
	Variables   int      `json:"variables"`
	Parameters  int      `json:"parameters"`
	XMax        float64  `json:"x_max"`
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			var infos []modelInfo
			for _, e := range model.Builtins().Entries() {
				spec := e.Defaults()
				infos = append(infos, modelInfo{
					Name:        e.Name,
					Description: e.Description,
					Genes:       spec.Genes,
					Proteins:    spec.Proteins,
					Variables:   len(spec.Variables),
					Parameters:  len(spec.Parameters),
					XMax:        spec.XMax,
				})
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(infos)
			}
			out := cmd.OutOrStdout()
			for _, m := range infos {
				fmt.Fprintf(out, "%-10s %s\n", m.Name, m.Description)
				fmt.Fprintf(out, "           genes: %s  variables: %d  parameters: %d  x_max: %g\n",
					strings.Join(m.Genes, ","), m.Variables, m.Parameters, m.XMax)
			}
			return nil
		},
	}
}
