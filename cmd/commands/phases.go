package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mpernot/ordo/internal/config"
	"github.com/mpernot/ordo/internal/phase"
)

// NewPhasesCommand returns the phases subcommand.
func NewPhasesCommand() *cli.Command {
	return &cli.Command{
		Name:  "phases",
		Usage: "Show the phase sequence, declared exit gates, and the current phase",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway base URL",
				Value: "http://127.0.0.1:18520",
			},
			&cli.StringFlag{
				Name:  "gates",
				Usage: "Path to the gates file",
			},
		},
		Action: runPhases,
	}
}

func runPhases(_ context.Context, cmd *cli.Command) error {
	current := currentPhase(cmd.String("gateway"))
	gates := loadGatesFile(cmd.String("gates"))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tEXIT GATE\t")
	for _, p := range phase.Order() {
		marker := ""
		if string(p) == current {
			marker = "  <- current"
		}

		gate := "-"
		if gates != nil {
			if spec, ok := gates.Spec(p); ok && len(spec.Required) > 0 {
				gate = strings.Join(spec.Required, ", ")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p, gate, marker)
	}
	return w.Flush()
}

// currentPhase asks the gateway for the active phase; empty when the engine
// is not running or no session has started.
func currentPhase(base string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var ph struct {
		Phase string `json:"phase"`
	}
	if err := getJSON(ctx, strings.TrimRight(base, "/")+"/api/phase", &ph); err != nil {
		return ""
	}
	return ph.Phase
}

func loadGatesFile(path string) *phase.GateSet {
	if path == "" {
		path = filepath.Join(config.OrdoPath(), "gates.yaml")
	}
	gates, err := phase.LoadGates(path)
	if err != nil {
		return nil
	}
	return gates
}
