package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show engine status: phase and per-layer budget usage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway base URL",
				Value: "http://127.0.0.1:18520",
			},
		},
		Action: runStatus,
	}
}

func runStatus(_ context.Context, cmd *cli.Command) error {
	base := strings.TrimRight(cmd.String("gateway"), "/")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var health map[string]string
	if err := getJSON(ctx, base+"/api/health", &health); err != nil {
		fmt.Println("Engine: NOT RUNNING")
		return nil
	}
	fmt.Println("Engine: RUNNING")

	var ph struct {
		Phase       string `json:"phase"`
		ArtifactRef string `json:"artifact_ref"`
	}
	if err := getJSON(ctx, base+"/api/phase", &ph); err == nil {
		if ph.Phase == "" {
			fmt.Println("Phase:  (no active session)")
		} else {
			fmt.Printf("Phase:  %s\n", ph.Phase)
		}
		if ph.ArtifactRef != "" {
			fmt.Printf("Artifact: %s\n", ph.ArtifactRef)
		}
	}

	var usage map[string]struct {
		Consumed  int     `json:"consumed"`
		Reserved  int     `json:"reserved"`
		Ceiling   int     `json:"ceiling"`
		Ratio     float64 `json:"ratio"`
		HighWater int     `json:"high_water"`
	}
	if err := getJSON(ctx, base+"/api/budget", &usage); err != nil {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tCONSUMED\tCEILING\tUSAGE\tHIGH WATER")
	for _, layer := range []string{"working", "session", "persistent", "artifact"} {
		u, ok := usage[layer]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.0f%%\t%d\n",
			layer, u.Consumed, u.Ceiling, u.Ratio*100, u.HighWater)
	}
	return w.Flush()
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
