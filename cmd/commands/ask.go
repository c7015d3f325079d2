package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v3"
)

// NewAskCommand returns the ask subcommand.
func NewAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send a message to the engine and print the assistant turn",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway base URL",
				Value: "http://127.0.0.1:18520",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Response timeout in seconds",
				Value: 300,
			},
			&cli.BoolFlag{
				Name:  "plain",
				Usage: "Print raw markdown without rendering",
			},
		},
		Action: runAsk,
	}
}

func runAsk(_ context.Context, cmd *cli.Command) error {
	message := strings.Join(cmd.Args().Slice(), " ")
	if message == "" {
		return fmt.Errorf("usage: ordo ask <message>")
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cmd.Int("timeout"))*time.Second)
	defer cancel()

	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return err
	}

	url := strings.TrimRight(cmd.String("gateway"), "/") + "/api/message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var reply struct {
		Reply string `json:"reply"`
		Phase string `json:"phase"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		fmt.Fprintf(os.Stderr, "engine error: %s\n", reply.Error)
	}
	if reply.Phase != "" {
		fmt.Fprintf(os.Stderr, "phase: %s\n", reply.Phase)
	}

	if cmd.Bool("plain") {
		fmt.Println(reply.Reply)
		return nil
	}

	rendered, err := renderMarkdown(reply.Reply)
	if err != nil {
		fmt.Println(reply.Reply)
		return nil
	}
	fmt.Print(rendered)
	return nil
}

func renderMarkdown(text string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return r.Render(text)
}
