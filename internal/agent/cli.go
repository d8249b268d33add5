package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// CLI is an Executor that shells out to an external agent command. The
// request is written to stdin as JSON; the command's stdout must be a JSON
// result. The command is trusted infrastructure, its output text is not.
type CLI struct {
	Command []string
}

// NewCLI creates a CLI executor for the given argv.
func NewCLI(command []string) *CLI {
	return &CLI{Command: command}
}

// cliResult mirrors the external command's output contract.
type cliResult struct {
	Output            string  `json:"output"`
	SessionID         string  `json:"session_id"`
	ExternalSessionID string  `json:"external_session_id"`
	LastMessageID     string  `json:"last_message_id"`
	Turns             int     `json:"turns"`
	CostUSD           float64 `json:"cost_usd"`
	Usage             Usage   `json:"usage"`
}

func (c *CLI) Execute(ctx context.Context, req Request) (*Result, error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("no agent command configured")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.WorkspacePath != "" {
		cmd.Dir = req.WorkspacePath
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent command failed: %w (stderr: %s)", err, stderr.String())
	}

	var out cliResult
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("decoding agent result: %w", err)
	}
	return &Result{
		Output:            out.Output,
		SessionID:         out.SessionID,
		ExternalSessionID: out.ExternalSessionID,
		LastMessageID:     out.LastMessageID,
		Turns:             out.Turns,
		CostUSD:           out.CostUSD,
		Usage:             out.Usage,
	}, nil
}
