package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chatrun/chatrun/backend/internal/agentdriver"
	"github.com/chatrun/chatrun/backend/internal/policy"
)

// CodexInvoker implements AgentInvoker by spawning the configured harness
// binary through internal/agentdriver, persisting its transcript under
// LogDir, and parsing the agent's last message into an AgentResponse.
type CodexInvoker struct {
	Command string
	Model   string
	Timeout time.Duration
	LogDir  string
}

func (inv *CodexInvoker) Invoke(ctx context.Context, runID, prompt, cwd string, sandbox policy.SandboxMode, networkEnabled bool, onShellCommand func(command string) error) (*AgentResponse, error) {
	tmpDir, err := os.MkdirTemp("", "chatrun-agent-"+runID)
	if err != nil {
		return nil, fmt.Errorf("creating agent scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	schemaPath := filepath.Join(tmpDir, "schema.json")
	if err := os.WriteFile(schemaPath, []byte(agentResponseSchema), 0o644); err != nil {
		return nil, fmt.Errorf("writing output schema: %w", err)
	}
	lastMsgPath := filepath.Join(tmpDir, "last-message.json")

	var logFile *agentdriver.LogFile
	if inv.LogDir != "" {
		if err := os.MkdirAll(inv.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		logFile, err = agentdriver.OpenLogFile(filepath.Join(inv.LogDir, runID+".jsonl"), 5000)
		if err != nil {
			return nil, fmt.Errorf("opening run log: %w", err)
		}
		defer logFile.Close()
	}

	opts := agentdriver.Options{
		Command:           inv.Command,
		Dir:               cwd,
		Model:             inv.Model,
		Sandbox:           string(sandbox),
		NetworkEnabled:    networkEnabled,
		OutputSchemaPath:  schemaPath,
		OutputLastMsgPath: lastMsgPath,
		Prompt:            prompt,
		Timeout:           inv.Timeout,
	}
	if logFile != nil {
		opts.LogWriter = logFile
	}

	_, _, err = agentdriver.Run(ctx, opts, agentdriver.Callbacks{
		OnShellCommand: func(ev agentdriver.ShellEvent) error {
			return onShellCommand(ev.Command)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("invoking agent: %w", err)
	}

	raw, err := os.ReadFile(lastMsgPath)
	if err != nil {
		return nil, fmt.Errorf("reading agent last message: %w", err)
	}
	var resp AgentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("agent response did not match the expected schema: %w", err)
	}
	return &resp, nil
}

// agentResponseSchema is the JSON Schema handed to the agent binary via
// --output-schema (§6), mirroring the shape of AgentResponse.
const agentResponseSchema = `{
  "type": "object",
  "required": ["reply"],
  "properties": {
    "reply": {"type": "string"},
    "needs_user_input": {"type": "boolean"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "payload"],
        "properties": {
          "type": {"type": "string"},
          "payload": {"type": "object"}
        }
      }
    }
  }
}`
