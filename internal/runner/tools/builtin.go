// Builtin tool handlers for the five entries in orchestrator.ToolGuide.
// The two cross-service calls (get_execution_status, get_positions) go
// through a configured http.Client against the Execution Service's
// base URL; the artifact/memory tools wrap artifacts.Store directly.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cryptonhq/crypton/internal/runner/artifacts"
)

// ArtifactReader is the subset of artifacts.Store the builtin tools need.
type ArtifactReader interface {
	Read(cycleID string, name artifacts.Name) ([]byte, error)
	ReadAgentMemory(agent string) (string, error)
	AppendAgentMemory(agent, text string) error
}

// RegisterBuiltins wires the five tools named in the Agent Runner's
// tool guide onto executor: read_artifact, read_memory, append_memory,
// get_execution_status, and get_positions. executionBaseURL is the
// Execution Service's own Control API base; it is always
// config-driven, never hard-coded.
func RegisterBuiltins(executor *Executor, store ArtifactReader, executionBaseURL string) {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	executor.Register(Definition{
		Name:           "read_artifact",
		DefaultTimeout: 5 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			cycleID, _ := args["cycleId"].(string)
			name, _ := args["name"].(string)
			if cycleID == "" || name == "" {
				return nil, fmt.Errorf("read_artifact: cycleId and name are required")
			}
			content, err := store.Read(cycleID, artifacts.Name(name))
			if err != nil {
				return nil, err
			}
			return string(content), nil
		},
	})

	executor.Register(Definition{
		Name:           "read_memory",
		DefaultTimeout: 5 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			agent, _ := args["agent"].(string)
			if agent == "" {
				return nil, fmt.Errorf("read_memory: agent is required")
			}
			return store.ReadAgentMemory(agent)
		},
	})

	executor.Register(Definition{
		Name:           "append_memory",
		DefaultTimeout: 5 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			agent, _ := args["agent"].(string)
			text, _ := args["text"].(string)
			if agent == "" || text == "" {
				return nil, fmt.Errorf("append_memory: agent and text are required")
			}
			if err := store.AppendAgentMemory(agent, text); err != nil {
				return nil, err
			}
			return map[string]string{"status": "appended"}, nil
		},
	})

	executor.Register(Definition{
		Name:           "get_execution_status",
		DefaultTimeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return fetchJSON(ctx, httpClient, executionBaseURL+"/api/status")
		},
	})

	executor.Register(Definition{
		Name:           "get_positions",
		DefaultTimeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return fetchJSON(ctx, httpClient, executionBaseURL+"/api/positions")
		},
	})
}

// fetchJSON is shared by the two cross-service tools: the Execution
// Service is an HTTP collaborator, not an in-process dependency, so a
// transport failure here surfaces as a structured error to the model
// rather than failing the step.
func fetchJSON(ctx context.Context, client *http.Client, url string) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("execution service returned status %d", resp.StatusCode)
	}
	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
