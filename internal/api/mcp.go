package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/genie/internal/agent"
	"github.com/kalambet/genie/internal/jobs"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs      JobService
	Snapshots SnapshotService
	// MaxWait caps wait_seconds on submit_request.
	MaxWait time.Duration
}

const mcpClientID = "mcp"

// NewMCPServer creates an MCP server with the genie tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.MaxWait <= 0 {
		deps.MaxWait = time.Minute
	}
	s := server.NewMCPServer(
		"genie",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("genie answers requests through agents and remembers answers in a semantic cache."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_request",
			mcp.WithDescription("Submit a request. Cached answers return immediately; others run on an agent."),
			mcp.WithString("text", mcp.Description("The request text"), mcp.Required()),
			mcp.WithString("last_question", mcp.Description("The previous question in this conversation, if any")),
			mcp.WithNumber("wait_seconds", mcp.Description("Seconds to wait for the job to finish (default 0)")),
		),
		mcpSubmitRequest(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the current state, result or failure of a job."),
			mcp.WithString("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_job",
			mcp.WithDescription("Cancel a queued or running job."),
			mcp.WithString("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpCancelJob(deps),
	)

	s.AddTool(
		mcp.NewTool("search_snapshots",
			mcp.WithDescription("Find the cached answer closest to a question, using the looser admin threshold."),
			mcp.WithString("query", mcp.Description("Question to look up"), mcp.Required()),
		),
		mcpSearchSnapshots(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"genie://jobs/recent",
			"Recent Jobs",
			mcp.WithResourceDescription("Last 10 jobs with their state and answer"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentJobs(deps),
	)

	return s
}

func mcpSubmitRequest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		cc := agent.ClientContext{ClientID: mcpClientID, LastQuestion: req.GetString("last_question", "")}

		id, err := deps.Jobs.Submit(ctx, text, cc)
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}

		wait := time.Duration(req.GetFloat("wait_seconds", 0) * float64(time.Second))
		v, err := readJob(ctx, Deps{Jobs: deps.Jobs}, id, min(max(wait, 0), deps.MaxWait))
		if err != nil {
			return mcpError(fmt.Sprintf("job %s submitted but unreadable: %v", id, err)), nil
		}
		return mcpJSON(v)
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		v, err := deps.Jobs.Get(ctx, id)
		if errors.Is(err, jobs.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading job: %v", err)), nil
		}
		return mcpJSON(v)
	}
}

func mcpCancelJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Jobs.Cancel(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled job %s", id)), nil
	}
}

func mcpSearchSnapshots(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		res, err := searchSnapshots(ctx, deps.Snapshots, query)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpResourceRecentJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Jobs.List(ctx, "", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}

		type jobSummary struct {
			ID        string     `json:"id"`
			State     jobs.State `json:"state"`
			CreatedAt string     `json:"created_at"`
			Request   string     `json:"request"`
			Answer    string     `json:"answer,omitempty"`
			Error     string     `json:"error,omitempty"`
		}

		summaries := make([]jobSummary, len(list))
		for i, v := range list {
			s := jobSummary{
				ID:        v.ID,
				State:     v.State,
				CreatedAt: v.CreatedAt.Format(time.RFC3339),
				Request:   truncate(v.Request, 200),
			}
			if v.Result != nil {
				s.Answer = truncate(v.Result.Answer, 200)
			}
			if v.Error != nil {
				s.Error = v.Error.Kind
			}
			summaries[i] = s
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
