package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fieldhub/outreach/internal/engage"
	"github.com/fieldhub/outreach/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Engage *engage.Service
}

// NewMCPServer exposes the outreach pipeline to AI assistants: vendor lookup,
// activity timelines, the failed-task queue, and reply recording. It doubles
// as the operator surface for tasks that exhausted their retries.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"outreach",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("outreach vendor engagement pipeline: lookup vendors, inspect timelines, record inbound replies, and review failed outreach tasks."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("vendor_lookup",
			mcp.WithDescription("Look up a vendor's engagement state by id."),
			mcp.WithString("vendor_id", mcp.Description("Vendor id"), mcp.Required()),
		),
		mcpVendorLookup(deps),
	)

	s.AddTool(
		mcp.NewTool("vendor_timeline",
			mcp.WithDescription("Return a vendor's activity log entries, newest first."),
			mcp.WithString("vendor_id", mcp.Description("Vendor id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpVendorTimeline(deps),
	)

	s.AddTool(
		mcp.NewTool("failed_tasks",
			mcp.WithDescription("List outreach tasks that exhausted their retries and need manual follow-up."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tasks (default 20)")),
		),
		mcpFailedTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("record_reply",
			mcp.WithDescription("Record an inbound vendor reply; it is classified and the vendor's status updated accordingly."),
			mcp.WithString("vendor_id", mcp.Description("Vendor id"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The vendor's message text"), mcp.Required()),
		),
		mcpRecordReply(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"outreach://queue",
			"Outreach Queue",
			mcp.WithResourceDescription("Task counts per status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpVendorLookup(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("vendor_id")
		if err != nil {
			return mcpError("vendor_id is required"), nil
		}

		v, err := deps.Store.GetVendor(id)
		if err != nil {
			return mcpError(fmt.Sprintf("vendor lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(v)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal vendor: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpVendorTimeline(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("vendor_id")
		if err != nil {
			return mcpError("vendor_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		activities, err := deps.Store.ListActivities(id, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("timeline failed: %v", err)), nil
		}

		type entry struct {
			Seq         int64  `json:"seq"`
			Type        string `json:"type"`
			Description string `json:"description"`
			CreatedAt   string `json:"created_at"`
		}
		results := make([]entry, len(activities))
		for i, a := range activities {
			results[i] = entry{
				Seq:         a.Seq,
				Type:        a.Type,
				Description: a.Description,
				CreatedAt:   a.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal timeline: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFailedTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		tasks, err := deps.Store.ListTasks(storage.TaskFailed, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing failed tasks: %v", err)), nil
		}

		type entry struct {
			ID        string `json:"id"`
			VendorID  string `json:"vendor_id"`
			Type      string `json:"type"`
			Retries   int    `json:"retries"`
			LastError string `json:"last_error"`
			UpdatedAt string `json:"updated_at"`
		}
		results := make([]entry, len(tasks))
		for i, t := range tasks {
			results[i] = entry{
				ID:        t.ID,
				VendorID:  t.VendorID,
				Type:      t.Type,
				Retries:   t.RetryCount,
				LastError: t.LastError,
				UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecordReply(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("vendor_id")
		if err != nil {
			return mcpError("vendor_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		res, err := deps.Engage.RecordReply(ctx, id, message)
		if err != nil {
			return mcpError(fmt.Sprintf("recording reply failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Store.TaskCounts()
		if err != nil {
			return nil, fmt.Errorf("failed to count tasks: %w", err)
		}

		b, err := json.Marshal(counts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal counts: %w", err)
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
