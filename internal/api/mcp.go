package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/inboxpilot/internal/retrieval"
	"github.com/kalambet/inboxpilot/internal/storage"
	"github.com/kalambet/inboxpilot/internal/tasks"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Tasks *tasks.Service
	Index *retrieval.Index // optional; if nil, vector_search_emails returns an error
	// AgentEmail is the agent tools act for when a call names none.
	AgentEmail string
	Now        func() time.Time
}

// NewMCPServer creates an MCP server with the assistant tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tasks == nil {
		deps.Tasks = tasks.NewService(deps.Store, deps.Now)
	}

	s := server.NewMCPServer(
		"inboxpilot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("inboxpilot: a real-estate agent's contacts, pipeline stages, tasks and email history."),
		server.WithRecovery(),
	)

	agentArg := mcp.WithString("agent_email", mcp.Description("Agent whose data to query (defaults to the configured agent)"))

	s.AddTool(
		mcp.NewTool("search_contacts",
			mcp.WithDescription("Find contacts whose name or email contains the query."),
			mcp.WithString("query", mcp.Description("Name or email fragment"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			agentArg,
		),
		mcpSearchContacts(deps),
	)

	s.AddTool(
		mcp.NewTool("search_tasks",
			mcp.WithDescription("Find tasks whose title contains the query."),
			mcp.WithString("query", mcp.Description("Title fragment"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			agentArg,
		),
		mcpSearchTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("get_contact_profile",
			mcp.WithDescription("Return a contact's pipeline stage, profile summary, preferences, threads and tasks."),
			mcp.WithNumber("contact_id", mcp.Description("Contact id")),
			mcp.WithString("email", mcp.Description("Contact email, used when contact_id is absent")),
			agentArg,
		),
		mcpContactProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("vector_search_emails",
			mcp.WithDescription("Semantically search the agent's email messages."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			agentArg,
		),
		mcpVectorSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("today_agenda",
			mcp.WithDescription("List open tasks due today or overdue, highest priority first."),
			agentArg,
		),
		mcpTodayAgenda(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"inbox://agenda",
			"Today's Agenda",
			mcp.WithResourceDescription("Open tasks due today or overdue for the configured agent"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceAgenda(deps),
	)

	return s
}

// resolveAgent returns the agent named by agent_email, or the configured one.
func resolveAgent(ctx context.Context, deps MCPDeps, req mcp.CallToolRequest) (storage.User, error) {
	email := req.GetString("agent_email", deps.AgentEmail)
	if email == "" {
		return storage.User{}, errors.New("agent_email is required")
	}
	u, err := deps.Store.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, fmt.Errorf("unknown agent %s", email)
	}
	return u, err
}

func mcpSearchContacts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		agent, err := resolveAgent(ctx, deps, req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		contacts, err := deps.Store.SearchContacts(ctx, agent.ID, query, clampLimit(req.GetInt("limit", 0)))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		out := make([]contactView, 0, len(contacts))
		for _, c := range contacts {
			out = append(out, newContactView(c))
		}
		return mcpJSON(out), nil
	}
}

func mcpSearchTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		agent, err := resolveAgent(ctx, deps, req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		found, err := deps.Store.SearchTasks(ctx, agent.ID, query, clampLimit(req.GetInt("limit", 0)))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		now := deps.Now()
		out := make([]taskView, 0, len(found))
		for _, t := range found {
			out = append(out, newTaskView(tasks.Item{Task: t, Overdue: tasks.IsOverdue(t, now)}))
		}
		return mcpJSON(out), nil
	}
}

func mcpContactProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := resolveAgent(ctx, deps, req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		id := int64(req.GetInt("contact_id", 0))
		if id == 0 {
			email := req.GetString("email", "")
			if email == "" {
				return mcpError("contact_id or email is required"), nil
			}
			c, err := deps.Store.GetContactByEmail(ctx, agent.ID, email)
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("no contact with email %s", email)), nil
			}
			if err != nil {
				return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
			}
			id = c.ID
		}
		p, err := loadContactProfile(ctx, deps.Store, agent.ID, id, deps.Now())
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("contact %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load contact: %v", err)), nil
		}
		return mcpJSON(p), nil
	}
}

func mcpVectorSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		agent, err := resolveAgent(ctx, deps, req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		hits, err := searchEmails(ctx, deps.Store, deps.Index, agent.ID, query, clampLimit(req.GetInt("limit", 0)))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(hits), nil
	}
}

func mcpTodayAgenda(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := resolveAgent(ctx, deps, req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		items, err := deps.Tasks.Today(ctx, agent.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build agenda: %v", err)), nil
		}
		return mcpJSON(newTaskViews(items)), nil
	}
}

func mcpResourceAgenda(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.AgentEmail == "" {
			return nil, errors.New("no agent configured")
		}
		agent, err := deps.Store.GetUserByEmail(ctx, deps.AgentEmail)
		if err != nil {
			return nil, fmt.Errorf("failed to load agent: %w", err)
		}
		items, err := deps.Tasks.Today(ctx, agent.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to build agenda: %w", err)
		}
		b, err := json.Marshal(newTaskViews(items))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agenda: %w", err)
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

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err))
	}
	return mcpText(string(b))
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
