package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/reviewd/internal/findings"
	"github.com/joescharf/reviewd/internal/jobs"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
)

// Server exposes the review job and finding services as MCP tools.
type Server struct {
	jobs     *jobs.Service
	findings *findings.Service
	// defaultOwner is used when a tool call omits the owner argument.
	defaultOwner models.Owner
	version      string
}

// NewServer creates the MCP server wrapper.
func NewServer(js *jobs.Service, fs *findings.Service, defaultOwner models.Owner, version string) *Server {
	return &Server{jobs: js, findings: fs, defaultOwner: defaultOwner, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("reviewd", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listJobsTool())
	srv.AddTool(s.jobStatusTool())
	srv.AddTool(s.listFindingsTool())
	srv.AddTool(s.startAnalysisTool())
	srv.AddTool(s.triggerSyncTool())
	srv.AddTool(s.dismissFindingTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

var ownerArg = mcp.WithString("owner", mcp.Description(`Owner as "org:<name>" or "user:<id>"; defaults to the configured owner`))

func (s *Server) owner(request mcp.CallToolRequest) (models.Owner, error) {
	raw := request.GetString("owner", "")
	if raw == "" {
		if s.defaultOwner.IsZero() {
			return models.Owner{}, errors.New("missing required parameter: owner")
		}
		return s.defaultOwner, nil
	}
	return models.ParseOwner(raw)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders err for the model, adding the remediation hint of
// permission failures.
func errorResult(action string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("failed to %s: %v", action, err)
	var perr *platform.PermissionError
	if errors.As(err, &perr) && perr.Hint != "" {
		msg += "\nhint: " + perr.Hint
	}
	return mcp.NewToolResultError(msg)
}

// reviewd_list_jobs
func (s *Server) listJobsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_list_jobs",
		mcp.WithDescription("List review jobs, newest first, with the owner's running count and concurrency limit."),
		ownerArg,
		mcp.WithNumber("limit", mcp.Description("Maximum jobs to return (default 20)")),
		mcp.WithNumber("offset", mcp.Description("Jobs to skip")),
	)
	return tool, s.handleListJobs
}

func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, err := s.jobs.ListJobs(ctx, owner, request.GetInt("limit", 20), request.GetInt("offset", 0))
	if err != nil {
		return errorResult("list jobs", err), nil
	}
	return jsonResult(list)
}

// reviewd_job_status
func (s *Server) jobStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_job_status",
		mcp.WithDescription("Get the status, result or error, and worker session of one review job."),
		ownerArg,
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Review job ID")),
	)
	return tool, s.handleJobStatus
}

func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: job_id"), nil
	}
	st, err := s.jobs.GetJobStatus(ctx, owner, id)
	if err != nil {
		return errorResult("get job status", err), nil
	}
	return jsonResult(st)
}

// reviewd_list_findings
func (s *Server) listFindingsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_list_findings",
		mcp.WithDescription("List vulnerability findings ordered by SLA due date."),
		ownerArg,
		mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("open", "fixed", "ignored")),
		mcp.WithString("severity", mcp.Description("Filter by severity"), mcp.Enum("low", "medium", "high", "critical")),
		mcp.WithString("repo", mcp.Description("Filter by repository full name")),
		mcp.WithNumber("limit", mcp.Description("Maximum findings to return (default 50)")),
	)
	return tool, s.handleListFindings
}

func (s *Server) handleListFindings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter := store.FindingListFilter{
		Status: models.FindingStatus(request.GetString("status", "")),
		Repo:   request.GetString("repo", ""),
		Limit:  request.GetInt("limit", 50),
	}
	if sev := request.GetString("severity", ""); sev != "" {
		filter.Severity, err = models.ParseSeverity(sev)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	list, err := s.findings.ListFindings(ctx, owner, filter)
	if err != nil {
		return errorResult("list findings", err), nil
	}
	return jsonResult(list)
}

// reviewd_start_analysis
func (s *Server) startAnalysisTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_start_analysis",
		mcp.WithDescription("Start an AI analysis of a finding. Fails instead of queueing when the owner's analysis concurrency limit is reached."),
		ownerArg,
		mcp.WithString("finding_id", mcp.Required(), mcp.Description("Finding ID")),
		mcp.WithString("model", mcp.Description("Model override")),
	)
	return tool, s.handleStartAnalysis
}

func (s *Server) handleStartAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireString("finding_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: finding_id"), nil
	}
	res, err := s.findings.StartAnalysis(ctx, owner, id, request.GetString("model", ""))
	if err != nil {
		return errorResult("start analysis", err), nil
	}
	return jsonResult(res)
}

// reviewd_trigger_sync
func (s *Server) triggerSyncTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_trigger_sync",
		mcp.WithDescription("Reconcile findings with the platform's dependency alerts for one repository or all selected repositories."),
		ownerArg,
		mcp.WithString("repo", mcp.Description("Repository full name; omit to sync everything")),
	)
	return tool, s.handleTriggerSync
}

func (s *Server) handleTriggerSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.findings.Sync(ctx, owner, request.GetString("repo", ""))
	if err != nil {
		return errorResult("sync findings", err), nil
	}
	return jsonResult(res)
}

// reviewd_dismiss_finding
func (s *Server) dismissFindingTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_dismiss_finding",
		mcp.WithDescription("Dismiss a finding on the platform and mark it ignored."),
		ownerArg,
		mcp.WithString("finding_id", mcp.Required(), mcp.Description("Finding ID")),
		mcp.WithString("reason", mcp.Description("Dismissal reason"), mcp.Enum("fix_started", "inaccurate", "no_bandwidth", "not_used", "tolerable_risk")),
		mcp.WithString("comment", mcp.Description("Comment recorded with the dismissal")),
	)
	return tool, s.handleDismissFinding
}

func (s *Server) handleDismissFinding(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireString("finding_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: finding_id"), nil
	}
	ok, err := s.findings.DismissFinding(ctx, owner, id, request.GetString("reason", ""), request.GetString("comment", ""))
	if err != nil {
		return errorResult("dismiss finding", err), nil
	}
	return jsonResult(map[string]any{"finding_id": id, "dismissed": ok})
}
