package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/batch"
	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
	"github.com/Sriram-PR/img-refetch/pkg/orchestrate"
	"github.com/Sriram-PR/img-refetch/pkg/repair"
)

const (
	serverName    = "img-refetch"
	serverVersion = "0.4.0"
)

// Repairer replaces a broken image in place.
type Repairer interface {
	Repair(ctx context.Context, req repair.Request) repair.Report
}

// Discoverer lists image candidates found on a page.
type Discoverer interface {
	Discover(ctx context.Context, pageURL string) (fetch.PageCandidates, error)
}

// ServerConfig holds configuration for the MCP server. Fetcher, Repairer and
// Discoverer default to the production implementations built from AppConfig.
type ServerConfig struct {
	AppConfig  *config.AppConfig
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger

	Fetcher    batch.Fetcher
	Repairer   Repairer
	Discoverer Discoverer
}

// Server exposes the fetch pipeline as MCP tools.
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	log := cfg.Logger.WithField("component", "mcp")

	if cfg.Fetcher == nil {
		cfg.Fetcher = orchestrate.New(cfg.AppConfig, log)
	}
	if cfg.Repairer == nil {
		cfg.Repairer = repair.NewFromConfig(cfg.AppConfig, log)
	}
	if cfg.Discoverer == nil {
		st, err := fetch.NewStealth(cfg.AppConfig.Stealth, cfg.AppConfig.Fetch, cfg.AppConfig.HTTPClientSettings, log)
		if err != nil {
			return nil, fmt.Errorf("creating page client: %w", err)
		}
		cfg.Discoverer = st
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        log,
		jobManager: NewJobManager(),
	}

	s.registerTools()

	return s, nil
}

// registerTools attaches a handler to each tool definition.
func (s *Server) registerTools() {
	handlers := map[string]server.ToolHandlerFunc{
		"fetch_image":         s.handleFetchImage,
		"repair_image":        s.handleRepairImage,
		"discover_candidates": s.handleDiscoverCandidates,
		"start_batch":         s.handleStartBatch,
		"get_job_status":      s.handleGetJobStatus,
		"cancel_job":          s.handleCancelJob,
		"list_jobs":           s.handleListJobs,
	}
	for _, tool := range Tools() {
		handler, ok := handlers[tool.Name]
		if !ok {
			s.log.Errorf("No handler for MCP tool %q", tool.Name)
			continue
		}
		s.mcpServer.AddTool(tool, handler)
	}
	s.log.WithField("tools", len(handlers)).Info("Registered MCP tools")
}

// Tools returns the definitions of every tool the server exposes, in the
// order they are registered.
func Tools() []mcp.Tool {
	jobID := mcp.WithString("job_id",
		mcp.Required(),
		mcp.Description("The job ID returned by start_batch"),
	)
	forceBrowser := mcp.WithBoolean("force_browser",
		mcp.Description("Skip plain HTTP and start with browser automation"),
	)

	return []mcp.Tool{
		mcp.NewTool("fetch_image",
			mcp.WithDescription("Download one image through the direct, stealth and browser strategies and save it to a file"),
			mcp.WithString("url", mcp.Required(), mcp.Description("Image URL")),
			mcp.WithString("output", mcp.Required(), mcp.Description("File path to write the validated image to")),
			mcp.WithString("source_url",
				mcp.Description("Page the image was found on; used as Referer and for candidate discovery"),
			),
			forceBrowser,
		),
		mcp.NewTool("repair_image",
			mcp.WithDescription("Re-download a broken image and swap it in place, keeping a backup and restoring metadata"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Local image file to replace")),
			mcp.WithString("url", mcp.Required(), mcp.Description("Image URL to fetch the replacement from")),
			mcp.WithString("source_url", mcp.Description("Page the image was found on")),
			forceBrowser,
			mcp.WithBoolean("delete_backup", mcp.Description("Delete the backup after a successful swap")),
			mcp.WithString("title", mcp.Description("Metadata title")),
			mcp.WithString("person", mcp.Description("Person shown in the image")),
			mcp.WithString("gender", mcp.Description("Gender of the person")),
			mcp.WithString("position", mcp.Description("Position or role")),
			mcp.WithString("city", mcp.Description("City")),
			mcp.WithString("description", mcp.Description("Free-text description")),
			mcp.WithString("keywords", mcp.Description("Keywords separated by commas or semicolons")),
		),
		mcp.NewTool("discover_candidates",
			mcp.WithDescription("Fetch a page and list the image URLs it references, in priority order"),
			mcp.WithString("page_url", mcp.Required(), mcp.Description("Page to mine for image candidates")),
			mcp.WithNumber("max_results",
				mcp.Description("Maximum number of candidates to return (default: 20, max: 100)"),
			),
		),
		mcp.NewTool("start_batch",
			mcp.WithDescription("Start a background batch download from a spreadsheet or YAML manifest. Returns immediately with a job ID."),
			mcp.WithString("input", mcp.Required(), mcp.Description("Path to an .xlsx workbook or a .yaml manifest")),
			mcp.WithString("output_dir",
				mcp.Description("Directory to save images to (defaults to batch.output_dir)"),
			),
			mcp.WithBoolean("turbo", mcp.Description("Disable the delay between requests")),
			mcp.WithNumber("workers", mcp.Description("Number of concurrent downloads")),
			mcp.WithBoolean("resume",
				mcp.Description("Keep the downloaded-URL state of an earlier run of the same input"),
			),
		),
		mcp.NewTool("get_job_status",
			mcp.WithDescription("Get the status and progress of a batch job"),
			jobID,
		),
		mcp.NewTool("cancel_job",
			mcp.WithDescription("Stop a running batch job; items not yet started stay pending for a resumed run"),
			jobID,
		),
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List batch jobs started by this server"),
		),
	}
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown stops every running batch job.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
