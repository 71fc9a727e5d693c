package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

// PipelineServer exposes the defect pipeline as MCP tools so an editor or
// agent can drive analysis interactively instead of only through the CLI's
// batch mode. This is the pipeline's consumer-facing extensibility seam,
// distinct from (and never a substitute for) plugging in a different
// defect analyzer.
type PipelineServer struct {
	logger       logrus.FieldLogger
	defects      []ParsedDefect
	orchestrator *PipelineOrchestrator
	server       *mcp.Server
}

// NewPipelineServer builds the MCP server and registers its three tools:
// list_defects, analyze_defect, and apply_patch.
func NewPipelineServer(logger logrus.FieldLogger, defects []ParsedDefect, orchestrator *PipelineOrchestrator) *PipelineServer {
	impl := &mcp.Implementation{
		Name:    "coverity-agent",
		Version: "v1.0.0",
	}
	server := mcp.NewServer(impl, nil)

	p := &PipelineServer{
		logger:       logger,
		defects:      defects,
		orchestrator: orchestrator,
		server:       server,
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_defects",
		Description: "List defects loaded from the current report, with their classification hints.",
	}, p.listDefects)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_defect",
		Description: "Extract context and run LLM analysis for one defect by defect_id, without applying any fix.",
	}, p.analyzeDefect)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_patch",
		Description: "Run the full pipeline for one defect by defect_id, including patch application if the fix is ready.",
	}, p.applyPatch)

	return p
}

// Serve connects the server to stdio, matching the teacher's command-based
// transport but in the server role rather than the client role.
func (p *PipelineServer) Serve(ctx context.Context) error {
	return p.server.Run(ctx, &mcp.StdioTransport{})
}

type listDefectsArgs struct{}

func (p *PipelineServer) listDefects(ctx context.Context, req *mcp.CallToolRequest, args listDefectsArgs) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(p.defects)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling defect list: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, nil, nil
}

type analyzeDefectArgs struct {
	DefectID string `json:"defect_id"`
}

func (p *PipelineServer) analyzeDefect(ctx context.Context, req *mcp.CallToolRequest, args analyzeDefectArgs) (*mcp.CallToolResult, any, error) {
	defect, ok := p.findDefect(args.DefectID)
	if !ok {
		return nil, nil, fmt.Errorf("defect %s not found", args.DefectID)
	}

	outcome := p.orchestrator.ProcessDefect(ctx, defect)
	if outcome.Err != nil && outcome.Analysis == nil {
		return nil, nil, outcome.Err
	}

	raw, err := json.Marshal(outcome.Analysis)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling analysis: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, nil, nil
}

type applyPatchArgs struct {
	DefectID string `json:"defect_id"`
}

func (p *PipelineServer) applyPatch(ctx context.Context, req *mcp.CallToolRequest, args applyPatchArgs) (*mcp.CallToolResult, any, error) {
	defect, ok := p.findDefect(args.DefectID)
	if !ok {
		return nil, nil, fmt.Errorf("defect %s not found", args.DefectID)
	}

	outcome := p.orchestrator.ProcessDefect(ctx, defect)

	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling outcome: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, nil, nil
}

func (p *PipelineServer) findDefect(id string) (ParsedDefect, bool) {
	for _, d := range p.defects {
		if d.DefectID == id {
			return d, true
		}
	}
	return ParsedDefect{}, false
}
