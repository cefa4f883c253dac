// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the drift record store to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/drift/internal/service"
)

const predicateFormatURI = "drift://predicate-format"

// Server wraps the MCP server with drift tools.
type Server struct {
	mcp *server.MCPServer
	svc *service.Service
}

// New creates a new MCP server with all drift tools registered.
func New(svc *service.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Drift",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_models",
		mcp.WithDescription("List every registered model with its fields and relationships."),
	), s.listModels)

	s.mcp.AddTool(mcp.NewTool("query_records",
		mcp.WithDescription("Query records of a model. The filter uses the drift predicate format; "+
			"read it first via get_predicate_format or the "+predicateFormatURI+" resource."),
		mcp.WithString("model", mcp.Required(), mcp.Description("Model name (e.g. Post)")),
		mcp.WithString("filter", mcp.Description("Predicate JSON; empty matches everything")),
		mcp.WithString("sort", mcp.Description("Comma separated fields, '-' prefix for descending")),
		mcp.WithNumber("limit", mcp.Description("Page size; 0 returns everything")),
		mcp.WithNumber("offset", mcp.Description("Offset, a multiple of limit")),
	), s.queryRecords)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Read one record by primary key."),
		mcp.WithString("model", mcp.Required(), mcp.Description("Model name")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Primary key")),
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("save_record",
		mcp.WithDescription("Create or replace a record. Belongs-to relationships take the referenced id. "+
			"An optional condition must hold for the stored record."),
		mcp.WithString("model", mcp.Required(), mcp.Description("Model name")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Primary key")),
		mcp.WithObject("fields", mcp.Required(), mcp.Description("Field values keyed by field name")),
		mcp.WithString("condition", mcp.Description("Predicate JSON the stored record must match")),
	), s.saveRecord)

	s.mcp.AddTool(mcp.NewTool("delete_record",
		mcp.WithDescription("Delete a record together with every record that depends on it."),
		mcp.WithString("model", mcp.Required(), mcp.Description("Model name")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Primary key")),
		mcp.WithString("condition", mcp.Description("Predicate JSON the stored record must match")),
	), s.deleteRecord)

	s.mcp.AddTool(mcp.NewTool("outbox_status",
		mcp.WithDescription("Show local mutations waiting to be published to the remote."),
	), s.outboxStatus)

	s.mcp.AddTool(mcp.NewTool("get_predicate_format",
		mcp.WithDescription("Returns the predicate format used by filter and condition arguments."),
	), s.getPredicateFormat)

	s.mcp.AddResource(
		mcp.NewResource(predicateFormatURI, "Predicate Format",
			mcp.WithResourceDescription("JSON form of filters, conditions and sort orders."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readPredicateFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// optionalJSON returns the named string argument as raw JSON, or nil.
func optionalJSON(req mcp.CallToolRequest, name string) []byte {
	if v := req.GetString(name, ""); v != "" {
		return []byte(v)
	}
	return nil
}

func (s *Server) listModels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.ListModels(ctx))
}

func (s *Server) queryRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := req.RequireString("model")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	records, err := s.svc.QueryRecords(ctx, model, service.QueryParams{
		Filter: optionalJSON(req, "filter"),
		Sort:   req.GetString("sort", ""),
		Limit:  req.GetInt("limit", 0),
		Offset: req.GetInt("offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(records)
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := req.RequireString("model")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.GetRecord(ctx, model, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) saveRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := req.RequireString("model")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields, ok := req.GetArguments()["fields"].(map[string]any)
	if !ok {
		return mcp.NewToolResultError("fields must be an object"), nil
	}

	rec, created, err := s.svc.SaveRecord(ctx, model, id, fields, optionalJSON(req, "condition"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	verb := "updated"
	if created {
		verb = "created"
	}
	out, _ := json.Marshal(rec)
	return mcp.NewToolResultText(fmt.Sprintf("%s: %s", verb, out)), nil
}

func (s *Server) deleteRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := req.RequireString("model")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.DeleteRecord(ctx, model, id, optionalJSON(req, "condition")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s %s", model, id)), nil
}

func (s *Server) outboxStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.svc.Outbox(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) getPredicateFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(PredicateFormat), nil
}

func (s *Server) readPredicateFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      predicateFormatURI,
			MIMEType: "text/markdown",
			Text:     PredicateFormat,
		},
	}, nil
}
