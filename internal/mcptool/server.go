package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/sentinel/internal/observe"
)

// ServerName is the implementation name announced to MCP clients.
const ServerName = "sentinel"

// NewServer builds an MCP server exposing tools. Tool failures are
// reported as error results so the calling model can see and recover from
// them; only argument decoding problems of the protocol itself surface as
// JSON-RPC errors.
func NewServer(version string, tools []Tool) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil)
	for _, t := range tools {
		srv.AddTool(&mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}, handlerFor(t))
	}
	return srv
}

func handlerFor(t Tool) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		log := observe.Logger(ctx).With(slog.String("tool", t.Name))
		start := time.Now()

		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		out, err := t.Handler(ctx, args)
		if err != nil {
			log.Warn("mcp tool failed", "err", err, "duration", time.Since(start))
			return errorResult(err), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("mcptool: %s: encode result: %w", t.Name, err)
		}
		log.Debug("mcp tool called", "duration", time.Since(start))
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

// Serve runs srv over stdin/stdout until the client disconnects or ctx is
// cancelled.
func Serve(ctx context.Context, srv *mcp.Server) error {
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcptool: serve: %w", err)
	}
	return nil
}
