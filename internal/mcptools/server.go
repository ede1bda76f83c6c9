// Package mcptools exposes the Query Interface (internal/query) as a
// read-only MCP tool surface, alongside the HTTP RPC surface in
// internal/transport (spec §6 wire protocol names HTTP; this is a
// secondary surface for MCP-speaking agents over the same operations).
package mcptools

import (
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/weaverproto/weaver-core/internal/query"
)

const serverName = "weaver-core"
const serverVersion = "0.1.0"

// Config configures the MCP server.
type Config struct {
	Service *query.Service
	Logger  *slog.Logger
}

// NewServer builds an MCP server exposing every read operation of
// internal/query as a tool.
func NewServer(cfg Config) *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, &sdkmcp.ServerOptions{
		Instructions: "Read-only access to Weaver's notebooks, entries, profiles and edit history.",
		Logger:       cfg.Logger,
	})

	registerTools(server, cfg.Service)
	return server
}
