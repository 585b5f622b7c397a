package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/middleman/pkg/deskclient"
)

// Config locates the desk the MCP server reads from.
type Config struct {
	// APIURL is the base URL of a running desk, e.g. http://localhost:8080.
	APIURL string
	// APIKey is an operator key ("ok_..."). Optional; without one the
	// public read tools still work but list_escrows returns 401.
	APIKey string
}

// NewMCPServer creates a configured MCP server with all desk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("middleman", "1.0.0")
	client := deskclient.New(cfg.APIURL)
	if cfg.APIKey != "" {
		client = client.WithAPIKey(cfg.APIKey)
	}
	h := NewHandlers(client)

	s.AddTool(ToolCheckEscrow, h.HandleCheckEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolDeskVolume, h.HandleDeskVolume)
	s.AddTool(ToolDeskGuide, h.HandleDeskGuide)

	return s
}
