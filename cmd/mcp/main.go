// Middleman MCP server - exposes desk lookups as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/middleman/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("MIDDLEMAN_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("MIDDLEMAN_OPERATOR_KEY"),
	}

	// The key is optional: check_escrow and desk_volume are public reads.
	// Without one, list_escrows will come back 401 from the desk.
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "MIDDLEMAN_OPERATOR_KEY not set; only public read tools will work")
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
