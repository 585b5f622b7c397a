package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the middleman MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckEscrow = mcp.NewTool("check_escrow",
	mcp.WithDescription(
		"Look up one escrow on the middleman desk by its numeric ID. "+
			"Shows the parties, amount, current status, and what has to happen "+
			"next for the trade to move forward."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow's numeric ID (e.g. 42)")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"Browse escrows tracked by the desk, newest first. "+
			"Optionally scope the listing to a single group conversation. "+
			"Requires an operator key."),
	mcp.WithNumber("conversation_id",
		mcp.Description("Only list escrows opened in this chat conversation (group chat IDs are negative)")),
	mcp.WithString("cursor",
		mcp.Description("Opaque cursor from a previous page; pass it back to continue listing")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolDeskVolume = mcp.NewTool("desk_volume",
	mcp.WithDescription(
		"Get the desk's lifetime completed trade volume, broken down by currency. "+
			"Only escrows that reached COMPLETED count toward volume."),
)

var ToolDeskGuide = mcp.NewTool("desk_guide",
	mcp.WithDescription(
		"Explain how the middleman desk works: the escrow lifecycle, what each "+
			"status means, and who acts next. The desk holds no funds; human "+
			"admins settle every trade off-platform. Read this before advising "+
			"anyone mid-trade."),
)
