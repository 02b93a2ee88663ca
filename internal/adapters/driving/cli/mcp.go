package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/kbsearch/internal/adapters/driving/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  `Commands for the Model Context Protocol (MCP) server integration.`,
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the Model Context Protocol server for AI assistant integration.

By default, the server communicates over stdio using JSON-RPC. Tools:
  search        ranked chunks for a query
  retrieve      assembled context with citations
  index_status  index size, dimension and last update

Tools accept optional tenant and project arguments; without them the
namespace from --tenant and --project is used.

Use --port to start an HTTP server instead.

Examples:
  # Stdio mode (default)
  kbsearch mcp serve --tenant acme --project docs

  # HTTP mode (for MCP Inspector, remote access)
  kbsearch mcp serve --port 8080

Client configuration:
  {
    "mcpServers": {
      "kbsearch": {
        "command": "/path/to/kbsearch",
        "args": ["mcp", "serve"]
      }
    }
  }`,
	RunE: runMCPServe,
}

func init() {
	mcpServeCmd.Flags().IntP("port", "p", 0, "HTTP port (0 = use stdio)")
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}

func runMCPServe(cmd *cobra.Command, _ []string) error {
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return fmt.Errorf("getting port flag: %w", err)
	}

	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}
	if err := startBackground(ctx, ns); err != nil {
		return err
	}

	server, err := mcp.NewServer(&mcp.Ports{
		Retrieval: retrievalService,
		Index:     indexService,
		Namespace: ns,
	})
	if err != nil {
		return err
	}

	if port > 0 {
		addr := fmt.Sprintf(":%d", port)
		fmt.Fprintf(cmd.OutOrStdout(), "MCP server listening on http://localhost%s\n", addr)
		return server.RunHTTP(ctx, addr)
	}

	return server.Run(ctx)
}
