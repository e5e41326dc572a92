package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	armcp "github.com/ppiankov/autoremedy/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs autoremedy as an MCP (Model Context Protocol) server over stdio.\nExposes tools to list rules, test rules, query executions and handle escalations.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	rt, err := openFromFlags()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := armcp.New(rt.engine, version, rt.logger.Named("mcp"))
	fmt.Fprintln(os.Stderr, "autoremedy MCP server running on stdio")
	return srv.Run(ctx)
}
