package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-relay-go/pkg/mcppool"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	opts := mcppool.DefaultOptions()
	opts.Logger = logger
	opts.IdleTimeout = time.Minute
	mcppool.SetDefault(mcppool.NewRegistry(&opts))

	cfg := &mcppool.StdioServerConfig{
		BaseServerConfig: mcppool.BaseServerConfig{Name: "everything", Timeout: 30 * time.Second},
		Command:          "npx",
		Args:             []string{"-y", "@modelcontextprotocol/server-everything"},
	}

	ctx := context.Background()
	registry := mcppool.Default()
	defer func() {
		if err := mcppool.ResetDefault(ctx); err != nil {
			fmt.Printf("cleanup error: %v\n", err)
		}
	}()

	for _, consumer := range []string{"alice", "bob"} {
		conn, err := registry.GetConnection(ctx, consumer, cfg)
		if err != nil {
			fmt.Printf("%s: connect failed: %v (retryable: %t)\n", consumer, err, mcppool.IsRetryable(err))
			continue
		}
		res, err := conn.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hello " + consumer}})
		if err != nil {
			fmt.Printf("%s: call failed: %v\n", consumer, err)
		} else if len(res.Content) > 0 {
			if text, ok := res.Content[0].(*mcp.TextContent); ok {
				fmt.Printf("%s: %s\n", consumer, text.Text)
			}
		}
		registry.ReleaseConnection(conn, consumer, cfg.Name)
	}

	stats := registry.Stats()
	fmt.Printf("pools=%d connections=%d active=%d\n", stats.TotalPools, stats.TotalConnections, stats.ActiveConnections)
	for _, p := range stats.PerPool {
		fmt.Printf("  %s: total=%d idle=%d\n", p.Key, p.TotalConnections, p.IdleConnections)
	}
}
