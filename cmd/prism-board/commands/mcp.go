package commands

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"prism-board/board"
	"prism-board/stream"
	"prism-board/tools"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the board tools over MCP on stdin/stdout",
		Long: `Serve the board tools over the Model Context Protocol using stdio.

When REDIS_CONNECTION_STRING is set, every change is published on the
relay channel so websocket clients of a running "serve" see it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.mcp(cmd.Context())
		},
	}
}

func (c *cli) mcp(ctx context.Context) error {
	rt, err := newRuntime(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var emitters board.MultiEmitter
	if rt.redis != nil {
		emitters = append(emitters, stream.NewRedisPublisher(rt.redis, c.cfg.Stream.RelayChannel, rt.instance, c.logger))
	}
	svc, err := rt.service(ctx, emitters)
	if err != nil {
		return err
	}

	s := tools.NewServer(svc, c.version, c.cfg.Production(), c.logger)
	c.logger.WithField("board", svc.BoardID()).Info("mcp server ready on stdio")
	return server.ServeStdio(s)
}
