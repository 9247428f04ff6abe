package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"prism-board/api"
	"prism-board/board"
	"prism-board/stream"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	rt, err := newRuntime(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	hub := stream.NewHub(stream.Options{
		PingInterval: c.cfg.Stream.PingInterval,
		PongWait:     c.cfg.Stream.PongWait,
		SendBuffer:   c.cfg.Stream.SendBuffer,
		Logger:       c.logger,
	})
	emitters := board.MultiEmitter{hub}

	var deduper api.Deduper
	if rt.redis != nil {
		emitters = append(emitters, stream.NewRedisPublisher(rt.redis, c.cfg.Stream.RelayChannel, rt.instance, c.logger))
		relay := stream.NewRelay(rt.redis, c.cfg.Stream.RelayChannel, rt.instance, hub, c.logger)
		go relay.Run(ctx)
		deduper = api.NewRedisDeduper(rt.redis, c.cfg.IdempotencyTTL)
	}

	svc, err := rt.service(ctx, emitters)
	if err != nil {
		return err
	}

	e := api.NewServer(svc, api.Options{
		Production: c.cfg.Production(),
		Deduper:    deduper,
		Stream:     hub,
		Logger:     c.logger,
	})

	errCh := make(chan error, 1)
	go func() {
		c.logger.WithField("addr", c.cfg.ListenAddr).Info("listening")
		if err := e.Start(c.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	c.logger.Info("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
