package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tsawler/go-visage/envconfig"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: envconfig.LogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewCLI().ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
