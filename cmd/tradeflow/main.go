package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/milkywaybrain/tradeflow/internal/config"
	"github.com/milkywaybrain/tradeflow/internal/initializer"
)

func main() {
	cfgPath := flag.String("config", "./config.json", "config file path, JSON or YAML")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR :", err)
		os.Exit(1)
	}

	// Interrupt or terminate signal cancels every stream and flushes the storages.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = initializer.Start(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR :", err)
		os.Exit(1)
	}
}
