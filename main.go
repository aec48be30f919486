package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/opsdesk/huddle/internal/app"
	"github.com/opsdesk/huddle/internal/config"
)

var version = "dev"

func main() {
	dir := flag.String("dir", defaultDir(), "data directory (key, database, attachments)")
	cfgPath := flag.String("config", "", "config file path (default <dir>/config.json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("huddle", version)
		return
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	path := *cfgPath
	if path == "" {
		path = filepath.Join(*dir, "config.json")
	}

	cfg, created, err := config.Ensure(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("wrote default config to %s", path)
		log.Printf("fill in identity.id and identity.display_name, then start again")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{DataDir: *dir, CfgPath: path, Cfg: cfg}); err != nil {
		log.Fatalf("huddle: %v", err)
	}
}

func defaultDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".huddle")
	}
	return "."
}
