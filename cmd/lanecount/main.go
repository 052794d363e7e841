// Command lanecount counts vehicles crossing lane boundaries in a recorded
// region log and reports per-lane totals.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to counter config JSON (defaults to config/counter.defaults.json when present)")
	input       = flag.String("input", "", "JSON Lines region log to count, or - for stdin")
	dbFile      = flag.String("db", "", "SQLite file to record runs into (disabled when empty)")
	listen      = flag.String("listen", "", "HTTP listen address for the API and /debug/ (disabled when empty)")
	chartPNG    = flag.String("chart-png", "", "Write a cumulative count chart to this image file")
	legacyMatch = flag.Bool("legacy-match", false, "Let several regions in a frame claim the same identity (last one wins)")
	debugFlag   = flag.Bool("debug", false, "Enable per-frame debug logging")
	versionFlag = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}
	monitoring.SetDebug(*debugFlag)

	if *input == "" {
		log.Fatal("Region log is required: pass -input <file.jsonl> or -input -")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, options{
		ConfigPath:  *configFile,
		Input:       *input,
		DBPath:      *dbFile,
		Listen:      *listen,
		ChartPNG:    *chartPNG,
		LegacyMatch: *legacyMatch,
		Out:         os.Stdout,
	})
	if err != nil {
		log.Fatalf("lanecount: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
