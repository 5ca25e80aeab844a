// Command seqfunc-query runs a one-shot structured + semantic query against
// the knowledge base and prints the ranked facts as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/openlongevity/seqfunc/internal/app"
	"github.com/openlongevity/seqfunc/internal/config"
	"github.com/openlongevity/seqfunc/internal/engine"
	"github.com/openlongevity/seqfunc/pkg/types"
)

var (
	configPath = flag.String("config", "", "Path to config file (optional, uses env vars by default)")
	dsn        = flag.String("dsn", "", "Storage DSN (overrides config)")
	identifier = flag.String("identifier", "", "Entity canonical ID or confirmed alias")
	version    = flag.Int("version", 0, "Sequence version (0 = latest)")
	start      = flag.Int("start", 0, "Range start, 0-indexed inclusive")
	end        = flag.Int("end", 0, "Range end, exclusive; with -start restricts to overlapping intervals")
	text       = flag.String("text", "", "Semantic query text")
	statuses   = flag.String("statuses", "", "Comma-separated fact statuses to include (default: active)")
	k          = flag.Int("k", 0, "Maximum results (0 = configured default)")
	pretty     = flag.Bool("pretty", true, "Indent JSON output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dsn != "" {
		cfg.Storage.DSN = *dsn
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	statusFilter, err := parseStatuses(*statuses)
	if err != nil {
		log.Fatalf("Invalid -statuses: %v", err)
	}

	ctx := context.Background()

	kb, store, err := app.OpenKnowledgeBase(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open knowledge base: %v", err)
	}
	defer store.Close()
	defer kb.Close()

	results, err := kb.Query(ctx, engine.QueryRequest{
		Identifier:      *identifier,
		SequenceVersion: *version,
		Start:           *start,
		End:             *end,
		SemanticText:    *text,
		Statuses:        statusFilter,
		K:               *k,
	})
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(results); err != nil {
		log.Fatalf("Failed to write results: %v", err)
	}

	if len(results) == 0 {
		log.Println("No matching facts")
	}
}

func parseStatuses(raw string) ([]types.FactStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []types.FactStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		status := types.FactStatus(part)
		valid := false
		for _, s := range types.ValidFactStatuses {
			if status == s {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, status)
	}
	return out, nil
}
