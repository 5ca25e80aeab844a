// Command seqfunc-ingest loads entities, aliases, and candidate facts into
// the knowledge base from a JSON Lines stream.
//
// Each input line is one record:
//
//	{"kind":"entity","entity":{"entity_id":"Q16236","display_name":"NFE2L2","species":"Homo sapiens","sequence":"MDL..."}}
//	{"kind":"alias","alias":"NRF2","entity_id":"Q16236"}
//	{"kind":"fact","fact":{"identifier":"NRF2","start":76,"end":84,...}}
//
// Every processed record prints a JSON result line on stdout; malformed
// records are reported and counted but do not abort the run unless
// -strict is set.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/openlongevity/seqfunc/internal/app"
	"github.com/openlongevity/seqfunc/internal/config"
	"github.com/openlongevity/seqfunc/internal/engine"
	"github.com/openlongevity/seqfunc/pkg/types"
)

var (
	configPath = flag.String("config", "", "Path to config file (optional, uses env vars by default)")
	inputPath  = flag.String("input", "-", "JSON Lines input file, or - for stdin")
	dsn        = flag.String("dsn", "", "Storage DSN (overrides config)")
	strict     = flag.Bool("strict", false, "Abort on the first rejected record")
)

type record struct {
	Kind string `json:"kind"`

	Entity *types.Entity `json:"entity,omitempty"`

	Alias    string `json:"alias,omitempty"`
	EntityID string `json:"entity_id,omitempty"`

	Fact *engine.CandidateFact `json:"fact,omitempty"`
}

type lineResult struct {
	Line   int                  `json:"line"`
	Kind   string               `json:"kind"`
	OK     bool                 `json:"ok"`
	Error  string               `json:"error,omitempty"`
	Entity *types.Entity        `json:"entity,omitempty"`
	Ingest *engine.IngestResult `json:"ingest,omitempty"`
}

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

	ctx := context.Background()

	kb, store, err := app.OpenKnowledgeBase(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open knowledge base: %v", err)
	}
	defer store.Close()
	defer kb.Close()

	in, err := openInput(*inputPath)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	defer in.Close()

	accepted, rejected, err := run(ctx, kb, in, os.Stdout)
	if err != nil {
		log.Fatalf("Ingestion aborted: %v", err)
	}

	log.Printf("Done: %d accepted, %d rejected", accepted, rejected)
	if rejected > 0 {
		os.Exit(1)
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func run(ctx context.Context, kb *engine.KnowledgeBase, in io.Reader, out io.Writer) (accepted, rejected int, err error) {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		res := processLine(ctx, kb, lineNo, line)
		if encErr := enc.Encode(res); encErr != nil {
			return accepted, rejected, encErr
		}
		if res.OK {
			accepted++
			continue
		}
		rejected++
		if *strict {
			return accepted, rejected, fmt.Errorf("line %d: %s", lineNo, res.Error)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return accepted, rejected, fmt.Errorf("failed to read input: %w", scanErr)
	}
	return accepted, rejected, nil
}

func processLine(ctx context.Context, kb *engine.KnowledgeBase, lineNo int, line []byte) lineResult {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return lineResult{Line: lineNo, OK: false, Error: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if rec.Kind == "" && rec.Fact != nil {
		rec.Kind = "fact"
	}

	res := lineResult{Line: lineNo, Kind: rec.Kind}

	switch rec.Kind {
	case "entity":
		if rec.Entity == nil {
			res.Error = `"entity" record is missing the entity payload`
			return res
		}
		stored, err := kb.Registry().Register(ctx, rec.Entity)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.OK = true
		res.Entity = stored

	case "alias":
		if rec.Alias == "" || rec.EntityID == "" {
			res.Error = `"alias" record needs both alias and entity_id`
			return res
		}
		if err := kb.Registry().ConfirmAlias(ctx, rec.Alias, rec.EntityID); err != nil {
			res.Error = err.Error()
			return res
		}
		res.OK = true

	case "fact":
		if rec.Fact == nil {
			res.Error = `"fact" record is missing the fact payload`
			return res
		}
		ingest, err := kb.Ingest(ctx, *rec.Fact)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.OK = true
		res.Ingest = ingest

	default:
		res.Error = fmt.Sprintf("unknown record kind %q", rec.Kind)
	}
	return res
}
