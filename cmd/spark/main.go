// Command spark is the CLI surface for the core learning engine (spec
// §6): status, ingest, promote, tune, prune. No CLI framework — CLI
// ergonomics are explicitly out of scope, so this stays as bare as the
// teacher's own main.go.
//
// Environment variables: SPARK_DATA_DIR overrides the data directory,
// SPARK_TRIGGER_RULES points at the trigger-rule YAML file, SPARK_DEBUG
// enables verbose logging (see internal/config for the full list).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/autotuner"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/config"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/core"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: spark <status|ingest|promote|tune|prune> [args]")
		return coreerr.ExitMisuse
	}

	if os.Getenv("SPARK_DEBUG") == "true" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg := config.Default()
	if path := os.Getenv("SPARK_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "spark: load config: %v\n", err)
			return coreerr.ExitGeneric
		}
		cfg = loaded
	}

	c, err := core.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spark: open core: %v\n", err)
		return exitFor(err)
	}
	defer c.Close()

	switch args[0] {
	case "status":
		return cmdStatus(c)
	case "ingest":
		return cmdIngest(c, args[1:])
	case "promote":
		return cmdPromote(c)
	case "tune":
		return cmdTune(c, args[1:])
	case "prune":
		return cmdPrune(c)
	default:
		fmt.Fprintf(os.Stderr, "spark: unknown command %q\n", args[0])
		return coreerr.ExitMisuse
	}
}

func exitFor(err error) int {
	if err == nil {
		return coreerr.ExitOK
	}
	return coreerr.ExitCode(err)
}

func cmdStatus(c *core.Core) int {
	status, err := c.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "spark: status: %v\n", err)
		return exitFor(err)
	}
	fmt.Printf("queue: active=%d dropped=%d\n", status.QueueActiveSize, status.QueueDropped)
	fmt.Printf("insights: %d\n", status.InsightCount)
	if status.LastHeartbeat != nil {
		fmt.Printf("last cycle: #%d at %s (%d events, %d insights touched)\n",
			status.LastHeartbeat.CycleNumber, status.LastHeartbeat.Timestamp.Format(time.RFC3339),
			status.LastHeartbeat.EventsRead, status.LastHeartbeat.InsightsTouched)
	} else {
		fmt.Println("last cycle: none yet")
	}
	return coreerr.ExitOK
}

// cmdIngest reads newline-delimited JSON events from a file, or stdin
// when the argument is "-", and Captures each one.
func cmdIngest(c *core.Core, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: spark ingest <file|->")
		return coreerr.ExitMisuse
	}

	var r *os.File
	if args[0] == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "spark: ingest: %v\n", err)
			return coreerr.ExitGeneric
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	accepted, rejected := 0, 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			rejected++
			continue
		}
		if err := c.Capture(&evt); err != nil {
			rejected++
			continue
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "spark: ingest: %v\n", err)
		return coreerr.ExitGeneric
	}

	fmt.Printf("ingested: accepted=%d rejected=%d\n", accepted, rejected)
	if rejected > 0 && accepted == 0 {
		return coreerr.ExitIntegrity
	}
	return coreerr.ExitOK
}

func cmdPromote(c *core.Core) int {
	hb, err := c.Promote(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "spark: promote: %v\n", err)
		return exitFor(err)
	}
	fmt.Printf("cycle #%d: %d events, %d insights touched, %d distillations, %d episodes consolidated\n",
		hb.CycleNumber, hb.EventsRead, hb.InsightsTouched, hb.DistillationsProduced, hb.EpisodesConsolidated)
	return coreerr.ExitOK
}

func cmdTune(c *core.Core, args []string) int {
	mode := autotuner.ModeSuggest
	for i := 0; i < len(args); i++ {
		if args[i] == "--mode" && i+1 < len(args) {
			mode = autotuner.Mode(args[i+1])
			i++
		}
	}
	switch mode {
	case autotuner.ModeSuggest, autotuner.ModeConservative, autotuner.ModeModerate, autotuner.ModeAggressive:
	default:
		fmt.Fprintf(os.Stderr, "spark: tune: invalid --mode %q\n", mode)
		return coreerr.ExitMisuse
	}

	recs, err := c.Tune(c.Measurements(), mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spark: tune: %v\n", err)
		return exitFor(err)
	}
	for _, r := range recs {
		applied := "suggested"
		if r.Applied {
			applied = "applied"
		}
		fmt.Printf("%s: %s %.4f -> %.4f (%s)\n", applied, r.Field, r.Before, r.After, r.Reason)
	}
	if len(recs) == 0 {
		fmt.Println("no changes recommended")
	}
	return coreerr.ExitOK
}

func cmdPrune(c *core.Core) int {
	removed, err := c.Prune(time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "spark: prune: %v\n", err)
		return exitFor(err)
	}
	fmt.Printf("pruned: %d\n", removed)
	return coreerr.ExitOK
}
