// Command castellan wires the policy decision and validation engine
// together and runs validation requests from a file or stdin. It owns
// the component lifecycle; the packages themselves hold no global state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/castellan-io/castellan/pkg/cache"
	"github.com/castellan-io/castellan/pkg/config"
	"github.com/castellan-io/castellan/pkg/decision"
	"github.com/castellan-io/castellan/pkg/metrics"
	"github.com/castellan-io/castellan/pkg/validation"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("castellan", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		mode       string
		profile    string
		profileDir string
		input      string
		batch      bool
		parallel   bool
	)
	cmd.StringVar(&mode, "mode", "", "Backend mode override: embedded, server, hybrid")
	cmd.StringVar(&profile, "profile", "", "Deployment profile name (profiles/profile_<name>.yaml)")
	cmd.StringVar(&profileDir, "profile-dir", "profiles", "Directory holding deployment profiles")
	cmd.StringVar(&input, "request", "-", "Validation request JSON file, or - for stdin")
	cmd.BoolVar(&batch, "batch", false, "Treat input as a JSON array of requests")
	cmd.BoolVar(&parallel, "parallel", true, "Dispatch batch items concurrently")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if profile != "" {
		if err := config.LoadProfile(cfg, profileDir, profile); err != nil {
			fmt.Fprintf(stderr, "castellan: %v\n", err)
			return 2
		}
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "castellan: %v\n", err)
		return 2
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stderr, nil))
	slog.SetDefault(logger)

	pipeline, cleanup, err := build(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "castellan: %v\n", err)
		return 2
	}
	defer cleanup()

	raw, err := readInput(input, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "castellan: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if batch {
		var reqs []*validation.Request
		if err := json.Unmarshal(raw, &reqs); err != nil {
			fmt.Fprintf(stderr, "castellan: parse batch: %v\n", err)
			return 2
		}
		results := pipeline.BatchValidate(ctx, reqs, parallel)
		if err := enc.Encode(results); err != nil {
			fmt.Fprintf(stderr, "castellan: %v\n", err)
			return 2
		}
		for _, r := range results {
			if !r.IsValid {
				return 1
			}
		}
		return 0
	}

	var req validation.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		fmt.Fprintf(stderr, "castellan: parse request: %v\n", err)
		return 2
	}
	resp, err := pipeline.Validate(ctx, &req)
	if err != nil {
		fmt.Fprintf(stderr, "castellan: %v\n", err)
		return 2
	}
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintf(stderr, "castellan: %v\n", err)
		return 2
	}
	if !resp.IsValid {
		return 1
	}
	return 0
}

// build constructs the cache tiers, decision client, and pipeline from
// configuration, returning a cleanup that releases them in order.
func build(cfg *config.Config) (*validation.Pipeline, func(), error) {
	var tier2 cache.Tier2
	var distributed *cache.DistributedCache
	if cfg.Tier2Addr != "" {
		distributed = cache.NewDistributed(cache.DistributedConfig{
			Addr:       cfg.Tier2Addr,
			Password:   cfg.Tier2Password,
			DB:         cfg.Tier2DB,
			DefaultTTL: cfg.Tier2TTL,
		})
		tier2 = distributed
	}
	tier1 := cache.NewLRU(cfg.Tier1Capacity, cfg.Tier1TTL)
	multiTier := cache.NewMultiTier(tier1, tier2)

	opts := decision.Options{
		Mode:           decision.Mode(cfg.Mode),
		Cache:          multiTier,
		CacheEnabled:   cfg.CacheEnabled,
		CacheTTL:       cfg.Tier1TTL,
		MaxParallel:    cfg.MaxParallelWorkers,
		Metrics:        metrics.New(cfg.MaxDecisionLatency),
		HealthInterval: cfg.HealthCheckInterval,
	}
	if cfg.Mode == "embedded" || cfg.Mode == "hybrid" {
		embedded, err := decision.NewEmbedded()
		if err != nil {
			return nil, nil, err
		}
		opts.Embedded = embedded
	}
	if cfg.Mode == "server" || cfg.Mode == "hybrid" {
		opts.Server = decision.NewServer(decision.ServerConfig{
			BaseURL:     cfg.ServerBaseURL(),
			BearerToken: cfg.BearerToken,
			Timeout:     cfg.ServerTimeout,
			MaxRetries:  cfg.ServerRetries,
		})
	}
	client, err := decision.NewClient(opts)
	if err != nil {
		return nil, nil, err
	}

	pipeline := validation.New(client, validation.Config{
		Weights:     cfg.ScoreWeights,
		MaxParallel: cfg.MaxParallelWorkers,
		Metrics:     metrics.New(0),
	})

	cleanup := func() {
		client.Close()
		if distributed != nil {
			_ = distributed.Close()
		}
	}
	return pipeline, cleanup, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request file: %w", err)
	}
	return raw, nil
}
