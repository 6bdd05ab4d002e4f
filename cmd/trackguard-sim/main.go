package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rmax-ai/trackguard/pkg/simulation"
)

func main() {
	var (
		scenarioFile string
		apiURL       string
		adminToken   string
		jsonOutput   bool
		outputFile   string
		verbose      bool
	)

	flag.StringVar(&scenarioFile, "scenario", "", "Path to scenario YAML or JSON file")
	flag.StringVar(&apiURL, "api", "http://127.0.0.1:8095", "Base URL of trackguard-d API")
	flag.StringVar(&adminToken, "admin-token", os.Getenv("TRACKGUARD_ADMIN_TOKEN"), "Admin token for disruptions")
	flag.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	flag.StringVar(&outputFile, "out", "", "Write output to file instead of stdout")
	flag.BoolVar(&verbose, "v", false, "Log progress to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	scenario := defaultScenario()
	if scenarioFile != "" {
		s, err := simulation.LoadScenario(scenarioFile)
		if err != nil {
			logger.Error("scenario_load_failed", "path", scenarioFile, "error", err)
			os.Exit(2)
		}
		scenario = s
	} else {
		fmt.Fprintln(os.Stderr, "No scenario file provided, running default demo scenario...")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := simulation.NewRunner(apiURL, logger)
	runner.SetAdminToken(adminToken)
	result := runner.Run(ctx, scenario)

	if err := writeReport(result, jsonOutput, outputFile); err != nil {
		logger.Error("report_failed", "error", err)
		os.Exit(2)
	}
	if !result.Success {
		os.Exit(1)
	}
}

func defaultScenario() simulation.Scenario {
	return simulation.Scenario{
		Name:        "Default Demo",
		Description: "Dashboards polling a shared fleet",
		Duration:    simulation.Duration(10 * time.Second),
		Requesters: []simulation.RequesterConfig{
			{
				Name:      "dashboard",
				Count:     5,
				Priority:  "medium",
				Behavior:  simulation.BehaviorPeriodic,
				Rate:      2,
				Devices:   []string{"dev-0001", "dev-0002", "dev-0003", "dev-0004"},
				BatchSize: 2,
			},
		},
		Invariants: []simulation.Invariant{
			{Metric: "error_rate", Condition: "<", Value: 0.05, Scope: "global"},
		},
	}
}

func writeReport(res simulation.Result, jsonFmt bool, filePath string) error {
	var output []byte
	if jsonFmt {
		b, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		output = b
	} else {
		var buf bytes.Buffer
		formatReport(&buf, res)
		output = buf.Bytes()
	}

	if filePath != "" {
		if err := os.WriteFile(filePath, output, 0644); err != nil {
			return fmt.Errorf("write report to %s: %w", filePath, err)
		}
		fmt.Printf("Report written to %s\n", filePath)
		return nil
	}
	fmt.Println(string(output))
	return nil
}

func formatReport(w io.Writer, res simulation.Result) {
	fmt.Fprintf(w, "\n--- Simulation Report: %s ---\n", res.ScenarioName)
	fmt.Fprintf(w, "Duration: %s | Seed: %d | Disruptions: %d\n", res.Duration, res.Seed, res.Disruptions)
	writeStats(w, "Total", res.Totals)

	names := make([]string, 0, len(res.Requesters))
	for name := range res.Requesters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeStats(w, "  "+name, *res.Requesters[name])
	}

	if len(res.Invariants) > 0 {
		fmt.Fprintln(w, "\nInvariants:")
		for _, inv := range res.Invariants {
			status := "FAIL"
			if inv.Passed {
				status = "PASS"
			}
			fmt.Fprintf(w, "[%s] %s (%s): Expected %s, Got %s\n", status, inv.Metric, inv.Scope, inv.Expected, inv.Actual)
		}
	}
}

func writeStats(w io.Writer, label string, s simulation.Stats) {
	fmt.Fprintf(w, "%s: Requests: %d | OK: %d | Cached: %d | Rate limited: %d | Emergency: %d | Errors: %d\n",
		label, s.Requests, s.Successes, s.CacheHits, s.RateLimited, s.Emergency, s.Errors)
}
