package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/metrics"
	"github.com/deepnoodle-ai/stategraph/postgres"
	"github.com/deepnoodle-ai/stategraph/steps"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
)

// CLI configuration
type Config struct {
	GraphFile     string
	Inputs        map[string]any
	Dir           string
	Extensions    string
	Concurrency   int
	ScoreField    string
	ItemTimeout   time.Duration
	LogsDir       string
	ExecutionsDir string
	PostgresDSN   string
	Resume        string
	MetricsFile   string
	Timeout       time.Duration
	Verbose       bool
	JSON          bool
}

func main() {
	config := parseFlags()

	if config.GraphFile == "" {
		color.Red("Error: graph file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.GraphFile); os.IsNotExist(err) {
		color.Red("Error: graph file '%s' not found", config.GraphFile)
		os.Exit(1)
	}

	logger := setupLogger(config.Verbose)

	color.Blue("Loading graph from: %s", config.GraphFile)
	graph, err := stategraph.LoadFile(config.GraphFile, steps.NewRegistry())
	if err != nil {
		log.Fatalf("Failed to load graph: %v", err)
	}
	color.Cyan("Graph: %s", graph.Name())
	if graph.Description() != "" {
		color.White("Description: %s", graph.Description())
	}

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	var nodeLogger stategraph.NodeLogger = stategraph.NewNullNodeLogger()
	if config.LogsDir != "" {
		nodeLogger = stategraph.NewFileNodeLogger(config.LogsDir)
		color.Blue("Node logs: %s", config.LogsDir)
	}

	checkpointer, err := setupCheckpointer(ctx, config)
	if err != nil {
		log.Fatalf("Failed to create checkpointer: %v", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("stategraph", registry)
	defer writeMetrics(config.MetricsFile, registry)

	if config.Dir != "" {
		ok := runDirectory(ctx, config, graph, logger, collector, nodeLogger, checkpointer)
		if !ok {
			writeMetrics(config.MetricsFile, registry)
			os.Exit(1)
		}
		return
	}

	execution, err := stategraph.NewExecution(stategraph.ExecutionOptions{
		Graph:        graph,
		Inputs:       config.Inputs,
		Logger:       logger,
		Callbacks:    collector,
		NodeLogger:   nodeLogger,
		Checkpointer: checkpointer,
	})
	if err != nil {
		log.Fatalf("Failed to create execution: %v", err)
	}

	color.Green("Starting execution (ID: %s)...", execution.ID())
	var record *stategraph.RunRecord
	if config.Resume != "" {
		color.Yellow("Resuming execution: %s", config.Resume)
		record, err = execution.Resume(ctx, config.Resume)
	} else {
		record, err = execution.Run(ctx)
	}
	if !showRunResults(record, err, config) {
		writeMetrics(config.MetricsFile, registry)
		os.Exit(1)
	}
}

func parseFlags() *Config {
	config := &Config{Inputs: map[string]any{}}

	flag.StringVar(&config.GraphFile, "file", "", "Path to the YAML graph definition file (required)")
	flag.StringVar(&config.GraphFile, "f", "", "Path to the YAML graph definition file (shorthand)")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Initial state value in format key=value (can be used multiple times)")
	flag.Var(&inputFlags, "i", "Initial state value in format key=value (shorthand)")

	flag.StringVar(&config.Dir, "dir", "", "Run the graph once per file in this directory")
	flag.StringVar(&config.Extensions, "ext", "", "Comma-separated file extensions to include with -dir (e.g. .pdf,.txt)")
	flag.IntVar(&config.Concurrency, "concurrency", 5, "Maximum concurrent runs with -dir")
	flag.StringVar(&config.ScoreField, "score", "", "Numeric state field to summarize across a batch")
	flag.DurationVar(&config.ItemTimeout, "item-timeout", 0, "Timeout for each run in a batch")

	flag.StringVar(&config.LogsDir, "logs", "", "Directory to store node attempt logs (optional)")
	flag.StringVar(&config.ExecutionsDir, "executions", "", "Directory to store execution checkpoints (optional)")
	flag.StringVar(&config.PostgresDSN, "postgres", "", "PostgreSQL DSN to store execution checkpoints (optional)")
	flag.StringVar(&config.Resume, "resume", "", "Resume the given execution ID from its latest checkpoint")
	flag.StringVar(&config.MetricsFile, "metrics", "", "Write Prometheus metrics to this file on exit (optional)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Overall timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&config.Timeout, "t", 0, "Overall timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `stategraph - Execute YAML-defined state graphs

Usage: %s [options] -file <graph.yaml>

Examples:
  # Run a graph once
  %s -file screen.yaml -input name=Ada

  # Run a graph over every PDF in a directory, four at a time
  %s -file screen.yaml -dir ./cvs -ext .pdf -concurrency 4 -score score

  # Checkpoint to disk and resume a failed run
  %s -file screen.yaml -executions ./checkpoints -resume exec_01h...

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Built-in Steps:
  set        - Write fixed values
  sleep      - Wait for a duration
  fail       - Fail with a message (optionally fatal)
  read_file  - Read the file named by a state field
  print      - Print a templated message
  script     - Evaluate a Risor expression over state

Built-in Routers:
  threshold    - Route on a numeric field compared to a threshold
  field_value  - Route on a field's value
  script       - Route on a Risor expression (router: {script: ...})

Input Format:
  Values are parsed as JSON if possible, otherwise as strings.

`)
	}

	flag.Parse()

	for _, input := range inputFlags {
		key, value, ok := strings.Cut(input, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use key=value\n", input)
			os.Exit(1)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		config.Inputs[key] = parsed
	}
	return config
}

// Custom flag type for handling multiple input values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelInfo
	}
	return stategraph.NewLoggerWithLevel(level)
}

func setupCheckpointer(ctx context.Context, config *Config) (stategraph.Checkpointer, error) {
	switch {
	case config.PostgresDSN != "":
		db, err := postgres.Open(ctx, config.PostgresDSN)
		if err != nil {
			return nil, err
		}
		checkpointer, err := postgres.NewCheckpointer(postgres.Options{DB: db})
		if err != nil {
			return nil, err
		}
		if err := checkpointer.Migrate(ctx); err != nil {
			return nil, err
		}
		color.Blue("Checkpoints: postgres")
		return checkpointer, nil
	case config.ExecutionsDir != "":
		checkpointer, err := stategraph.NewFileCheckpointer(config.ExecutionsDir)
		if err != nil {
			return nil, err
		}
		color.Blue("Checkpoints: %s", config.ExecutionsDir)
		return checkpointer, nil
	default:
		return stategraph.NewNullCheckpointer(), nil
	}
}

func runDirectory(
	ctx context.Context,
	config *Config,
	graph *stategraph.Graph,
	logger *slog.Logger,
	collector *metrics.Collector,
	nodeLogger stategraph.NodeLogger,
	checkpointer stategraph.Checkpointer,
) bool {
	scheduler, err := stategraph.NewScheduler(stategraph.SchedulerOptions{
		Graph:              graph,
		Concurrency:        config.Concurrency,
		ScoreField:         config.ScoreField,
		ItemTimeout:        config.ItemTimeout,
		Logger:             logger,
		Callbacks:          collector,
		ExecutionCallbacks: collector,
		NodeLogger:         nodeLogger,
		Checkpointer:       checkpointer,
	})
	if err != nil {
		color.Red("Error: %v", err)
		return false
	}

	var extensions []string
	if config.Extensions != "" {
		extensions = strings.Split(config.Extensions, ",")
	}
	color.Green("Running %s over %s (concurrency %d)...", graph.Name(), config.Dir, config.Concurrency)
	result, err := scheduler.RunDirectory(ctx, stategraph.DirectoryOptions{
		Dir:        config.Dir,
		Extensions: extensions,
	})
	if err != nil {
		color.Red("Error: %v", err)
		return false
	}

	if config.JSON {
		printJSON(result)
		return result.Failed == 0
	}

	color.White("Batch %s completed in %v", result.BatchID, result.Duration)
	color.White("Total: %d  Successful: %d  Failed: %d", result.Total, result.Successful, result.Failed)
	if result.Total > 0 {
		color.White("Average time per item: %v", result.AverageDuration)
	}
	if config.ScoreField != "" && result.Score.Count > 0 {
		color.Magenta("Score (%s): mean %.1f  min %.1f  max %.1f",
			config.ScoreField, result.Score.Mean, result.Score.Min, result.Score.Max)
	}
	for _, item := range result.Items {
		if item.Status == stategraph.ExecutionStatusCompleted {
			color.Green("  ✓ %s (%v)", item.ID, item.Duration.Round(time.Millisecond))
		} else {
			color.Red("  ✗ %s: %s", item.ID, item.Error)
		}
	}
	return result.Failed == 0
}

func showRunResults(record *stategraph.RunRecord, err error, config *Config) bool {
	if record == nil {
		color.Red("Error: %v", err)
		return false
	}
	if config.JSON {
		printJSON(record)
		return record.Succeeded()
	}

	color.White("Execution completed in %v", record.Duration())
	color.White("Status: %s", record.Status)
	color.White("Visited: %s", strings.Join(record.Visited, " → "))
	if err != nil {
		color.Red("Error: %v", err)
	} else if record.Error != "" {
		color.Red("Error: %s", record.Error)
	} else {
		color.Green("Execution successful!")
	}

	fmt.Printf("\n")
	color.Magenta("Final state:")
	state := record.FinalState
	for _, key := range state.Keys() {
		value, _ := state.Get(key)
		if valueBytes, err := json.Marshal(value); err == nil {
			fmt.Printf("  %s: %s\n", key, string(valueBytes))
		} else {
			fmt.Printf("  %s: %v\n", key, value)
		}
	}
	return record.Succeeded()
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("Error formatting output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func writeMetrics(path string, registry *prometheus.Registry) {
	if path == "" {
		return
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		color.Red("Failed to write metrics: %v", err)
	}
}
