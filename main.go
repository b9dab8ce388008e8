package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/kartoza/diet-planner/internal/config"
	"github.com/kartoza/diet-planner/internal/dataset"
	"github.com/kartoza/diet-planner/internal/export"
	"github.com/kartoza/diet-planner/internal/history"
	"github.com/kartoza/diet-planner/internal/notes"
	"github.com/kartoza/diet-planner/internal/server"
)

var version = "dev"

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dataDir := flag.String("data-dir", "", "Directory holding model, guidelines and schema files (overrides config)")
	input := flag.String("input", "", "Batch mode: CSV, TSV or JSON file of patient records")
	outputDir := flag.String("output-dir", "./output", "Batch mode: directory for per-patient diet plans")
	formats := flag.String("formats", "json", "Batch mode: comma-separated export formats (json, pdf)")
	fallback := flag.Bool("fallback", false, "Use the general plan for rows whose condition has no guideline")
	notesPath := flag.String("notes", "", "Read a doctor note from this file and print the matching plan")
	noPack := flag.Bool("no-pack", false, "Ignore the installed model pack")
	logJSON := flag.Bool("log-json", false, "Log in JSON")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Diet Planner v%s\n", version)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.Server.DataDir = *dataDir
	}
	if *fallback {
		cfg.Guidelines.Fallback = true
	}
	if *logJSON {
		cfg.Log.JSON = true
	}
	cfg.Version = version

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if !*noPack {
		cfg = applySavedPack(cfg, logger)
	}

	switch {
	case *input != "":
		err = runBatch(cfg, logger, *input, *outputDir, *formats)
	case *notesPath != "":
		err = runNotes(cfg, logger, *notesPath)
	default:
		err = runServer(cfg, logger)
	}
	if err != nil {
		logger.Fatal("Diet planner failed", zap.Error(err))
	}
}

// newLogger builds a development logger, or a production JSON logger.
func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if lc.JSON {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	zc.Level = level
	return zc.Build()
}

// applySavedPack points the config at the model pack installed over the
// API, if there is one and it is still intact.
func applySavedPack(cfg *config.Config, logger *zap.Logger) *config.Config {
	settings, err := config.LoadSettings()
	if err != nil {
		logger.Warn("Could not load settings", zap.Error(err))
		return cfg
	}
	if settings.ModelPackPath == "" {
		return cfg
	}
	manifest, err := server.ReadModelPack(settings.ModelPackPath)
	if err != nil {
		logger.Warn("Saved model pack is not usable", zap.String("path", settings.ModelPackPath), zap.Error(err))
		return cfg
	}
	logger.Info("Using model pack", zap.String("path", settings.ModelPackPath), zap.String("version", manifest.Version))
	return server.ApplyModelPack(cfg, settings.ModelPackPath, manifest)
}

// runBatch predicts every record in a file and writes one document per
// patient and format.
func runBatch(cfg *config.Config, logger *zap.Logger, inputPath, outputDir, formatList string) error {
	var fmts []export.Format
	for _, name := range strings.Split(formatList, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		f, err := export.ParseFormat(name)
		if err != nil {
			return err
		}
		fmts = append(fmts, f)
	}

	pipe, err := server.LoadPipeline(cfg, logger)
	if err != nil {
		return err
	}

	batch, err := readInput(inputPath)
	if err != nil {
		return err
	}

	results, report, err := pipe.Run(batch)
	if err != nil {
		return err
	}
	if report.HasDrift() {
		logger.Warn("Input drifted from feature schema",
			zap.Strings("filled", report.MissingFields()),
			zap.Strings("dropped", report.Extra))
	}
	if cfg.Guidelines.Fallback {
		results = pipe.ApplyFallback(results)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.Warn("No diet plan for patient", zap.Int("row", r.Index), zap.Error(r.Err))
		}
	}

	paths, err := export.WriteAll(outputDir, results, fmts)
	if err != nil {
		return err
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.Resolve(cfg.History.Path))
		if err != nil {
			logger.Warn("Run history not available", zap.Error(err))
		} else {
			defer store.Close()
			if run, err := store.Save(filepath.Base(inputPath), results); err != nil {
				logger.Warn("Could not save run", zap.Error(err))
			} else {
				logger.Info("Saved run", zap.String("id", run.ID))
			}
		}
	}

	logger.Info("Batch complete",
		zap.Int("patients", len(results)),
		zap.Int("without_plan", failed),
		zap.Int("files", len(paths)),
		zap.String("output", outputDir))
	return nil
}

// runNotes prints the plan for a doctor note as JSON.
func runNotes(cfg *config.Config, logger *zap.Logger, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read notes: %w", err)
	}

	pipe, err := server.LoadPipeline(cfg, logger)
	if err != nil {
		return err
	}

	note := notes.Parse(string(data))
	out := map[string]interface{}{"note": note}
	plan, err := pipe.PlanForNote(note)
	if err != nil {
		plan = pipe.FallbackPlan(note.Condition())
		out["fallback"] = true
	}
	out["diet_plan"] = plan

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	// Find an available port (try up to 10 ports starting from the requested one)
	availablePort, err := findAvailablePort(cfg.Server.Port, 10)
	if err != nil {
		return err
	}
	if availablePort != cfg.Server.Port {
		logger.Info("Port in use, using another", zap.Int("requested", cfg.Server.Port), zap.Int("port", availablePort))
	}
	cfg.Server.Port = availablePort

	logger.Info("Diet Planner starting",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Server.DataDir))

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-stop:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		if err := srv.Stop(); err != nil {
			logger.Warn("Error during shutdown", zap.Error(err))
		}
	}
	return nil
}

func readInput(path string) (*dataset.Table, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return dataset.DecodeJSON(data)
	}
	return dataset.ReadCSV(path)
}

// findAvailablePort finds an available port, starting from the given port.
// If the port is in use, it tries subsequent ports up to maxAttempts times.
func findAvailablePort(startPort int, maxAttempts int) (int, error) {
	for i := 0; i < maxAttempts; i++ {
		port := startPort + i
		addr := fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			listener.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found after %d attempts starting from %d", maxAttempts, startPort)
}
