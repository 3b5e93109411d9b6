package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/sigil/internal/expressions"
	"github.com/rendis/sigil/internal/handlers"
	"github.com/rendis/sigil/internal/integrity"
	"github.com/rendis/sigil/internal/logging"
	"github.com/rendis/sigil/internal/mapper"
	"github.com/rendis/sigil/internal/rules"
	"github.com/rendis/sigil/internal/store"
	"github.com/rendis/sigil/internal/validation"
	"github.com/rendis/sigil/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if os.Args[1] == "version" {
		printVersion()
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", slog.String("command", os.Args[1]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sigil <command> [args]

commands:
  version                       print the build version
  migrate                       apply pending database migrations
  register <model.json>         register (or replace) a model definition
  models                        list registered models
  validate <model> <docs.json>  validate documents without persisting them
  save <model> <docs.json>      validate a batch and persist it when clean
  sweep-add <model> <cron>      schedule periodic re-validation of a model
  sweep                         run the integrity sweeper in the foreground`)
}

func run(cfg Config, logger *slog.Logger, command string, args []string) error {
	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	if command == "migrate" {
		logger.Info("migrations applied", slog.String("db", cfg.DBPath))
		return nil
	}

	m, err := buildMapper(st, cfg, logger)
	if err != nil {
		return err
	}
	if err := loadModels(ctx, st, m); err != nil {
		return err
	}

	switch command {
	case "register":
		return cmdRegister(ctx, st, m, args)
	case "models":
		for _, name := range m.Models() {
			fmt.Println(name)
		}
		return nil
	case "validate":
		return cmdValidate(ctx, m, args, false)
	case "save":
		return cmdValidate(ctx, m, args, true)
	case "sweep-add":
		return cmdSweepAdd(ctx, st, args)
	case "sweep":
		return cmdSweep(ctx, cfg, st, m, logger)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func buildMapper(st store.Store, cfg Config, logger *slog.Logger) (*mapper.Mapper, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	registry := rules.NewRegistry(rules.Deps{Engines: engines})
	validator, err := validation.NewModelValidator(validation.NewSemanticChecker(registry, engines))
	if err != nil {
		return nil, err
	}

	m := mapper.New(st, registry, validator, mapper.Config{
		MaxRounds:    cfg.MaxRounds,
		DispatchSize: cfg.DispatchSize,
		Logger:       logger,
	})
	m.SetHandlers([]schema.Handler{
		handlers.NewExistenceHandler(st),
		handlers.NewFetchHandler(st),
	})
	return m, nil
}

// modelsCollection is the reserved collection holding model definitions, so
// registrations survive restarts.
const modelsCollection = "sigil_models"

func loadModels(ctx context.Context, st store.Store, m *mapper.Mapper) error {
	if err := st.EnsureCollection(ctx, modelsCollection); err != nil {
		return err
	}
	docs, err := st.List(ctx, modelsCollection, store.ListFilter{})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		raw, err := json.Marshal(doc["definition"])
		if err != nil {
			return err
		}
		var def schema.ModelDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return err
		}
		if err := m.RegisterModel(ctx, &def); err != nil {
			return err
		}
	}
	return nil
}

func cmdRegister(ctx context.Context, st store.Store, m *mapper.Mapper, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sigil register <model.json>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var def schema.ModelDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	if err := m.RegisterModel(ctx, &def); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	doc := schema.Document{schema.DocumentID: def.Name, "definition": raw}
	if existing, err := st.Get(ctx, modelsCollection, def.Name); err != nil {
		return err
	} else if existing != nil {
		return st.Update(ctx, modelsCollection, def.Name, doc)
	}
	return st.Insert(ctx, modelsCollection, doc)
}

func cmdValidate(ctx context.Context, m *mapper.Mapper, args []string, persist bool) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: sigil %s <model> <docs.json>", map[bool]string{false: "validate", true: "save"}[persist])
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	var docs []schema.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		// Accept a single document too.
		var one schema.Document
		if err2 := json.Unmarshal(data, &one); err2 != nil {
			return err
		}
		docs = []schema.Document{one}
	}

	var report *mapper.Report
	if persist {
		report, err = m.Save(ctx, args[0], docs)
	} else {
		report, err = m.Validate(ctx, args[0], docs)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !report.OK() {
		os.Exit(1)
	}
	return nil
}

func cmdSweepAdd(ctx context.Context, st store.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: sigil sweep-add <model> <cron>")
	}
	job := &store.SweepJob{
		ID:       uuid.NewString(),
		Model:    args[0],
		CronExpr: args[1],
		Enabled:  true,
	}
	if err := st.CreateSweepJob(ctx, job); err != nil {
		return err
	}
	fmt.Println(job.ID)
	return nil
}

func cmdSweep(ctx context.Context, cfg Config, st store.Store, m *mapper.Mapper, logger *slog.Logger) error {
	sweeper := integrity.NewSweeper(st, m, logger)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
		logger.Info("metrics exposed", slog.String("addr", cfg.MetricsAddr))
	}

	if err := sweeper.RecoverMissed(ctx); err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	return sweeper.Stop()
}
