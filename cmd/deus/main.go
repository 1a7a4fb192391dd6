// deus - building damage and loss estimation for chained hazard scenarios
//
// Usage:
//
//	deus update --exposure exposure.json --schema SARA_v1.0 --fragility sara.json --intensity shakemap.geojson --output out.json
//	deus summary --exposure out.json --output-dir summary/
//	deus fragility --fragility sara.json
//	deus serve --config deus.yaml
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"deus/api"
	"deus/db/ingestion"
	"deus/internal/config"
	"deus/internal/exposure"
	"deus/internal/fragility"
	"deus/internal/intensity"
	"deus/internal/summary"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "deus",
		Usage:   "Damage, exposure update and loss estimation for chained hazard scenarios",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration",
				EnvVars: []string{"DEUS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (console, json)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of cells processed in parallel",
			},
			&cli.StringFlag{
				Name:  "clickhouse-host",
				Usage: "ClickHouse host",
			},
			&cli.IntFlag{
				Name:  "clickhouse-port",
				Usage: "ClickHouse native port",
			},
			&cli.StringFlag{
				Name:  "clickhouse-database",
				Usage: "ClickHouse database",
			},
			&cli.StringFlag{
				Name:  "clickhouse-user",
				Usage: "ClickHouse user",
			},
			&cli.StringFlag{
				Name:  "clickhouse-password",
				Usage: "ClickHouse password",
			},
			&cli.StringFlag{
				Name:  "postgres-dsn",
				Usage: "PostgreSQL DSN for loss rates",
			},
		},

		Commands: []*cli.Command{
			updateCommand(),
			summaryCommand(),
			fragilityCommand(),
			serveCommand(),
		},
	}
}

// =============================================================================
// UPDATE COMMAND
// =============================================================================

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Update an exposure model with the damage of one event",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "exposure",
				Aliases:  []string{"e"},
				Usage:    "Exposure GeoJSON (file or http(s) URL)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "schema",
				Aliases:  []string{"s"},
				Usage:    "Schema of the exposure model",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "fragility",
				Aliases: []string{"f"},
				Usage:   "Fragility JSON file",
			},
			&cli.StringSliceFlag{
				Name:    "intensity",
				Aliases: []string{"i"},
				Usage:   "Intensity GeoJSON with value_/unit_ columns; replaces configured sources",
			},
			&cli.StringSliceFlag{
				Name:  "loss",
				Usage: "Loss data JSON file; replaces configured files",
			},
			&cli.StringFlag{
				Name:  "currency",
				Usage: "Currency of the loss data",
			},
			&cli.StringFlag{
				Name:  "taxonomy-conv",
				Usage: "Directory of taxonomy conversion files",
			},
			&cli.StringFlag{
				Name:  "damage-conv",
				Usage: "Directory of damage state conversion files",
			},
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "Path of the updated exposure GeoJSON",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "summary-dir",
				Usage: "Also write a summary to this directory",
			},
			&cli.BoolFlag{
				Name:  "persist",
				Usage: "Record the run in ClickHouse",
			},
		},
		Action: runUpdate,
	}
}

func runUpdate(c *cli.Context) error {
	ctx := c.Context

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if v := c.String("fragility"); v != "" {
		cfg.Fragility = v
	}
	if paths := c.StringSlice("intensity"); len(paths) > 0 {
		cfg.Intensity.Sources = cfg.Intensity.Sources[:0]
		for _, p := range paths {
			cfg.Intensity.Sources = append(cfg.Intensity.Sources, intensity.SourceSpec{Type: intensity.SourceGeoJSON, Path: p})
		}
	}
	if paths := c.StringSlice("loss"); len(paths) > 0 {
		cfg.Loss.Files = paths
	}
	if v := c.String("currency"); v != "" {
		cfg.Loss.Currency = v
	}
	if v := c.String("taxonomy-conv"); v != "" {
		cfg.Mapping.TaxonomyDir = v
	}
	if v := c.String("damage-conv"); v != "" {
		cfg.Mapping.DamageStateDir = v
	}

	model, err := loadModel(cfg.Fragility)
	if err != nil {
		return err
	}
	provider, err := loadIntensity(ctx, cfg, logger)
	if err != nil {
		return err
	}
	losses, err := loadLosses(ctx, cfg)
	if err != nil {
		return err
	}
	mapper, err := loadMapper(cfg)
	if err != nil {
		return err
	}

	reader := newSourceReader(logger)
	data, err := reader.ReadSource(ctx, c.String("exposure"))
	if err != nil {
		return fmt.Errorf("failed to read exposure: %w", err)
	}
	snapshot, err := exposure.ReadSnapshot(data, c.String("schema"))
	if err != nil {
		return err
	}

	engine := exposure.NewEngine(provider, model, losses).
		WithMapper(mapper).
		WithWorkers(cfg.Workers).
		WithLogger(logger)

	result, err := engine.Update(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("exposure update failed: %w", err)
	}

	if err := exposure.WriteSnapshot(c.String("output"), result.Snapshot); err != nil {
		return err
	}

	if dir := c.String("summary-dir"); dir != "" {
		s, err := summary.Build(result.Snapshot)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create summary directory: %w", err)
		}
		if err := summary.Write(dir, s); err != nil {
			return err
		}
	}

	if c.Bool("persist") {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		recorded, err := ingestion.NewRunRecorder(store).WithLogger(logger).Record(ctx, result, runInputs(c, cfg))
		if err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		logger.Info().Str("run_id", recorded.RunID).Int("cells", recorded.CellCount).Msg("Run persisted")
	}

	return printTotals(result)
}

func runInputs(c *cli.Context, cfg *config.Config) map[string]string {
	inputs := map[string]string{
		"exposure":        c.String("exposure"),
		"exposure_schema": c.String("schema"),
		"fragility":       cfg.Fragility,
		"currency":        cfg.Loss.Currency,
		"loss":            strings.Join(cfg.Loss.Files, ","),
	}
	for i, src := range cfg.Intensity.Sources {
		inputs[fmt.Sprintf("intensity_%d", i)] = src.Type + ":" + src.Path
	}
	return inputs
}

func printTotals(result *exposure.Result) error {
	t := result.Totals
	fmt.Printf("Run %s\n", result.RunID)
	fmt.Printf("  Cells:            %d\n", t.Cells)
	fmt.Printf("  Buildings:        %.2f\n", t.Buildings)
	fmt.Printf("  Loss:             %s %s\n", t.Loss.StringFixed(2), t.Currency)
	fmt.Printf("  Cumulative loss:  %s %s\n", t.CumulativeLoss.StringFixed(2), t.Currency)
	for _, ds := range t.DamageStates() {
		fmt.Printf("  D%d:               %.2f\n", ds, t.BuildingsByDamageState[ds])
	}
	for _, tr := range t.Transitions {
		fmt.Printf("  D%d -> D%d:         %.2f\n", tr.FromState, tr.ToState, tr.Buildings)
	}
	return nil
}

// =============================================================================
// SUMMARY COMMAND
// =============================================================================

func summaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Summarize an updated exposure model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "exposure",
				Aliases:  []string{"e"},
				Usage:    "Updated exposure GeoJSON",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output-dir",
				Aliases:  []string{"o"},
				Usage:    "Directory for summary.geojson and meta_summary.json",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			snapshot, err := exposure.LoadSnapshot(c.String("exposure"), "")
			if err != nil {
				return err
			}
			s, err := summary.Build(snapshot)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(c.String("output-dir"), 0o755); err != nil {
				return fmt.Errorf("failed to create summary directory: %w", err)
			}
			return summary.Write(c.String("output-dir"), s)
		},
	}
}

// =============================================================================
// FRAGILITY COMMAND
// =============================================================================

func fragilityCommand() *cli.Command {
	return &cli.Command{
		Name:  "fragility",
		Usage: "Print the completed damage state lattice of a fragility file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "fragility",
				Aliases:  []string{"f"},
				Usage:    "Fragility JSON file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "format",
				Value: "table",
				Usage: "Output format (table, json)",
			},
		},
		Action: func(c *cli.Context) error {
			model, err := loadModel(c.String("fragility"))
			if err != nil {
				return err
			}
			if c.String("format") == "json" {
				return outputLatticeJSON(model)
			}
			outputLatticeTable(model)
			return nil
		},
	}
}

type latticeEntry struct {
	Taxonomy string  `json:"taxonomy"`
	From     int     `json:"from"`
	To       int     `json:"to"`
	Field    string  `json:"intensity_field"`
	Unit     string  `json:"intensity_unit"`
	Shape    string  `json:"shape"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stddev"`
}

// lattice lists the transitions of every taxonomy, highest target state first.
func lattice(model *fragility.Model) []latticeEntry {
	var entries []latticeEntry
	for _, tax := range model.Taxonomies() {
		states := model.DamageStates(tax)
		fragility.SortByToStateDesc(states)
		for _, ds := range states {
			entries = append(entries, latticeEntry{
				Taxonomy: tax,
				From:     ds.FromState,
				To:       ds.ToState,
				Field:    ds.IntensityField,
				Unit:     ds.IntensityUnit,
				Shape:    string(ds.Function.Family()),
				Mean:     ds.Function.Mean(),
				StdDev:   ds.Function.StdDev(),
			})
		}
	}
	return entries
}

func outputLatticeJSON(model *fragility.Model) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"schema":       model.Schema(),
		"damage_state": lattice(model),
	})
}

func outputLatticeTable(model *fragility.Model) {
	fmt.Printf("Schema %s\n", model.Schema())
	fmt.Printf("%-24s %5s %5s %-10s %-6s %-8s %10s %10s\n", "TAXONOMY", "FROM", "TO", "FIELD", "UNIT", "SHAPE", "MEAN", "STDDEV")
	for _, e := range lattice(model) {
		fmt.Printf("%-24s %5d %5d %-10s %-6s %-8s %10.4f %10.4f\n",
			e.Taxonomy, e.From, e.To, e.Field, e.Unit, e.Shape, e.Mean, e.StdDev)
	}
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Server port",
			},
			&cli.StringFlag{
				Name:  "api-key",
				Usage: "Require this key in the X-API-Key header",
			},
			&cli.BoolFlag{
				Name:  "persist",
				Usage: "Connect the ClickHouse run store even if disabled in the configuration",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("api-key") {
		cfg.Server.APIKey = c.String("api-key")
	}
	if c.Bool("persist") {
		cfg.ClickHouse.Enabled = true
	}

	model, err := loadModel(cfg.Fragility)
	if err != nil {
		return err
	}
	losses, err := loadLosses(ctx, cfg)
	if err != nil {
		return err
	}
	mapper, err := loadMapper(cfg)
	if err != nil {
		return err
	}

	deps := api.Dependencies{
		Model:   model,
		Losses:  losses,
		Mapper:  mapper,
		Aliases: cfg.Intensity.Aliases,
		Workers: cfg.Workers,
	}
	if len(cfg.Intensity.Sources) > 0 {
		provider, err := loadIntensity(ctx, cfg, logger)
		if err != nil {
			return err
		}
		deps.Intensity = provider
	}
	if cfg.ClickHouse.Enabled {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Store = store
	}

	server := api.NewServer(deps, &api.Config{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxRequestSize: cfg.Server.MaxBodyBytes,
		APIKey:         cfg.Server.APIKey,
	}, logger)

	return server.Start(ctx)
}
