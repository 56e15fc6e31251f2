package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/DukeRupert/ppewatch/internal"
	"github.com/DukeRupert/ppewatch/internal/pgstore"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var loadFile string

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load a JSON fixture into the Postgres source",
	Long: `Apply migrations and write domains, cameras, violations and detection
totals from a fixture file. Violations whose ID already exists are skipped.
Requires SOURCE=postgres.`,
	Example: `  ppectl load --file testdata/site.json
  cat site.json | ppectl load --file -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := internal.NewConfig()
		if err != nil {
			return err
		}
		if cfg.Source != internal.SourcePostgres {
			return fmt.Errorf("load requires SOURCE=postgres, got %q", cfg.Source)
		}

		fixture, err := readFixture(cmd.InOrStdin(), loadFile)
		if err != nil {
			return err
		}

		logger := internal.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel)
		backend, err := internal.OpenBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		res, err := backend.Store.Load(cmd.Context(), fixture)
		if err != nil {
			return err
		}

		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(),
			"Loaded %d domains, %d cameras, %d violations (%d skipped), %d detection totals\n",
			res.Domains, res.Cameras, res.Violations, res.Skipped, res.Detections)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres source schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := internal.NewConfig()
		if err != nil {
			return err
		}
		if cfg.Source != internal.SourcePostgres {
			return fmt.Errorf("migrate requires SOURCE=postgres, got %q", cfg.Source)
		}

		logger := internal.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel)
		backend, err := internal.OpenBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		return backend.Close()
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(migrateCmd)

	loadCmd.Flags().StringVarP(&loadFile, "file", "f", "", "Fixture file, or - for stdin")
	_ = loadCmd.MarkFlagRequired("file")
}

// readFixture decodes a fixture from path, or from stdin when path is "-".
func readFixture(stdin io.Reader, path string) (pgstore.Fixture, error) {
	var f pgstore.Fixture

	r := stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return f, err
		}
		defer file.Close()
		r = file
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return f, fmt.Errorf("decode fixture: %w", err)
	}
	return f, nil
}
