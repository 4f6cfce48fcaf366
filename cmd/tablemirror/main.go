package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/tablemirror/pkg/config"

	// Register every source, object store and warehouse driver
	_ "github.com/ajitpratap0/tablemirror/pkg/objectstore/gcs"
	_ "github.com/ajitpratap0/tablemirror/pkg/objectstore/minio"
	_ "github.com/ajitpratap0/tablemirror/pkg/objectstore/s3"
	_ "github.com/ajitpratap0/tablemirror/pkg/source/mysql"
	_ "github.com/ajitpratap0/tablemirror/pkg/source/postgres"
	_ "github.com/ajitpratap0/tablemirror/pkg/warehouse/bigquery"
	_ "github.com/ajitpratap0/tablemirror/pkg/warehouse/snowflake"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	var settingsFile string

	root := &cobra.Command{
		Use:   "tablemirror",
		Short: "tablemirror - mirror relational tables into a cloud data warehouse",
		Long: `tablemirror extracts tables from PostgreSQL or MySQL into csv, parquet or avro
files, uploads them to object storage and loads them into Snowflake or BigQuery.
Each table is mirrored either as a full snapshot or incrementally above a watermark,
with the target schema evolved as the source changes.

Replication files are read from the configs directory, one YAML file per source
database. Process settings come from flags, TABLEMIRROR_* environment variables
and an optional settings file.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&settingsFile, "settings", "", "Path to a settings file (yaml, json or toml)")
	flags.String("configs", "configs", "Directory holding the replication YAML files")
	flags.String("state", "tablemirror.db", "Path of the SQLite state database")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log encoding (json or console)")
	for key, flag := range map[string]string{
		"configs_path": "configs",
		"state_path":   "state",
		"log_level":    "log-level",
		"log_format":   "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	load := func() (*config.Settings, error) {
		return config.LoadSettings(v, settingsFile)
	}

	root.AddCommand(
		newRunCommand(v, load),
		newValidateCommand(load),
		newStateCommand(load),
		newVersionCommand(),
	)
	return root
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
}
