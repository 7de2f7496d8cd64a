// Command migrate-gen generates SQL migration files for the stagecoord run store.
//
// Usage:
//
//	go run github.com/getpup/stagecoord/cmd/migrate-gen --output migrations --filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/stagecoord/cmd/migrate-gen --output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/getpup/stagecoord/cmd/migrate-gen --adapter postgres --output migrations
//	go run github.com/getpup/stagecoord/cmd/migrate-gen --adapter mysql --output migrations
//	go run github.com/getpup/stagecoord/cmd/migrate-gen --adapter sqlite --output migrations
//
// Customize table names:
//
//	go run github.com/getpup/stagecoord/cmd/migrate-gen --runs-table runs --checkpoints-table run_checkpoints
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/getpup/stagecoord/pkg/migrations"
	"github.com/getpup/stagecoord/store/sqlstore"
)

func main() {
	config := migrations.DefaultConfig()

	var (
		adapter          = flag.String("adapter", "postgres", "Database adapter: postgres, mysql, or sqlite")
		outputFolder     = flag.String("output", config.OutputFolder, "Output folder for migration file")
		outputFilename   = flag.String("filename", "", "Output filename (default: timestamp-based)")
		runsTable        = flag.String("runs-table", config.RunsTable, "Name of the runs table")
		checkpointsTable = flag.String("checkpoints-table", config.CheckpointsTable, "Name of the stage checkpoints table")
	)

	flag.Parse()

	dialect, err := sqlstore.ParseDialect(*adapter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	config.OutputFolder = *outputFolder
	config.RunsTable = *runsTable
	config.CheckpointsTable = *checkpointsTable
	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	if err := migrations.Generate(dialect, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s\n", dialect, config.OutputFolder, config.OutputFilename)
}
