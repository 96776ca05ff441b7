package seed

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/storage"
)

// StoreOpener connects to the object store used for --upload-key.
type StoreOpener func(ctx context.Context) (storage.ObjectStore, error)

const sqliteContentType = "application/vnd.sqlite3"

// NewCommand returns the heartql-seed root command. Defaults for the
// database path, table and upload key come from cfg.
func NewCommand(cfg config.Config, logger *slog.Logger, openStore StoreOpener) *cobra.Command {
	var (
		csvPath   string
		dbPath    string
		table     string
		uploadKey string
	)
	cmd := &cobra.Command{
		Use:           "heartql-seed",
		Short:         "Build the SQLite database from a CSV export",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if csvPath == "" {
				found, err := FindCSV(".")
				if err != nil {
					return err
				}
				csvPath = found
			}

			started := time.Now()
			report, err := Import(ctx, csvPath, dbPath, table)
			if err != nil {
				return err
			}
			logger.Info("dataset imported",
				slog.String("csv", csvPath),
				slog.String("database", dbPath),
				slog.String("table", report.Table),
				slog.Int("rows", report.Rows),
				slog.Duration("duration", time.Since(started)),
			)
			if err := printReport(cmd, report); err != nil {
				return err
			}

			if uploadKey == "" {
				return nil
			}
			if openStore == nil {
				return fmt.Errorf("object store is not configured")
			}
			store, err := openStore(ctx)
			if err != nil {
				return fmt.Errorf("connect object store: %w", err)
			}
			info, err := storage.UploadFile(ctx, store, uploadKey, dbPath, sqliteContentType)
			if err != nil {
				return err
			}
			logger.Info("database uploaded", slog.String("key", info.Key), slog.Int64("bytes", info.Size))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%d bytes)\n", info.Key, info.Size)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&csvPath, "csv", "", "CSV file to import (default: first of "+fmt.Sprint(DefaultCSVNames)+" in the working directory)")
	flags.StringVar(&dbPath, "db", cfg.Database.Path, "SQLite database file to write")
	flags.StringVar(&table, "table", cfg.Database.Table, "Table to create or replace")
	flags.StringVar(&uploadKey, "upload-key", cfg.Database.SourceKey, "Object key to upload the database to (empty skips the upload)")
	return cmd
}

func printReport(cmd *cobra.Command, report Report) error {
	data := pterm.TableData{{"column", "type"}}
	for _, column := range report.Columns {
		data = append(data, []string{column.Name, string(column.Affinity)})
	}
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s rows written to table %s\n",
		rendered, strconv.Itoa(report.Rows), report.Table)
	return err
}
