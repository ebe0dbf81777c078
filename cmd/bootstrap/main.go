// Command bootstrap prepares the record store schema.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/clients"
	"github.com/petermazzocco/carspotter/internal/config"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/recordstore"
)

var opts struct {
	Wait time.Duration
}

type env struct {
	cfg    *config.Config
	pool   *clients.Pool
	logger *zap.Logger
}

func newEnv() (*env, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := config.FromEnv()
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, pool: clients.NewPool(cfg, logger), logger: logger}, nil
}

func (e *env) close() {
	e.pool.Close()
	_ = e.logger.Sync()
}

var createTablesCmd = &cobra.Command{
	Use:   "create-tables",
	Short: "Create the DynamoDB posts and users tables",
	Long: `Creates the posts table (userId hash key, savedAt range key) and the users
table (userId hash key). Existing tables are left alone. The command waits
until both tables are ACTIVE.

Usage examples:

	bootstrap create-tables
	DYNAMODB_ENDPOINT=http://localhost:8001 bootstrap create-tables --wait 30s
`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		if e.cfg.PostsTable == "" || e.cfg.UsersTable == "" {
			return errors.New("DYNAMODB_POSTS_TABLE_NAME and DYNAMODB_USERS_TABLE_NAME are required")
		}
		client, err := e.pool.DynamoDB(cmd.Context())
		if err != nil {
			return err
		}
		return recordstore.CreateTables(cmd.Context(), client, e.cfg.PostsTable, e.cfg.UsersTable, opts.Wait, e.logger)
	},
}

var migrateSQLCmd = &cobra.Command{
	Use:   "migrate-sql",
	Short: "Create or update the SQL schema",
	Long: `Runs the schema migration for the SQL record store named by DSN.
A DSN starting with "sqlite:" opens a SQLite file, anything else is
handed to the postgres driver.

Usage examples:

	DSN=sqlite:carspotter.db bootstrap migrate-sql
	DSN="host=localhost user=cars dbname=cars sslmode=disable" bootstrap migrate-sql
`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		if e.cfg.DSN == "" {
			return errors.New("DSN is required")
		}
		db, err := e.pool.SQL(cmd.Context())
		if err != nil {
			return err
		}
		if err := recordstore.NewSQLStore(db, e.logger).Migrate(cmd.Context()); err != nil {
			return err
		}
		e.logger.Info("sql schema migrated")
		return nil
	},
}

var rootCmd = &cobra.Command{
	Use:           "bootstrap",
	Short:         "Prepare storage for the car spotter API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	createTablesCmd.Flags().DurationVar(&opts.Wait, "wait", 2*time.Minute, "How long to wait for the tables to become ACTIVE")
	rootCmd.AddCommand(createTablesCmd, migrateSQLCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}
