// migrate creates the chat keyspace and tables. With --drop it removes the
// tables first.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/config"
	"github.com/mahaj/tenant-realtime/pkg/db"
	"github.com/mahaj/tenant-realtime/pkg/logging"
)

// Flag variables.
var (
	drop        bool
	replication int
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var cmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates the ScyllaDB keyspace and tables used by the api and projector.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logFile, err := logging.Init(cfg.LogLevel, "")
		if err != nil {
			return err
		}
		defer logFile.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		if err := db.CreateKeyspace(ctx, cfg.ScyllaHosts, cfg.Keyspace, replication); err != nil {
			return err
		}
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace)
		if err != nil {
			return err
		}
		defer session.Close()

		if drop {
			jww.INFO.Printf("Dropping tables in %s...", cfg.Keyspace)
			if err := session.Drop(ctx); err != nil {
				return err
			}
		}
		if err := session.Migrate(ctx); err != nil {
			return err
		}
		jww.INFO.Printf("Schema of %s is up to date", cfg.Keyspace)
		return nil
	},
}

func init() {
	cmd.Flags().BoolVar(&drop, "drop", false, "Drop every table before creating them again.")
	cmd.Flags().IntVar(&replication, "replication", 1, "Replication factor for a new keyspace.")
}
