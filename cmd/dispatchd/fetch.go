package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dispatchd/internal/canonical"
	"dispatchd/internal/reconcile"
	"dispatchd/internal/record"
	"dispatchd/internal/source"
)

// fetchCmd pulls the feed once and prints the canonicalized records. Handy
// for eyeballing what a live upstream actually serves.
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch the transcript feed once and print canonicalized records",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := zap.NewNop()
		client := source.NewClient(source.Options{
			FeedURL:  cfg.FeedURL,
			JobURL:   cfg.JobURL,
			Timeout:  cfg.HTTPTimeout,
			CacheTTL: cfg.FeedCacheTTL,
			RPS:      cfg.FeedRPS,
		}, log)

		raws, err := client.FetchBatch(cmd.Context())
		if err != nil {
			return err
		}
		now := time.Now()
		recs := make([]record.IncidentRecord, 0, len(raws))
		for _, raw := range raws {
			cn := canonical.Canonicalize(raw)
			if rec, ok := reconcile.FromCanonical(cn, record.StatusNeedsConfirmation, now); ok {
				recs = append(recs, rec)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
