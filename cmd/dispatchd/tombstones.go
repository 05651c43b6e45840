package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dispatchd/internal/tombstone"
)

// tombstonesCmd prints the persisted dismissal blob without starting the
// engine. Works against either backend.
var tombstonesCmd = &cobra.Command{
	Use:   "tombstones",
	Short: "Print the persisted dismissal sets",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := zap.NewNop()
		var backend tombstone.Backend
		switch cfg.TombstoneBackend {
		case "sqlite":
			b, err := tombstone.NewSQLiteBackend(cfg.TombstoneDB)
			if err != nil {
				return err
			}
			backend = b
		case "file", "":
			backend = tombstone.NewFileBackend(cfg.TombstonePath, log)
		default:
			return eris.Errorf("unknown tombstone backend %q", cfg.TombstoneBackend)
		}
		defer backend.Close()

		set := tombstone.NewSet(backend, log)
		if err := set.Hydrate(cmd.Context()); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(set.Snapshot())
	},
}

func init() {
	rootCmd.AddCommand(tombstonesCmd)
}
