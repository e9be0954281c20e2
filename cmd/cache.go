package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// cacheCmd groups cache-maintenance admin operations (spec.md §6
// "flush_cache()").
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the cache-aware policy's radix trees",
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Clear all per-model radix trees and policy caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := buildFromConfig()
		if err != nil {
			return err
		}
		defer gw.Close()
		gw.Router.FlushCache()
		fmt.Println("cache flushed")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheFlushCmd)
}
