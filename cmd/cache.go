package cmd

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/sankurisyam/face-reco-student/internal/cache"
	"github.com/sankurisyam/face-reco-student/internal/utils"
	"github.com/spf13/cobra"
)

var cacheYes bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the face encoding cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached encodings per branch and any stale entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		c, err := cache.Open(opts.CacheDir)
		if err != nil {
			utils.ShowError("Failed to open encoding cache", err, nil)
			return err
		}
		st, err := c.Stats()
		if err != nil {
			utils.ShowError("Failed to read encoding cache", err, nil)
			return err
		}
		printCacheStats(st)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached encoding",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		c, err := cache.Open(opts.CacheDir)
		if err != nil {
			utils.ShowError("Failed to open encoding cache", err, nil)
			return err
		}
		if !cacheYes && !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to delete all cached encodings?") {
			return nil
		}
		n, err := c.Clear()
		if err != nil {
			utils.ShowError("Failed to clear encoding cache", err, nil)
			return err
		}
		fmt.Printf("🗑️  Removed %d cached encodings.\n", n)
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().BoolVarP(&cacheYes, "yes", "y", false, "Do not ask for confirmation")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func printCacheStats(st cache.Stats) {
	fmt.Printf("📦 %d entries, %.1f KiB (%d valid, %d legacy, %d corrupt)\n",
		st.Entries, float64(st.Bytes)/1024, st.Valid, st.Legacy, st.Corrupt)
	if len(st.Branches) == 0 {
		return
	}

	branches := make([]string, 0, len(st.Branches))
	for b := range st.Branches {
		branches = append(branches, b)
	}
	slices.Sort(branches)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tENCODINGS")
	fmt.Fprintln(w, "------\t---------")
	for _, b := range branches {
		fmt.Fprintf(w, "%s\t%d\n", b, st.Branches[b])
	}
	w.Flush()
}
