package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sankurisyam/face-reco-student/internal/cache"
	"github.com/sankurisyam/face-reco-student/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetLedger bool
	resetCache  bool
	resetDebug  bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset stored state (Attendance, Encoding Cache, Debug Frames)",
	Long:        "Clears stored data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{needsLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetLedger && !resetCache && !resetDebug {
			resetLedger, resetCache, resetDebug = true, true, true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetLedger && confirm(reader, "⚠️  Are you sure you want to delete ALL attendance records?") {
			fmt.Println("🗑️  Clearing Attendance...")
			if DB != nil {
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			} else {
				removeDir(opts.LedgerDir)
			}
		}

		if resetCache && confirm(reader, "⚠️  Are you sure you want to delete all cached encodings?") {
			fmt.Println("🗑️  Clearing Encoding Cache...")
			c, err := cache.Open(opts.CacheDir)
			if err == nil {
				_, err = c.Clear()
			}
			if err != nil {
				utils.ShowError("Failed to clear encoding cache", err, nil)
				return err
			}
		}

		if resetDebug && opts.DebugFrames != "" && confirm(reader, "⚠️  Are you sure you want to delete all debug frames?") {
			fmt.Println("🗑️  Clearing Debug Frames...")
			removeDir(opts.DebugFrames)
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetLedger, "attendance", false, "Clear attendance records (CSV folder or database tables)")
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Clear cached face encodings")
	resetCmd.Flags().BoolVar(&resetDebug, "debug", false, "Clear debug frames")
	resetCmd.Flags().StringVarP(&opts.DebugFrames, "debug-frames", "d", opts.DebugFrames, "Debug frames directory to clear")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
