package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sankurisyam/face-reco-student/internal/cache"
	"github.com/sankurisyam/face-reco-student/internal/engine"
	"github.com/sankurisyam/face-reco-student/internal/recognition"
	"github.com/sankurisyam/face-reco-student/internal/roster"
	"github.com/sankurisyam/face-reco-student/internal/state"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/sankurisyam/face-reco-student/internal/utils"
	"github.com/spf13/cobra"
)

var rosterScanOnly bool

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Scan enrollment images and encode any that are not cached",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRoster(cmd.Context())
	},
}

var whoisCmd = &cobra.Command{
	Use:   "whois <image_path>",
	Short: "Recognize the faces in a still image against the roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWhois(cmd.Context(), args[0])
	},
}

func init() {
	rosterCmd.Flags().BoolVar(&rosterScanOnly, "scan-only", false, "Only validate file names; do not start the engine")
	whoisCmd.Flags().Float64VarP(&opts.Recognition.Tolerance, "tolerance", "t", opts.Recognition.Tolerance, "Face distance tolerance (lower is stricter)")
	rosterCmd.AddCommand(whoisCmd)
	rootCmd.AddCommand(rosterCmd)
}

func runRoster(ctx context.Context) error {
	students, rejected, err := roster.Scan(opts.Roster.ImagesRoot, opts.Rules, opts.Roster.Branches)
	if err != nil {
		utils.ShowError("Failed to scan enrollment images", err, nil)
		return err
	}
	for _, r := range rejected {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %s: %v\n", r.Path, r.Err)
	}
	fmt.Fprintf(os.Stderr, "🔍 Found %d enrollment images (%d rejected)\n", len(students), len(rejected))

	if rosterScanOnly {
		printStudents(students)
		return nil
	}

	ro, eng, err := encodeRoster(ctx, students)
	if eng != nil {
		defer eng.Close()
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tSTUDENTS")
	fmt.Fprintln(w, "------\t--------")
	for _, b := range ro.Branches() {
		fmt.Fprintf(w, "%s\t%d\n", b, len(ro.ByBranch(b)))
	}
	return w.Flush()
}

// encodeRoster starts a recognizer engine and builds the roster through the cache.
// The engine is returned so the caller can keep using it.
func encodeRoster(ctx context.Context, students []types.Student) (*roster.Roster, *engine.Client, error) {
	c, err := cache.Open(opts.CacheDir)
	if err != nil {
		utils.ShowError("Failed to open encoding cache", err, nil)
		return nil, nil, err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	eng, err := engine.Start(ctx, "recognizer", opts.Python, opts.EngineScript)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return nil, nil, err
	}

	loader := roster.Loader{Cache: c, Encoder: eng, Config: opts.Roster, Progress: os.Stderr}
	ro, stats, err := loader.Load(ctx, students)
	if err != nil {
		utils.ShowError("Failed to build roster", err, eng.Cmd)
		return nil, eng, err
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Roster ready: %d students (%d cached, %d encoded, %d without a face, %d failed, %d duplicates)\n",
		ro.Len(), stats.Cached, stats.Encoded, stats.NoFace, stats.Failed, stats.Duplicates)
	return ro, eng, nil
}

func printStudents(students []types.Student) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ROLL NO\tNAME\tBRANCH")
	fmt.Fprintln(w, "-------\t----\t------")
	for _, s := range students {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.RollNo, s.Name, s.Branch)
	}
	w.Flush()
}

// runWhois runs one recognition job over a still image, the same path a
// blink takes during a session, and prints the labels it would draw.
func runWhois(ctx context.Context, imagePath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	students, _, err := roster.Scan(opts.Roster.ImagesRoot, opts.Rules, opts.Roster.Branches)
	if err != nil {
		utils.ShowError("Failed to scan enrollment images", err, nil)
		return err
	}
	ro, eng, err := encodeRoster(ctx, students)
	if eng != nil {
		defer eng.Close()
	}
	if err != nil {
		return err
	}

	st := state.New()
	chain := recognition.NewChain(ro, nil, nil, opts.Recognition)
	w := recognition.NewWorker(opts.Recognition, eng, chain, st, nil)
	if err := w.Process(ctx, &types.Frame{Data: data}); err != nil {
		utils.ShowError("Recognition failed", err, eng.Cmd)
		return err
	}

	overlays := st.Overlays()
	if len(overlays) == 0 {
		fmt.Println("No faces found.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "BOX\tLABEL")
	fmt.Fprintln(tw, "---\t-----")
	for _, ov := range overlays {
		fmt.Fprintf(tw, "%d,%d,%d,%d\t%s\n", ov.Box.Left, ov.Box.Top, ov.Box.Right, ov.Box.Bottom, ov.Label)
	}
	return tw.Flush()
}
