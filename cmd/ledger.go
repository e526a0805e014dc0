package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/roster"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/sankurisyam/face-reco-student/internal/utils"
	"github.com/spf13/cobra"
)

var ledgerBranch string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or correct recorded attendance",
}

var ledgerShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print a branch's attendance table",
	Annotations: map[string]string{needsLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if ledgerBranch == "" {
			return fmt.Errorf("--branch is required")
		}
		rows, err := Ledger.Rows(cmd.Context(), strings.ToUpper(ledgerBranch))
		if err != nil {
			utils.ShowError("Failed to read attendance", err, nil)
			return err
		}
		if opts.Date != "" {
			date, err := opts.SessionDate(time.Now())
			if err != nil {
				return err
			}
			rows = ledger.OnDate(rows, date)
		}
		if len(rows) == 0 {
			fmt.Println("No attendance recorded.")
			return nil
		}
		return printRows(os.Stdout, rows, Ledger.Periods())
	},
}

var ledgerSummaryCmd = &cobra.Command{
	Use:         "summary",
	Short:       "Print each student's attendance percentage across all dates",
	Annotations: map[string]string{needsLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		branches := []string{strings.ToUpper(ledgerBranch)}
		if ledgerBranch == "" {
			var err error
			if branches, err = ledgerBranches(cmd.Context(), Ledger); err != nil {
				utils.ShowError("Failed to list branches", err, nil)
				return err
			}
		}

		var all []ledger.StudentSummary
		for _, b := range branches {
			rows, err := Ledger.Rows(cmd.Context(), b)
			if err != nil {
				utils.ShowError("Failed to read attendance", err, nil)
				return err
			}
			all = append(all, ledger.Summarize(rows)...)
		}
		if len(all) == 0 {
			fmt.Println("No attendance recorded.")
			return nil
		}
		return printSummary(os.Stdout, all, opts.LowAttendance)
	},
}

var ledgerMarkCmd = &cobra.Command{
	Use:         "mark <roll_no>...",
	Short:       "Manually mark students present for a period",
	Args:        cobra.MinimumNArgs(1),
	Annotations: map[string]string{needsLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMark(cmd.Context(), Ledger, args)
	},
}

func init() {
	ledgerCmd.PersistentFlags().StringVarP(&ledgerBranch, "branch", "b", "", "Branch, e.g. CSE")
	ledgerShowCmd.Flags().StringVar(&opts.Date, "date", opts.Date, "Only show this date (dd/mm/yyyy)")
	ledgerSummaryCmd.Flags().Float64Var(&opts.LowAttendance, "low-attendance", opts.LowAttendance, "Flag students under this percentage")
	ledgerMarkCmd.Flags().IntVarP(&opts.Period, "period", "p", opts.Period, "Period number to mark")
	ledgerMarkCmd.Flags().StringVar(&opts.Date, "date", opts.Date, "Date to mark as dd/mm/yyyy (default: today)")
	ledgerCmd.AddCommand(ledgerShowCmd, ledgerSummaryCmd, ledgerMarkCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// ledgerBranches lists the branches that have attendance, whichever backend holds it.
func ledgerBranches(ctx context.Context, l ledger.Ledger) ([]string, error) {
	switch b := l.(type) {
	case interface {
		Branches(context.Context) ([]string, error)
	}:
		return b.Branches(ctx)
	case interface{ Branches() ([]string, error) }:
		return b.Branches()
	}
	return opts.Rules.Branches(), nil
}

// runMark commits the given roll numbers as present. The branch roster comes
// from the enrollment folder so the rest of the class gets its Absent rows.
func runMark(ctx context.Context, l ledger.Ledger, rollNos []string) error {
	date, err := opts.SessionDate(time.Now())
	if err != nil {
		return err
	}
	students, _, err := roster.Scan(opts.Roster.ImagesRoot, opts.Rules, opts.Roster.Branches)
	if err != nil {
		utils.ShowError("Failed to scan enrollment images", err, nil)
		return err
	}

	commits, err := markCommits(students, rollNos, date, opts.Period)
	if err != nil {
		return err
	}
	for _, c := range commits {
		if _, err := l.Commit(ctx, c); err != nil {
			utils.ShowError(fmt.Sprintf("Failed to mark branch %s", c.Branch), err, nil)
			return err
		}
		for _, s := range c.Present {
			fmt.Printf("✅ %s | %s | %s marked present for period %d on %s\n",
				s.RollNo, s.Name, s.Branch, c.Period, ledger.FormatDate(c.Date))
		}
	}
	return nil
}

// markCommits groups the requested students into one commit per branch.
func markCommits(enrolled []types.Student, rollNos []string, date time.Time, period int) ([]ledger.Commit, error) {
	byRoll := map[string]types.Student{}
	byBranch := map[string][]types.Student{}
	for _, s := range enrolled {
		if _, dup := byRoll[s.RollNo]; dup {
			continue
		}
		byRoll[s.RollNo] = s
		byBranch[s.Branch] = append(byBranch[s.Branch], s)
	}

	present := map[string][]types.Student{}
	for _, r := range rollNos {
		s, ok := byRoll[strings.ToUpper(strings.TrimSpace(r))]
		if !ok {
			return nil, fmt.Errorf("roll number %s is not enrolled", r)
		}
		present[s.Branch] = append(present[s.Branch], s)
	}

	branches := make([]string, 0, len(present))
	for b := range present {
		branches = append(branches, b)
	}
	slices.Sort(branches)

	out := make([]ledger.Commit, 0, len(branches))
	for _, b := range branches {
		out = append(out, ledger.Commit{Branch: b, Date: date, Period: period, Roster: byBranch[b], Present: present[b]})
	}
	return out, nil
}

func printRows(out io.Writer, rows []ledger.Row, periods int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := []string{"ROLL NO", "NAME", "BRANCH"}
	for p := 1; p <= periods; p++ {
		header = append(header, fmt.Sprintf("P%d", p))
	}
	fmt.Fprintln(w, strings.Join(append(header, "DATE"), "\t"))

	for _, r := range rows {
		cells := []string{r.RollNo, r.Name, r.Branch}
		for p := 1; p <= periods; p++ {
			cells = append(cells, cellMark(r.Status(p)))
		}
		fmt.Fprintln(w, strings.Join(append(cells, r.Date), "\t"))
	}
	return w.Flush()
}

func cellMark(s types.Status) string {
	switch s {
	case types.Present:
		return "✔"
	case types.Absent:
		return "✘"
	}
	return "-"
}

func printSummary(out io.Writer, all []ledger.StudentSummary, low float64) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ROLL NO\tNAME\tBRANCH\tDAYS\tPRESENT\tMARKED\tPERCENT\t")
	for _, s := range all {
		flag := ""
		if s.Marked > 0 && s.Percent < low {
			flag = "⚠️  low"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\n",
			s.RollNo, s.Name, s.Branch, s.Days, s.Present, s.Marked, s.Percent, flag)
	}
	return w.Flush()
}
