package ledger

import "slices"

// StudentSummary aggregates a student's marked periods across dates.
type StudentSummary struct {
	RollNo  string  `json:"roll_no"`
	Name    string  `json:"name"`
	Branch  string  `json:"branch"`
	Days    int     `json:"days"`
	Present int     `json:"present"`
	Marked  int     `json:"marked"`
	Percent float64 `json:"percent"`
}

// Summarize folds rows into per-student totals sorted by roll number.
// Unset cells do not count as classes held.
func Summarize(rows []Row) []StudentSummary {
	idx := map[string]int{}
	var out []StudentSummary
	for _, r := range rows {
		i, ok := idx[r.RollNo]
		if !ok {
			i = len(out)
			idx[r.RollNo] = i
			out = append(out, StudentSummary{RollNo: r.RollNo, Name: r.Name, Branch: r.Branch})
		}
		p, m := r.Day()
		out[i].Days++
		out[i].Present += p
		out[i].Marked += m
	}
	for i := range out {
		if out[i].Marked > 0 {
			out[i].Percent = 100 * float64(out[i].Present) / float64(out[i].Marked)
		}
	}
	slices.SortFunc(out, func(a, b StudentSummary) int {
		switch {
		case a.RollNo < b.RollNo:
			return -1
		case a.RollNo > b.RollNo:
			return 1
		}
		return 0
	})
	return out
}

// DayPercent returns the row's present share of marked periods, and false
// when nothing has been marked yet.
func DayPercent(r Row) (float64, bool) {
	p, m := r.Day()
	if m == 0 {
		return 0, false
	}
	return 100 * float64(p) / float64(m), true
}
