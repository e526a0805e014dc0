package roster

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sankurisyam/face-reco-student/internal/types"
)

var (
	ErrBadFilename = errors.New("file name is not <RollNo>_<Name>_<Branch>")
	ErrBadBranch   = errors.New("unknown branch")
	ErrBadRollNo   = errors.New("roll number does not match branch")
)

// Rules decides which enrollment images belong to the roster.
type Rules struct {
	// BranchCodes maps a branch to the two digit code found at rollno[len-4:len-2].
	BranchCodes map[string]string
	// Prefixes lists the accepted batch prefixes of a roll number.
	Prefixes []string
	// Extensions lists accepted image file extensions, lower case with the dot.
	Extensions []string
}

// DefaultRules returns the college's enrollment rules.
func DefaultRules() Rules {
	return Rules{
		BranchCodes: map[string]string{
			"CSE":  "05",
			"AIML": "61",
			"CSD":  "44",
			"CAI":  "43",
			"CSM":  "42",
		},
		Prefixes:   []string{"22FE1A", "23FE5A"},
		Extensions: []string{".jpg", ".jpeg", ".png"},
	}
}

// Branches returns the known branches in sorted order.
func (r Rules) Branches() []string {
	out := make([]string, 0, len(r.BranchCodes))
	for b := range r.BranchCodes {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// IsImage reports whether the path has an accepted image extension.
func (r Rules) IsImage(path string) bool {
	return slices.Contains(r.Extensions, strings.ToLower(filepath.Ext(path)))
}

// ParseFilename turns "<RollNo>_<Name>_<Branch>.<ext>" into a student.
// Name and branch are upper-cased; the roll number is kept as written.
func (r Rules) ParseFilename(path string) (types.Student, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	parts := strings.Split(stem, "_")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return types.Student{}, fmt.Errorf("%s: %w", base, ErrBadFilename)
	}

	s := types.Student{
		RollNo:    parts[0],
		Name:      strings.ToUpper(parts[1]),
		Branch:    strings.ToUpper(parts[2]),
		ImagePath: path,
	}
	if err := r.Validate(s); err != nil {
		return types.Student{}, fmt.Errorf("%s: %w", base, err)
	}
	return s, nil
}

// Validate checks the roll number prefix and the embedded branch code.
func (r Rules) Validate(s types.Student) error {
	code, ok := r.BranchCodes[s.Branch]
	if !ok {
		return fmt.Errorf("%w %q", ErrBadBranch, s.Branch)
	}

	hasPrefix := false
	for _, p := range r.Prefixes {
		if strings.HasPrefix(s.RollNo, p) {
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return fmt.Errorf("%w: %s has no valid batch prefix", ErrBadRollNo, s.RollNo)
	}

	n := len(s.RollNo)
	if n < 4 || s.RollNo[n-4:n-2] != code {
		return fmt.Errorf("%w: %s is not a %s roll number", ErrBadRollNo, s.RollNo, s.Branch)
	}
	return nil
}
