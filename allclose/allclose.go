// Package allclose compares numeric tensors element-wise within a tolerance.
//
// The closeness rule is the one of numpy's allclose: |actual - expected| <= atol + rtol * |expected|.
package allclose

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
)

// Options configure a comparison.
type Options struct {
	// Atol is the absolute tolerance.
	Atol float64

	// Rtol is the tolerance relative to the magnitude of the expected value.
	Rtol float64

	// EqualNaN makes NaN values compare equal to each other. If false any NaN is a mismatch.
	EqualNaN bool

	// AllEqual requires exact equality, ignoring Atol and Rtol.
	AllEqual bool
}

// Default absolute and relative tolerances.
const (
	DefaultAtol = 1e-6
	DefaultRtol = 1e-5
)

// Default returns the default Options: Atol=1e-6, Rtol=1e-5, NaNs never equal, tolerance based.
func Default() Options {
	return Options{Atol: DefaultAtol, Rtol: DefaultRtol}
}

// MaxReportedMismatches is the number of mismatching elements listed in a Report.
var MaxReportedMismatches = 5

// Mismatch describes one element out of tolerance.
type Mismatch struct {
	// Index is the flat (row-major) index of the element.
	Index            int
	Expected, Actual float64
}

// Diff is the absolute difference between actual and expected.
func (m Mismatch) Diff() float64 { return math.Abs(m.Actual - m.Expected) }

// Report is the result of comparing two tensors.
type Report struct {
	Dims          []int
	NumElements   int
	NumMismatches int
	MaxAbsDiff    float64

	// First holds up to MaxReportedMismatches mismatches, in index order.
	First   []Mismatch
	Options Options
}

// Pass returns whether no element was out of tolerance.
func (r *Report) Pass() bool { return r.NumMismatches == 0 }

// isClose implements the element comparison for the given options.
func isClose(expected, actual float64, opts Options) bool {
	expectedNaN, actualNaN := math.IsNaN(expected), math.IsNaN(actual)
	if expectedNaN || actualNaN {
		return opts.EqualNaN && expectedNaN && actualNaN
	}
	if expected == actual {
		// Also covers infinities of the same sign.
		return true
	}
	if opts.AllEqual || math.IsInf(expected, 0) || math.IsInf(actual, 0) {
		return false
	}
	return math.Abs(actual-expected) <= opts.Atol+opts.Rtol*math.Abs(expected)
}

// Compare compares actual against expected element-wise.
// It returns an error only if the tensors can't be compared: their dimensions differ.
func Compare(expected, actual *tensors.Tensor, opts Options) (*Report, error) {
	if expected == nil || actual == nil {
		return nil, errors.New("cannot compare nil tensors")
	}
	if !slices.Equal(expected.Dims(), actual.Dims()) {
		return nil, errors.Errorf("shapes differ: expected %s, got %s", expected.ShapeString(), actual.ShapeString())
	}
	report := &Report{
		Dims:        expected.Dims(),
		NumElements: expected.Size(),
		Options:     opts,
	}
	expectedValues, actualValues := expected.Float64s(), actual.Float64s()
	for i, e := range expectedValues {
		a := actualValues[i]
		if diff := math.Abs(a - e); diff > report.MaxAbsDiff {
			report.MaxAbsDiff = diff
		}
		if isClose(e, a, opts) {
			continue
		}
		report.NumMismatches++
		if len(report.First) < MaxReportedMismatches {
			report.First = append(report.First, Mismatch{Index: i, Expected: e, Actual: a})
		}
	}
	return report, nil
}

// MismatchError is returned by Check when some elements are not close.
type MismatchError struct {
	Report *Report
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return e.Report.String()
}

// Check returns nil if all elements of actual are close to expected, or an error describing the difference.
// Mismatch errors are of type *MismatchError.
func Check(expected, actual *tensors.Tensor, opts Options) error {
	report, err := Compare(expected, actual, opts)
	if err != nil {
		return err
	}
	if !report.Pass() {
		return &MismatchError{Report: report}
	}
	return nil
}

func (r *Report) criterion() string {
	if r.Options.AllEqual {
		return fmt.Sprintf("exact equality, equal_nan=%v", r.Options.EqualNaN)
	}
	return fmt.Sprintf("atol=%g, rtol=%g, equal_nan=%v", r.Options.Atol, r.Options.Rtol, r.Options.EqualNaN)
}

// String describes the comparison in plain text.
func (r *Report) String() string {
	var sb strings.Builder
	if r.Pass() {
		fmt.Fprintf(&sb, "all %d elements close (%s), max abs diff %g", r.NumElements, r.criterion(), r.MaxAbsDiff)
		return sb.String()
	}
	fmt.Fprintf(&sb, "not close (%s): %d of %d elements of shape %v mismatch, max abs diff %g",
		r.criterion(), r.NumMismatches, r.NumElements, r.Dims, r.MaxAbsDiff)
	for _, m := range r.First {
		fmt.Fprintf(&sb, "\n\t%s: expected %g, got %g (diff %g)", positionString(m.Index, r.Dims), m.Expected, m.Actual, m.Diff())
	}
	if r.NumMismatches > len(r.First) {
		fmt.Fprintf(&sb, "\n\t... and %d more", r.NumMismatches-len(r.First))
	}
	return sb.String()
}

var (
	passStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	positionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// Render describes the comparison like String, styled for a terminal.
func (r *Report) Render() string {
	if r.Pass() {
		return passStyle.Render("PASS") + " " + r.String()
	}
	var sb strings.Builder
	sb.WriteString(failStyle.Render("FAIL"))
	fmt.Fprintf(&sb, " %d of %d elements mismatch (%s), max abs diff %g",
		r.NumMismatches, r.NumElements, r.criterion(), r.MaxAbsDiff)
	for _, m := range r.First {
		fmt.Fprintf(&sb, "\n  %s expected %g, got %s", positionStyle.Render(positionString(m.Index, r.Dims)),
			m.Expected, failStyle.Render(fmt.Sprintf("%g", m.Actual)))
	}
	return sb.String()
}

// positionString converts a flat index to a position, e.g. "[2 3]".
func positionString(flatIndex int, dims []int) string {
	if len(dims) == 0 {
		return "[]"
	}
	position := make([]int, len(dims))
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] == 0 {
			continue
		}
		position[axis] = flatIndex % dims[axis]
		flatIndex /= dims[axis]
	}
	return fmt.Sprintf("%v", position)
}
