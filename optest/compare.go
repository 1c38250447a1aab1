package optest

import (
	"github.com/gomlx/opcheck/allclose"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Option configures the comparison of results.
type Option func(opts *allclose.Options)

// Atol sets the absolute tolerance. The default is 1e-6.
func Atol(atol float64) Option {
	return func(opts *allclose.Options) { opts.Atol = atol }
}

// Rtol sets the tolerance relative to the expected values.
func Rtol(rtol float64) Option {
	return func(opts *allclose.Options) { opts.Rtol = rtol }
}

// EqualNaN sets whether NaNs in the same position are considered equal.
func EqualNaN(equal bool) Option {
	return func(opts *allclose.Options) { opts.EqualNaN = equal }
}

// AllEqual sets whether values must be exactly equal, ignoring the tolerances.
func AllEqual(allEqual bool) Option {
	return func(opts *allclose.Options) { opts.AllEqual = allEqual }
}

// CompareOptions returns the allclose options resulting from opts.
func CompareOptions(opts ...Option) allclose.Options {
	options := allclose.Default()
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// CompareResults returns an error if expected and actual have different lengths, or if any pair of tensors
// is not close.
func (h *Harness) CompareResults(expected, actual []*tensors.Tensor, opts ...Option) error {
	if len(expected) != len(actual) {
		return errors.Errorf("expected %d results, got %d", len(expected), len(actual))
	}
	options := CompareOptions(opts...)
	for i := range expected {
		h.Log.Debugf("Check the %d -th Result...", i)
		err := allclose.Check(expected[i], actual[i], options)
		if err == nil {
			continue
		}
		var mismatch *allclose.MismatchError
		if errors.As(err, &mismatch) {
			h.Log.Errorf("result #%d:\n%s", i, mismatch.Report.Render())
		}
		return errors.WithMessagef(err, "result #%d", i)
	}
	return nil
}

// CheckResults fails the test if CompareResults returns an error. If a dump directory is configured, the last
// candidate program is saved there first.
func (h *Harness) CheckResults(expected, actual []*tensors.Tensor, opts ...Option) {
	h.T.Helper()
	err := h.CompareResults(expected, actual, opts...)
	if err == nil {
		return
	}
	if h.Config.DumpDir != "" && h.last != nil {
		path, dumpErr := DumpReproducer(h.Config.DumpDir, h.last)
		if dumpErr != nil {
			h.Log.Warningf("failed to save program %q: %+v", h.last.Program.Name(), dumpErr)
		} else {
			h.Log.Infof("program %q saved to %s, replay it with opcheck_replay", h.last.Program.Name(), path)
		}
	}
	require.NoError(h.T, err)
}
