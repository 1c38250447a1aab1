// opcheck_replay loads a reproducer saved by a failing operator test (see OPCHECK_DUMP_DIR) and executes it on two
// targets, comparing the results.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/opcheck/allclose"
	"github.com/gomlx/opcheck/optest"
	"github.com/gomlx/opcheck/passes"
	"github.com/gomlx/opcheck/runtime"
	"github.com/gomlx/opcheck/target"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagTarget    = flag.String("target", "", "Target to replay on: host, nvgpu or interpreter. Defaults to the saved target.")
	flagPlugin    = flag.String("plugin", "", "PJRT plugin name or full path, overrides the one of the target.")
	flagReference = flag.String("reference", "interpreter", "Target whose results are taken as expected.")
	flagPasses    = flag.String("passes", "", "Comma separated passes to apply before execution, e.g. \"RemoveIdentity,DeadCodeElimination\".")
	flagAtol      = flag.Float64("atol", allclose.DefaultAtol, "Absolute tolerance.")
	flagRtol      = flag.Float64("rtol", allclose.DefaultRtol, "Tolerance relative to the expected values.")
	flagEqualNaN  = flag.Bool("equal_nan", false, "Consider NaNs in the same position equal.")
	flagPrint     = flag.Bool("print", false, "Print the program and the results.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `opcheck_replay executes a program saved by a failing operator test on two targets, and compares the results.

$ OPCHECK_DUMP_DIR=/tmp/opcheck go test ./ops/...
$ opcheck_replay [flags] /tmp/opcheck/<program>-<uuid>.json

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "One reproducer file must be given.")
		fmt.Fprintln(os.Stderr)
		flag.Usage()
		os.Exit(2)
	}
	r := must.M1(optest.LoadReproducer(flag.Arg(0)))

	tgt := must.M1(resolveTarget(r.Target, *flagTarget, *flagPlugin))
	reference := must.M1(target.Parse(*flagReference))
	if *flagPasses != "" {
		must.M(passes.Apply(r.Program, tgt, r.Fetch, strings.Split(*flagPasses, ",")...))
	}
	if *flagPrint {
		fmt.Println(r.Program)
	}
	failed := replay(r, reference, tgt)
	if err := runtime.ReleaseClients(); err != nil {
		klog.Warningf("failed to release PJRT clients: %+v", err)
	}
	if failed {
		os.Exit(1)
	}
}

// resolveTarget returns saved, or the target named by name if given, with plugin overriding its PJRT plugin.
// A plugin can't be given for a target that doesn't use PJRT.
func resolveTarget(saved target.Target, name, plugin string) (target.Target, error) {
	tgt := saved
	if name != "" {
		var err error
		tgt, err = target.Parse(name)
		if err != nil {
			return tgt, err
		}
	}
	if plugin != "" {
		if !tgt.UsesPJRT() {
			return tgt, errors.Errorf("-plugin=%q given, but target %s doesn't use PJRT", plugin, tgt)
		}
		tgt.Plugin = plugin
	}
	return tgt, nil
}

// replay executes r on both targets and prints the comparison of each result. It returns whether any failed.
func replay(r *optest.Reproducer, reference, tgt target.Target) (failed bool) {
	expected := must.M1(r.Run(reference))
	actual := must.M1(r.Run(tgt))
	opts := allclose.Options{Atol: *flagAtol, Rtol: *flagRtol, EqualNaN: *flagEqualNaN}
	for i := range expected {
		name := fmt.Sprintf("#%d", i)
		if i < len(r.Fetch) {
			name = fmt.Sprintf("#%d (%s)", i, r.Fetch[i])
		}
		report := must.M1(allclose.Compare(expected[i], actual[i], opts))
		if *flagPrint {
			fmt.Printf("%s %s: %s\n", reference, name, expected[i])
			fmt.Printf("%s %s: %s\n", tgt, name, actual[i])
		}
		if report.Pass() {
			fmt.Printf("result %s: ok\n", name)
			continue
		}
		failed = true
		fmt.Printf("result %s: mismatch\n%s\n", name, report.Render())
	}
	return failed
}
