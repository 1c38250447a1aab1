package optest

import (
	"fmt"
	"html"
	"strings"
	"testing"

	"github.com/gomlx/opcheck/target"
	"github.com/gomlx/opcheck/tensors"
	"github.com/janpfeifer/gonb/gonbui"
)

// PrintResults prints the results for manual inspection. In a GoNB notebook they are displayed as an HTML table.
func PrintResults(title string, results ...*tensors.Tensor) {
	if gonbui.IsNotebook {
		gonbui.DisplayHTML(resultsHTML(title, results))
		return
	}
	fmt.Printf("%s:\n", title)
	for i, result := range results {
		fmt.Printf("  #%d: %s\n", i, result)
	}
}

func resultsHTML(title string, results []*tensors.Tensor) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<table><caption>%s</caption>", html.EscapeString(title))
	for i, result := range results {
		fmt.Fprintf(&sb, "<tr><td>#%d</td><td><pre>%s</pre></td></tr>", i, html.EscapeString(result.String()))
	}
	sb.WriteString("</table>")
	return sb.String()
}

// SkipIf skips the test with the given reason if condition is true.
func SkipIf(t testing.TB, condition bool, reason string) {
	t.Helper()
	if condition {
		t.Skip(reason)
	}
}

// RequireAccelerator skips the test if the accelerator can't be used.
func RequireAccelerator(t testing.TB) {
	t.Helper()
	SkipIf(t, !target.IsCompiledWithCUDA(), "accelerator (NVIDIA GPU with a CUDA PJRT plugin) not available")
}

// SkipIfUnavailable skips the test if tgt uses a PJRT plugin that is not installed.
func SkipIfUnavailable(t testing.TB, tgt target.Target) {
	t.Helper()
	SkipIf(t, tgt.UsesPJRT() && !target.IsPluginAvailable(tgt.Plugin),
		fmt.Sprintf("PJRT plugin %q for target %s not available", tgt.Plugin, tgt))
}
