// Command livepatch-demo is a tiny self-patching smoke test: it
// instruments its own process with a single traced function, calls that
// function once, and reports the engine's patch statistics.
// Flag handling follows the teacher's own main.go: flag.String/Bool plus
// flag.Parse, no third-party CLI framework.
package main

import (
	"flag"
	"fmt"
	"os"
	"reflect"

	"github.com/xyproto/livepatch"
)

var traceHits int

// traceEntry is the tracer callback every patched call site is
// redirected to. A real tracer would record timing and call-stack
// information here; this demo only counts invocations.
func traceEntry() {
	traceHits++
}

func tracedFunction(n int) int {
	sum := 0
	for i := 0; i < n; i++ {
		sum += i
	}
	return sum
}

func main() {
	var patchSpec = flag.String("patch", "tracedFunction", "semicolon-separated patch pattern list")
	var unpatchSpec = flag.String("unpatch", "", "semicolon-separated unpatch pattern list")
	var verbose = flag.Bool("v", false, "verbose mode")
	flag.Parse()

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livepatch-demo: %v\n", err)
		os.Exit(1)
	}

	ctx := livepatch.Context{
		Path:        self,
		EntryStub:   uint64(reflect.ValueOf(traceEntry).Pointer()),
		PatchSpec:   *patchSpec,
		UnpatchSpec: *unpatchSpec,
		Verbose:     *verbose,
	}

	if err := livepatch.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "livepatch-demo: init failed: %v\n", err)
		os.Exit(1)
	}
	defer livepatch.Teardown()

	stats, err := livepatch.Update()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livepatch-demo: update failed: %v\n", err)
		os.Exit(1)
	}

	_ = tracedFunction(100)

	fmt.Printf("patched=%d failed=%d skipped=%d no-match=%d trace-hits=%d\n",
		stats.Patched, stats.Failed, stats.Skipped, stats.NoMatch, traceHits)
}
