// Command wdxfiled is the daemon entry point. Request routing, the REST
// and file-transfer HTTP frontends, and device-description loading are
// out of scope per §1; this wires the in-scope core components
// (auth backend, permission resolver, FastCGI request/response machine)
// behind a minimal handler that exercises them end to end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cmdRoot = &cobra.Command{
	Use:   "wdxfiled",
	Short: "Parameter & File Access Service daemon",
	Long: `
wdxfiled exposes a controller's configuration, telemetry, and binary
artifacts over FastCGI-fronted REST and file-transfer APIs.
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
