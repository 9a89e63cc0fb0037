// Command gitguard runs the GitGuard service: webhook ingress, workflow
// workers, graph API, and the maintenance scheduler.
package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "maint":
		return runMaintCmd(stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "gitguard "+version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const version = "v0.1.0"

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "GitGuard "+version)
	fmt.Fprintln(w, "Governed delivery: webhooks in, receipts out.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  gitguard <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the service (default)")
	fmt.Fprintln(w, "  health   Probe the local server's health endpoint")
	fmt.Fprintln(w, "  maint    Run one maintenance sweep and exit")
	fmt.Fprintln(w, "  version  Print the version")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment; see pkg/config.")
}
