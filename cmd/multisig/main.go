// Command multisig runs a multisig host and talks to one.
//
// Exit codes:
//
//	0 = success
//	1 = the operation failed
//	2 = usage or configuration error
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "address":
		return runAddressCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "identity":
		return runIdentityCmd(args[2:], stdout, stderr)
	case "action":
		return runActionCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  multisig <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "HOST:")
	printCommand(w, "serve", "Run the HTTP host (--config)")
	printCommand(w, "token", "Mint a caller token (--config, --subject)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OFFLINE:")
	printCommand(w, "address", "Derive identity, action or signer addresses")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "CLIENT (--url, --token or MULTISIG_URL, MULTISIG_TOKEN):")
	printCommand(w, "identity", "create | show | events")
	printCommand(w, "action", "propose | approve | execute | close | show | list")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// newFlagSet returns a pflag set that reports errors to stderr instead
// of exiting.
func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// newLogger builds the process logger at the configured level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func printJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
