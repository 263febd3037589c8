package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Exit codes shared by all commands.
const (
	exitOK        = 0
	exitFailed    = 1 // the operation ran and reported a negative result
	exitUsage     = 2 // bad invocation or setup error
	exitIntegrity = 3 // stored content does not match the ledger
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[1] {
	case "register":
		return runRegisterCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "remove":
		return runRemoveCmd(args[2:], stdout, stderr)
	case "seal":
		return runSealCmd(args[2:], stdout, stderr)
	case "chain-verify":
		return runChainVerifyCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sEchoCrypt registry%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sFingerprint audio, store it, prove it later.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  echocrypt <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "REGISTRY")
	printCommand(w, "register", "Register a file (--owner, --name, --json) <file>")
	printCommand(w, "verify", "Verify stored content (--owner, --json) <storage-ref>")
	printCommand(w, "status", "Show a registration (--json) <fingerprint>")
	printCommand(w, "list", "List an owner's registrations (--owner, --json)")
	printCommand(w, "remove", "Delete unregistered stored content <storage-ref>")

	printSection(w, "LOCAL CHAIN")
	printCommand(w, "seal", "Run the block sealer (--interval, --once)")
	printCommand(w, "chain-verify", "Re-walk block hashes and signatures (--json)")

	printSection(w, "UTILITIES")
	printCommand(w, "doctor", "Check configuration and backends (--json)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-13s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// newLogger builds the process logger. Logs always go to stderr so that
// stdout stays machine-readable.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
