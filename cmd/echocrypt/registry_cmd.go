package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/registration"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitFor maps an operation error onto an exit code.
func exitFor(err error) int {
	switch registration.Classify(err) {
	case registration.ClassIntegrity:
		return exitIntegrity
	case registration.ClassInput:
		return exitUsage
	default:
		return exitFailed
	}
}

// runRegisterCmd implements `echocrypt register`.
//
// Exit codes:
//
//	0 = registration confirmed (or already confirmed)
//	1 = registration failed or is still pending
//	2 = usage or input error
func runRegisterCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("register", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		owner      string
		name       string
		jsonOutput bool
	)
	cmd.StringVar(&owner, "owner", "", "Owner identity (default: the configured wallet address)")
	cmd.StringVar(&name, "name", "", "Label stored with the file (default: file name)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output receipt as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: echocrypt register [--owner id] [--name label] <file>")
		return exitUsage
	}
	path := cmd.Arg(0)
	if name == "" {
		name = filepath.Base(path)
	}

	f, err := os.Open(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	sys, err := openSubsystems(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer sys.close()

	sealCtx, stopSealer := context.WithCancel(ctx)
	defer stopSealer()
	sys.sealInBackground(sealCtx)

	if owner == "" {
		owner = string(sys.wallet.Address())
	}

	rcpt, err := sys.coordinator.Register(ctx, f, contracts.Owner(owner), name)
	if jsonOutput {
		out := struct {
			registration.Receipt
			Error string `json:"error,omitempty"`
			Class string `json:"error_class,omitempty"`
		}{Receipt: rcpt}
		if err != nil {
			out.Error = err.Error()
			out.Class = string(registration.Classify(err))
		}
		writeJSON(stdout, out)
	} else {
		printReceipt(stdout, rcpt)
	}

	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if registration.IsRetryable(err) {
			_, _ = fmt.Fprintln(stderr, "The request can be retried with the same file.")
		}
		return exitFor(err)
	}
	return exitOK
}

func printReceipt(w io.Writer, rcpt registration.Receipt) {
	reg := rcpt.Registration
	if reg.Status == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "Fingerprint:  %s\n", reg.Fingerprint)
	_, _ = fmt.Fprintf(w, "Storage ref:  %s\n", reg.StorageRef)
	_, _ = fmt.Fprintf(w, "Owner:        %s\n", reg.Owner)
	_, _ = fmt.Fprintf(w, "Status:       %s\n", reg.Status)
	if reg.TransactionID != "" {
		_, _ = fmt.Fprintf(w, "Transaction:  %s\n", reg.TransactionID)
	}
	if reg.BlockNumber > 0 {
		_, _ = fmt.Fprintf(w, "Block:        %d\n", reg.BlockNumber)
	}
	if reg.FailureReason != "" {
		_, _ = fmt.Fprintf(w, "Reason:       %s\n", reg.FailureReason)
	}
	if rcpt.Reused {
		_, _ = fmt.Fprintln(w, "Already registered; nothing new was submitted.")
	}
	if rcpt.OwnerConflict {
		_, _ = fmt.Fprintln(w, "Warning: this content is registered to a different owner.")
	}
}

// runVerifyCmd implements `echocrypt verify`.
//
// Exit codes:
//
//	0 = VALID
//	1 = UNREGISTERED or OWNER_MISMATCH
//	2 = usage or runtime error
//	3 = TAMPERED, or registered content is missing
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		owner      string
		jsonOutput bool
	)
	cmd.StringVar(&owner, "owner", "", "Expected owner (default: existence check only)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: echocrypt verify [--owner id] <storage-ref>")
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	sys, err := openSubsystems(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer sys.close()

	report, err := sys.coordinator.Check(ctx, contracts.StorageRef(cmd.Arg(0)), contracts.Owner(owner))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFor(err)
	}

	if jsonOutput {
		writeJSON(stdout, report)
	} else {
		_, _ = fmt.Fprintf(stdout, "Verdict:      %s\n", report.Verdict)
		_, _ = fmt.Fprintf(stdout, "Storage ref:  %s\n", report.StorageRef)
		_, _ = fmt.Fprintf(stdout, "Expected:     %s\n", report.Expected)
		if !report.Actual.IsZero() {
			_, _ = fmt.Fprintf(stdout, "Actual:       %s\n", report.Actual)
		}
		if report.Registration != nil {
			_, _ = fmt.Fprintf(stdout, "Owner:        %s\n", report.Registration.Owner)
			_, _ = fmt.Fprintf(stdout, "Transaction:  %s (block %d)\n", report.Registration.TransactionID, report.Registration.BlockNumber)
		}
	}

	switch report.Verdict {
	case registration.VerdictValid:
		return exitOK
	case registration.VerdictTampered:
		return exitIntegrity
	default:
		return exitFailed
	}
}

// runStatusCmd implements `echocrypt status`.
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output registration as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: echocrypt status <fingerprint>")
		return exitUsage
	}
	fp, err := fingerprint.Parse(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	sys, err := openSubsystems(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer sys.close()

	reg, err := sys.coordinator.Status(ctx, fp)
	if errors.Is(err, registration.ErrNotRegistered) {
		_, _ = fmt.Fprintf(stdout, "%s is not registered\n", fp)
		return exitFailed
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFor(err)
	}

	if jsonOutput {
		writeJSON(stdout, reg)
	} else {
		printReceipt(stdout, registration.Receipt{Registration: reg})
	}
	return exitOK
}

// runListCmd implements `echocrypt list`.
func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		owner      string
		jsonOutput bool
	)
	cmd.StringVar(&owner, "owner", "", "Owner identity (default: the configured wallet address)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output registrations as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	sys, err := openSubsystems(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer sys.close()

	if owner == "" {
		owner = string(sys.wallet.Address())
	}
	regs, err := sys.coordinator.List(ctx, contracts.Owner(owner))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFor(err)
	}

	if jsonOutput {
		if regs == nil {
			regs = []contracts.Registration{}
		}
		writeJSON(stdout, regs)
		return exitOK
	}
	if len(regs) == 0 {
		_, _ = fmt.Fprintf(stdout, "No registrations for %s\n", owner)
		return exitOK
	}
	for _, reg := range regs {
		_, _ = fmt.Fprintf(stdout, "%-9s  %s  %s\n", reg.Status, reg.Fingerprint, reg.StorageRef)
	}
	return exitOK
}

// runRemoveCmd implements `echocrypt remove`.
//
// Exit codes:
//
//	0 = content removed (or already absent)
//	1 = removal failed
//	2 = usage error, or the content is registered
func runRemoveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("remove", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: echocrypt remove <storage-ref>")
		return exitUsage
	}
	ref := contracts.StorageRef(cmd.Arg(0))

	ctx, cancel := signalContext()
	defer cancel()

	sys, err := openSubsystems(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer sys.close()

	if err := sys.coordinator.Remove(ctx, ref); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFor(err)
	}
	_, _ = fmt.Fprintf(stdout, "Removed %s\n", ref)
	return exitOK
}
