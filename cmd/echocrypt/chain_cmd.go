package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"runtime"
	"sort"
	"time"

	"github.com/Mindburn-Labs/echocrypt/pkg/ledger/localchain"
)

// runSealCmd implements `echocrypt seal`: the block producer of the local
// chain. With --once it seals at most one block and exits.
func runSealCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("seal", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		interval time.Duration
		once     bool
	)
	cmd.DurationVar(&interval, "interval", 0, "Seal interval (default: ECHOCRYPT_SEAL_INTERVAL)")
	cmd.BoolVar(&once, "once", false, "Seal a single block and exit")

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

	if sys.chain == nil {
		_, _ = fmt.Fprintln(stderr, "Error: seal requires the local ledger (ECHOCRYPT_LEDGER=local)")
		return exitUsage
	}

	if once {
		block, sealed, err := sys.chain.Seal(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailed
		}
		if !sealed {
			_, _ = fmt.Fprintln(stdout, "Nothing to seal")
			return exitOK
		}
		_, _ = fmt.Fprintf(stdout, "Sealed block %d (%d included, %d reverted) %s\n",
			block.Number, block.Included, block.Reverted, block.Hash)
		return exitOK
	}

	if interval <= 0 {
		interval = sys.cfg.Ledger.SealInterval
	}
	sys.logger.InfoContext(ctx, "sealer started", "interval", interval)
	if err := sys.chain.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	return exitOK
}

// runChainVerifyCmd implements `echocrypt chain-verify`.
//
// Exit codes:
//
//	0 = every block and transaction verified
//	2 = runtime error
//	3 = the chain has been altered
func runChainVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("chain-verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

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

	if sys.chain == nil {
		_, _ = fmt.Fprintln(stderr, "Error: chain-verify requires the local ledger (ECHOCRYPT_LEDGER=local)")
		return exitUsage
	}

	blocks, err := sys.chain.VerifyChain(ctx)
	result := struct {
		Verified bool   `json:"verified"`
		Blocks   uint64 `json:"blocks"`
		Error    string `json:"error,omitempty"`
	}{Verified: err == nil, Blocks: blocks}
	if err != nil {
		result.Error = err.Error()
	}

	if jsonOutput {
		writeJSON(stdout, result)
	} else if result.Verified {
		_, _ = fmt.Fprintf(stdout, "Chain verified: %d blocks\n", blocks)
	} else {
		_, _ = fmt.Fprintf(stdout, "Chain verification FAILED after %d blocks: %v\n", blocks, err)
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, localchain.ErrChainBroken):
		return exitIntegrity
	default:
		return exitUsage
	}
}

// runDoctorCmd implements `echocrypt doctor`.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "fail"
		Detail string `json:"detail,omitempty"`
	}

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}
	allOK := true

	ctx, cancel := signalContext()
	defer cancel()

	sys, err := openSubsystems(ctx, stderr)
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		defer sys.close()
		results = append(results, checkResult{
			Name:   "config",
			Status: "ok",
			Detail: fmt.Sprintf("ledger=%s storage=%s", sys.cfg.Ledger.Backend, sys.cfg.StoreOptions().Type),
		})
		results = append(results, checkResult{Name: "wallet", Status: "ok", Detail: string(sys.wallet.Address())})
		if sys.chain != nil {
			if head, err := sys.chain.Head(ctx); err != nil {
				results = append(results, checkResult{Name: "chain_head", Status: "fail", Detail: err.Error()})
				allOK = false
			} else {
				results = append(results, checkResult{Name: "chain_head", Status: "ok", Detail: fmt.Sprintf("block %d", head)})
			}
		}

		checkCtx, cancelChecks := context.WithTimeout(ctx, 10*time.Second)
		defer cancelChecks()
		health := sys.coordinator.Health(checkCtx)
		names := make([]string, 0, len(health))
		for name := range health {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := health[name]; err != nil {
				results = append(results, checkResult{Name: name, Status: "fail", Detail: err.Error()})
				allOK = false
				continue
			}
			results = append(results, checkResult{Name: name, Status: "ok"})
		}
	}

	if jsonOutput {
		writeJSON(stdout, results)
	} else {
		for _, r := range results {
			mark := "✅"
			if r.Status != "ok" {
				mark = "❌"
			}
			if r.Detail != "" {
				_, _ = fmt.Fprintf(stdout, "%s %-12s %s\n", mark, r.Name, r.Detail)
			} else {
				_, _ = fmt.Fprintf(stdout, "%s %s\n", mark, r.Name)
			}
		}
	}

	if !allOK {
		return exitFailed
	}
	return exitOK
}
