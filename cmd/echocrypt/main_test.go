package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/registration"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ECHOCRYPT_PROFILE", "")
	t.Setenv("ECHOCRYPT_LEDGER", "local")
	t.Setenv("ECHOCRYPT_STORAGE_TYPE", "fs")
	t.Setenv("REDIS_URL", "")
	t.Setenv("ECHOCRYPT_WALLET_TYPE", "ed25519")
	t.Setenv("ECHOCRYPT_WALLET_KEY", strings.Repeat("ab", 32))
	t.Setenv("ECHOCRYPT_SEAL_INTERVAL", "5ms")
	t.Setenv("ECHOCRYPT_POLL_INTERVAL", "2ms")
	t.Setenv("ECHOCRYPT_TELEMETRY", "false")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"echocrypt"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeAudio(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "take.wav")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := run("help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "register")
	assert.Contains(t, stdout, "chain-verify")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := run("frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Unknown command")

	assert.Equal(t, exitUsage, Run([]string{"echocrypt"}, &bytes.Buffer{}, &bytes.Buffer{}))
}

func TestRun_RegisterStatusVerify(t *testing.T) {
	dataDir := setupEnv(t)
	file := writeAudio(t, "RIFF\x24\x00\x00\x00WAVEfmt demo")

	code, stdout, stderr := run("register", "--json", file)
	require.Equal(t, exitOK, code, stderr)

	var rcpt registration.Receipt
	require.NoError(t, json.Unmarshal([]byte(stdout), &rcpt))
	reg := rcpt.Registration
	assert.Equal(t, "CONFIRMED", string(reg.Status))
	assert.False(t, rcpt.Reused)

	code, stdout, stderr = run("register", file)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Already registered")

	code, stdout, _ = run("status", reg.Fingerprint.String())
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "CONFIRMED")

	code, stdout, _ = run("verify", "--owner", string(reg.Owner), string(reg.StorageRef))
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "VALID")

	code, stdout, _ = run("verify", "--owner", "ed25519:someone-else", string(reg.StorageRef))
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "OWNER_MISMATCH")

	blob := filepath.Join(dataDir, "objects", string(reg.StorageRef)+".blob")
	require.NoError(t, os.WriteFile(blob, []byte("RIFF\x24\x00\x00\x00WAVEfmt dem0"), 0o600))
	code, stdout, _ = run("verify", "--json", string(reg.StorageRef))
	assert.Equal(t, exitIntegrity, code)
	var report registration.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, registration.VerdictTampered, report.Verdict)

	code, stdout, _ = run("chain-verify")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Chain verified")
}

func TestRun_StatusUnknown(t *testing.T) {
	setupEnv(t)
	code, stdout, _ := run("status", "sha256:"+strings.Repeat("0", 64))
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "not registered")

	code, _, _ = run("status", "nope")
	assert.Equal(t, exitUsage, code)
}

func TestRun_VerifyUnregistered(t *testing.T) {
	setupEnv(t)
	ref := contracts.RefFor(fingerprint.Sum([]byte("never stored")))
	code, stdout, _ := run("verify", string(ref))
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "UNREGISTERED")

	code, _, _ = run("verify", "not-a-ref")
	assert.Equal(t, exitUsage, code)
}

func TestRun_RegisterErrors(t *testing.T) {
	setupEnv(t)

	code, _, _ := run("register")
	assert.Equal(t, exitUsage, code)

	code, _, _ = run("register", filepath.Join(t.TempDir(), "missing.wav"))
	assert.Equal(t, exitUsage, code)

	code, _, stderr := run("register", writeAudio(t, ""))
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "empty")

	code, _, _ = run("register", "--owner", "ed25519:not-my-key", writeAudio(t, "someone else's"))
	assert.Equal(t, exitFailed, code)
}

func TestRun_SealOnce(t *testing.T) {
	setupEnv(t)
	code, stdout, _ := run("seal", "--once")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Nothing to seal")
}

func TestRun_Doctor(t *testing.T) {
	setupEnv(t)
	code, stdout, _ := run("doctor", "--json")
	assert.Equal(t, exitOK, code, stdout)

	var results []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	names := map[string]string{}
	for _, r := range results {
		names[r.Name] = r.Status
	}
	assert.Equal(t, "ok", names["ledger"])
	assert.Equal(t, "ok", names["store"])
}

func TestRun_DoctorReportsBadConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("ECHOCRYPT_LEDGER", "paper")
	code, stdout, _ := run("doctor")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "config")
}

func TestRun_ListAndRemove(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run("list")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "No registrations")

	code, stdout, stderr := run("register", "--json", writeAudio(t, "RIFF list me"))
	require.Equal(t, exitOK, code, stderr)
	var rcpt registration.Receipt
	require.NoError(t, json.Unmarshal([]byte(stdout), &rcpt))

	code, stdout, _ = run("list", "--json")
	assert.Equal(t, exitOK, code)
	var regs []contracts.Registration
	require.NoError(t, json.Unmarshal([]byte(stdout), &regs))
	require.Len(t, regs, 1)
	assert.Equal(t, rcpt.Registration.Fingerprint, regs[0].Fingerprint)

	code, _, stderr = run("remove", string(rcpt.Registration.StorageRef))
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "registered")

	code, _, _ = run("remove")
	assert.Equal(t, exitUsage, code)
}
