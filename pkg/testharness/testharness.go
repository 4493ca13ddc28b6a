// Package testharness runs the authstub binary as a subprocess for
// end-to-end tests that need a backend outside the test process.
package testharness

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// EnvBinary names the variable pointing at an authstub binary.
const EnvBinary = "SESSIONKIT_AUTHSTUB_BIN"

const binaryName = "authstub"

var ErrNotECDSA = errors.New("verification key is not an ECDSA public key")

// Config holds configuration for starting the test harness.
type Config struct {
	Users          []User
	ListenAddr     string
	AccessLifetime time.Duration
	CSRFLifetime   time.Duration
	BinaryPath     string
	Quiet          bool
}

// User holds test user credentials. Permissions are "resource/action".
type User struct {
	ID          string
	Handle      string
	Password    string
	Permissions []string
}

// Harness represents a running authstub instance.
type Harness struct {
	BaseURL            string
	IssuerDomain       string
	CSRFHeader         string
	VerificationKeyDER []byte
	Users              []User

	// Internal state
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// outputContract matches the JSON line printed by authstub
type outputContract struct {
	BaseURL      string `json:"base_url"`
	IssuerDomain string `json:"issuer_domain"`
	CSRF         struct {
		Header string `json:"header"`
	} `json:"csrf"`
	Users []struct {
		ID          string   `json:"id"`
		Handle      string   `json:"handle"`
		Password    string   `json:"password"`
		Permissions []string `json:"permissions"`
	} `json:"users"`
	Keys struct {
		VerificationKeyDERBase64 string `json:"verification_key_der_base64"`
	} `json:"keys"`
}

// Start spawns authstub and returns a handle to it. The test is skipped
// when no binary can be found. It registers cleanup with t.Cleanup().
func Start(t *testing.T, cfg Config) *Harness {
	t.Helper()

	binaryPath := findBinary(cfg.BinaryPath)
	if binaryPath == "" {
		t.Skipf("%s binary not found (check PATH or set Config.BinaryPath or %s)", binaryName, EnvBinary)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, buildArgs(cfg)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start %s: %v", binaryName, err)
	}

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		cancel()
		cmd.Wait()
		t.Fatalf("failed to read JSON contract from %s", binaryName)
	}
	h, err := fromContract(scanner.Bytes())
	if err != nil {
		cancel()
		cmd.Wait()
		t.Fatal(err)
	}
	h.cmd, h.cancel = cmd, cancel

	if !cfg.Quiet {
		go func() {
			s := bufio.NewScanner(stderr)
			for s.Scan() {
				t.Logf("[%s] %s", binaryName, s.Text())
			}
		}()
	}

	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Logf("warning: harness cleanup failed: %v", err)
		}
	})
	return h
}

func fromContract(line []byte) (*Harness, error) {
	var contract outputContract
	if err := json.Unmarshal(line, &contract); err != nil {
		return nil, fmt.Errorf("failed to parse JSON contract: %w", err)
	}
	keyDER, err := base64.StdEncoding.DecodeString(contract.Keys.VerificationKeyDERBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode verification key: %w", err)
	}

	h := &Harness{
		BaseURL:            contract.BaseURL,
		IssuerDomain:       contract.IssuerDomain,
		CSRFHeader:         contract.CSRF.Header,
		VerificationKeyDER: keyDER,
		Users:              make([]User, len(contract.Users)),
	}
	for i, u := range contract.Users {
		h.Users[i] = User{
			ID:          u.ID,
			Handle:      u.Handle,
			Password:    u.Password,
			Permissions: u.Permissions,
		}
	}
	return h, nil
}

// VerificationKey parses the server's public signing key.
func (h *Harness) VerificationKey() (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(h.VerificationKeyDER)
	if err != nil {
		return nil, err
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrNotECDSA
	}
	return key, nil
}

// Close terminates the authstub process.
func (h *Harness) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- h.cmd.Wait()
	}()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// interrupted on purpose
			return nil
		}
		return err
	case <-time.After(5 * time.Second):
		if err := h.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("force kill: %w", err)
		}
		return fmt.Errorf("timeout waiting for graceful shutdown, process killed")
	}
}

func findBinary(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}
	if envPath := os.Getenv(EnvBinary); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	if pathBinary, err := exec.LookPath(binaryName); err == nil {
		return pathBinary
	}
	return ""
}

func buildArgs(cfg Config) []string {
	var args []string
	if cfg.ListenAddr != "" {
		args = append(args, "--listen", cfg.ListenAddr)
	}
	if cfg.AccessLifetime > 0 {
		args = append(args, "--access-lifetime", cfg.AccessLifetime.String())
	}
	if cfg.CSRFLifetime > 0 {
		args = append(args, "--csrf-lifetime", cfg.CSRFLifetime.String())
	}
	if cfg.Quiet {
		args = append(args, "--log-level", "disabled")
	}
	for _, u := range cfg.Users {
		flag := u.Handle + ":" + u.Password
		if len(u.Permissions) > 0 {
			flag += ":" + strings.Join(u.Permissions, ",")
		}
		args = append(args, "--user", flag)
	}
	return args
}
