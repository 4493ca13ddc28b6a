package main

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/internal/logging"
	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/authtest"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// OutputContract is the JSON line emitted on stdout once the server listens.
type OutputContract struct {
	BaseURL      string       `json:"base_url"`
	IssuerDomain string       `json:"issuer_domain"`
	Paths        OutputPaths  `json:"paths"`
	CSRF         OutputCSRF   `json:"csrf"`
	Users        []OutputUser `json:"users"`
	Keys         OutputKeys   `json:"keys"`
}

type OutputPaths struct {
	Login           string `json:"login"`
	Refresh         string `json:"refresh"`
	Me              string `json:"me"`
	Logout          string `json:"logout"`
	CSRFToken       string `json:"csrf_token"`
	PermissionCheck string `json:"permission_check"`
	UserPermissions string `json:"user_permissions"`
	Items           string `json:"items"`
}

type OutputCSRF struct {
	Header string `json:"header"`
	Cookie string `json:"cookie"`
}

type OutputUser struct {
	ID          string   `json:"id"`
	Handle      string   `json:"handle"`
	Password    string   `json:"password"`
	Permissions []string `json:"permissions"`
}

type OutputKeys struct {
	VerificationKeyDERBase64 string `json:"verification_key_der_base64"`
}

// seedUser is one --user flag: handle:password[:resource/action,...]
type seedUser struct {
	Handle      string
	Password    string
	Permissions []api.Permission
}

type options struct {
	listen          string
	users           []string
	accessLifetime  time.Duration
	refreshLifetime time.Duration
	csrfLifetime    time.Duration
	logLevel        string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "authstub",
		Short: "Run an in-memory sessionkit identity backend",
		Long: `authstub serves the login, refresh, me, logout, csrf-token and RBAC
endpoints from memory. Once listening it prints one JSON line describing
the server (base URL, seeded users, verification key) on stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "127.0.0.1:0", "Listen address (default uses ephemeral port)")
	f.StringArrayVar(&opts.users, "user", nil, "User in format 'handle:password[:resource/action,...]' (repeatable)")
	f.DurationVar(&opts.accessLifetime, "access-lifetime", 30*time.Minute, "Access token lifetime")
	f.DurationVar(&opts.refreshLifetime, "refresh-lifetime", 72*time.Hour, "Refresh token lifetime")
	f.DurationVar(&opts.csrfLifetime, "csrf-lifetime", time.Hour, "CSRF token lifetime")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn, error or disabled")

	return cmd
}

func serve(ctx context.Context, opts options, stdout io.Writer, stderr io.Writer) error {
	log := logging.New(opts.logLevel, stderr)

	users, err := parseUsers(opts.users)
	if err != nil {
		return err
	}

	key := tokens.GenerateKey()
	srv := authtest.New(
		authtest.WithSigningKey(key),
		authtest.WithLogger(log),
		authtest.WithAccessLifetime(opts.accessLifetime),
		authtest.WithRefreshLifetime(opts.refreshLifetime),
		authtest.WithCSRFLifetime(opts.csrfLifetime),
	)
	seeded, err := seed(srv, users)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	baseURL := fmt.Sprintf("http://%s:%d", addr.IP, addr.Port)

	keyDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		listener.Close()
		return fmt.Errorf("marshal public key: %w", err)
	}
	contract := buildContract(baseURL, srv.Issuer().Domain(), seeded, keyDER)
	if err := json.NewEncoder(stdout).Encode(contract); err != nil {
		listener.Close()
		return fmt.Errorf("failed to encode JSON contract: %w", err)
	}

	return run(ctx, listener, srv, log)
}

func run(ctx context.Context, listener net.Listener, h http.Handler, log zerolog.Logger) error {
	server := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(listener)
	}()
	log.Info().Str("addr", listener.Addr().String()).Msg("authstub listening")

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func parseUsers(flags []string) ([]seedUser, error) {
	if len(flags) == 0 {
		return []seedUser{{Handle: "test", Password: "test"}}, nil
	}
	users := make([]seedUser, 0, len(flags))
	for _, value := range flags {
		u, err := parseUser(value)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func parseUser(value string) (seedUser, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return seedUser{}, fmt.Errorf("user must be in format 'handle:password[:resource/action,...]', got %q", value)
	}
	u := seedUser{Handle: parts[0], Password: parts[1]}
	if len(parts) == 3 && parts[2] != "" {
		for _, perm := range strings.Split(parts[2], ",") {
			resource, action, ok := strings.Cut(strings.TrimSpace(perm), "/")
			if !ok || resource == "" || action == "" {
				return seedUser{}, fmt.Errorf("permission must be 'resource/action', got %q", perm)
			}
			u.Permissions = append(u.Permissions, api.Permission{Resource: resource, Action: action})
		}
	}
	return u, nil
}

// seed adds every user with a role of the same name granting its
// permissions.
func seed(srv *authtest.Server, users []seedUser) ([]OutputUser, error) {
	out := make([]OutputUser, 0, len(users))
	for _, u := range users {
		srv.DefineRole(u.Handle, u.Permissions...)
		created, err := srv.AddUser(u.Handle, u.Password, u.Handle)
		if err != nil {
			return nil, fmt.Errorf("add user %s: %w", u.Handle, err)
		}
		perms := make([]string, len(u.Permissions))
		for i, p := range u.Permissions {
			perms[i] = p.Resource + "/" + p.Action
		}
		out = append(out, OutputUser{
			ID:          created.ID,
			Handle:      u.Handle,
			Password:    u.Password,
			Permissions: perms,
		})
	}
	return out, nil
}

func buildContract(baseURL string, issuerDomain string, users []OutputUser, keyDER []byte) OutputContract {
	return OutputContract{
		BaseURL:      baseURL,
		IssuerDomain: issuerDomain,
		Paths: OutputPaths{
			Login:           api.PathLogin,
			Refresh:         api.PathRefresh,
			Me:              api.PathMe,
			Logout:          api.PathLogout,
			CSRFToken:       api.PathCSRFToken,
			PermissionCheck: api.PathPermissionCheck,
			UserPermissions: api.PathUserPermissions,
			Items:           authtest.PathItems,
		},
		CSRF: OutputCSRF{
			Header: authtest.CSRFHeader,
			Cookie: authtest.CSRFCookieName,
		},
		Users: users,
		Keys: OutputKeys{
			VerificationKeyDERBase64: base64.StdEncoding.EncodeToString(keyDER),
		},
	}
}
