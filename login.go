package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/tubeworks/tubeup/internal/oauth"
)

// callbackTimeout bounds how long login waits for the browser redirect.
const callbackTimeout = 5 * time.Minute

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize a YouTube channel",
		Long: "Starts the OAuth flow: prints an authorization URL, waits for the " +
			"browser redirect on the configured callback address, and stores the " +
			"resulting grant encrypted at rest.",
		RunE: runLogin,
	}
}

// callbackResult is what the redirect handler hands back to the flow.
type callbackResult struct {
	code  string
	state string
	err   error
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Client.ID == "" || a.cfg.Client.Secret == "" {
		return errors.New("client credentials missing: set client.id and client.secret in the config file or TUBEUP_CLIENT_ID / TUBEUP_CLIENT_SECRET")
	}

	expectedState, err := oauth.GenerateState()
	if err != nil {
		return err
	}

	redirect, err := url.Parse(a.cfg.Client.RedirectURL)
	if err != nil {
		return fmt.Errorf("parsing redirect URL: %w", err)
	}

	results := make(chan callbackResult, 1)

	srv, err := serveCallback(redirect, results)
	if err != nil {
		return err
	}
	defer srv.Shutdown(context.Background())

	statusf("Open this URL in your browser to authorize:\n\n  %s\n\n", a.oauth.AuthCodeURL(expectedState))
	statusf("Waiting for the redirect on %s ...\n", redirect.Host)

	waitCtx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	var cb callbackResult

	select {
	case cb = <-results:
	case <-waitCtx.Done():
		return fmt.Errorf("timed out waiting for the authorization redirect")
	}

	if cb.err != nil {
		return cb.err
	}

	res, err := a.oauth.Exchange(ctx, cb.code, cb.state, expectedState)
	if err != nil {
		return err
	}

	profile, err := a.oauth.ChannelProfile(ctx, res.AccessSecret)
	if err != nil {
		return err
	}

	grant, err := a.tokens.StoreResult(ctx, res, profile, 0)
	if err != nil {
		return err
	}

	statusf("Authorized channel %q (%s), grant %d.\n", profile.Title, profile.ID, grant.ID)

	return nil
}

// serveCallback starts an HTTP listener on the redirect URL's address
// and forwards the first authorization response to results.
func serveCallback(redirect *url.URL, results chan<- callbackResult) (*http.Server, error) {
	host := redirect.Host
	if redirect.Port() == "" {
		host = net.JoinHostPort(redirect.Hostname(), "80")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if errMsg := q.Get("error"); errMsg != "" {
			http.Error(w, "Authorization failed. You can close this tab.", http.StatusBadRequest)

			select {
			case results <- callbackResult{err: fmt.Errorf("authorization denied: %s", errMsg)}:
			default:
			}

			return
		}

		fmt.Fprintln(w, "Authorization received. You can close this tab.")

		select {
		case results <- callbackResult{code: q.Get("code"), state: q.Get("state")}:
		default:
		}
	})

	ln, err := net.Listen("tcp", host)
	if err != nil {
		return nil, fmt.Errorf("listening on %s for the OAuth callback: %w", host, err)
	}

	srv := &http.Server{Handler: mux}

	go srv.Serve(ln)

	return srv, nil
}
