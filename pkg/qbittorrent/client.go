// Package qbittorrent is a hand-rolled net/http client for the qBittorrent
// Web API: lazy login, a single combined preferences update, and exactly
// one re-authentication retry on a session-expiry 403.
package qbittorrent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vegardx/qbouncer/pkg/log"
	"github.com/vegardx/qbouncer/pkg/qerrors"
)

func insecureTransport() http.RoundTripper {
	return &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
}

const defaultTimeout = 10 * time.Second
const reachableTimeout = 5 * time.Second

// Client talks to a single qBittorrent instance's Web API.
type Client struct {
	BaseURL  string
	Username string
	Password string

	httpClient *http.Client
	logger     zerolog.Logger

	mu            sync.Mutex
	authenticated bool
}

// New builds a Client for the given host/port. When useHTTPS is false,
// verifyTLS has no effect.
func New(host string, port int, username, password string, useHTTPS, verifyTLS bool) (*Client, error) {
	scheme := "http"
	if useHTTPS {
		scheme = "https"
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, qerrors.NewQBittorrentError("failed to create cookie jar", err)
	}

	transport := http.DefaultTransport
	if useHTTPS && !verifyTLS {
		transport = insecureTransport()
	}

	return &Client{
		BaseURL:  fmt.Sprintf("%s://%s:%d", scheme, host, port),
		Username: username,
		Password: password,
		httpClient: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   defaultTimeout,
		},
		logger: log.WithComponent("qbittorrent"),
	}, nil
}

// ensureAuthenticated logs in once, lazily, when credentials are
// configured. A blank username means authentication is not required.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.Username == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		return nil
	}
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{"username": {c.Username}, "password": {c.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return qerrors.NewQBittorrentError("building login request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return qerrors.NewQBittorrentError("cannot connect to qBittorrent", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return qerrors.NewQBittorrentError("reading login response", err)
	}

	if string(body) != "Ok." {
		return qerrors.NewQBittorrentError(fmt.Sprintf("authentication failed: %s", body), nil)
	}

	c.logger.Info().Msg("authenticated with qBittorrent")
	c.authenticated = true
	return nil
}

// do is the shared authenticated-request path: lazy login on first use,
// exactly one re-login-and-retry on a 403, and an error on anything else
// that is not a 2xx.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, method, path, form)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden && c.Username != "" {
		resp.Body.Close()
		c.logger.Debug().Msg("session expired, re-authenticating")

		c.mu.Lock()
		c.authenticated = false
		c.mu.Unlock()

		if err := c.ensureAuthenticated(ctx); err != nil {
			return nil, err
		}
		resp, err = c.request(ctx, method, path, form)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, qerrors.NewQBittorrentError(fmt.Sprintf("qBittorrent API error: %s %s -> %d: %s", method, path, resp.StatusCode, body), nil)
	}

	return resp, nil
}

func (c *Client) request(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, qerrors.NewQBittorrentError("building request", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, qerrors.NewQBittorrentError("qBittorrent API request timed out", ctxErr)
		}
		return nil, qerrors.NewQBittorrentError("cannot connect to qBittorrent", err)
	}
	return resp, nil
}

// GetPreferences fetches the full preferences object.
func (c *Client) GetPreferences(ctx context.Context) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v2/app/preferences", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var prefs map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&prefs); err != nil {
		return nil, qerrors.NewQBittorrentError("invalid JSON response", err)
	}
	return prefs, nil
}

// SetPreferences posts only the given keys, never overwriting the rest of
// qBittorrent's preference set.
func (c *Client) SetPreferences(ctx context.Context, preferences map[string]any) error {
	encoded, err := json.Marshal(preferences)
	if err != nil {
		return qerrors.NewQBittorrentError("encoding preferences", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v2/app/setPreferences", url.Values{"json": {string(encoded)}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// GetListeningPort returns the currently configured listening port.
func (c *Client) GetListeningPort(ctx context.Context) (int, error) {
	prefs, err := c.GetPreferences(ctx)
	if err != nil {
		return 0, err
	}
	port, _ := prefs["listen_port"].(float64)
	return int(port), nil
}

// SetListeningPort updates only the listening port.
func (c *Client) SetListeningPort(ctx context.Context, port int) error {
	return c.SetPreferences(ctx, map[string]any{"listen_port": port})
}

// GetNetworkInterface returns the currently bound network interface, or ""
// when qBittorrent is bound to any/all interfaces.
func (c *Client) GetNetworkInterface(ctx context.Context) (string, error) {
	prefs, err := c.GetPreferences(ctx)
	if err != nil {
		return "", err
	}
	iface, _ := prefs["current_network_interface"].(string)
	return iface, nil
}

// SetNetworkInterface updates only the bound network interface.
func (c *Client) SetNetworkInterface(ctx context.Context, iface string) error {
	return c.SetPreferences(ctx, map[string]any{"current_network_interface": iface})
}

// VerifyInterfaceBinding reports whether the currently bound interface
// matches expected. This re-fetches preferences and can race with a
// concurrent Web UI edit; the last write wins, as specified.
func (c *Client) VerifyInterfaceBinding(ctx context.Context, expected string) (bool, error) {
	current, err := c.GetNetworkInterface(ctx)
	if err != nil {
		return false, err
	}
	matches := current == expected
	if !matches {
		c.logger.Warn().Str("expected", expected).Str("current", current).Msg("interface binding mismatch")
	}
	return matches, nil
}

// UpdatePortAndInterface applies both settings in a single setPreferences
// call, never two sequential calls, to avoid a window where qBittorrent
// listens on the right port but the wrong interface.
func (c *Client) UpdatePortAndInterface(ctx context.Context, port int, iface string) error {
	c.logger.Info().Int("port", port).Str("interface", iface).Msg("updating qBittorrent port and interface")
	return c.SetPreferences(ctx, map[string]any{
		"listen_port":               port,
		"current_network_interface": iface,
	})
}

// GetVersion returns the qBittorrent version string, or "unknown" if the
// request fails.
func (c *Client) GetVersion(ctx context.Context) string {
	resp, err := c.do(ctx, http.MethodGet, "/api/v2/app/version", nil)
	if err != nil {
		return "unknown"
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(body))
}

// IsReachable reports whether the API responds (and authenticates, if
// credentials are configured) within a short timeout.
func (c *Client) IsReachable(ctx context.Context) bool {
	reachCtx, cancel := context.WithTimeout(ctx, reachableTimeout)
	defer cancel()

	resp, err := c.do(reachCtx, http.MethodGet, "/api/v2/app/version", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
