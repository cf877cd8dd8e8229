package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"

	"github.com/ralphdev/ralphd/internal/retry"
)

// PR is the slice of a pull request the engine cares about.
type PR struct {
	Number  int
	HTMLURL string
	Title   string
	State   string
}

// Client probes the GitHub API through go-github. The engine uses it to
// detect an already-open PR before creating one and to report merged
// status; PR creation itself goes through the gh CLI.
type Client struct {
	gh           *gh.Client
	retryBackoff []time.Duration
}

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// Option configures a Client.
type Option func(*clientConfig)

// WithBaseURL overrides the GitHub API base URL, for tests.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth authenticates as a GitHub App installation instead of with a
// token.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a GitHub API client authenticated with token, unless
// WithAppAuth overrides it.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client
	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
	}

	return &Client{gh: client, retryBackoff: cfg.retryBackoff}, nil
}

func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyData, err := os.ReadFile(expandHome(app.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &appSigner{
		issuer: strconv.FormatInt(app.AppID, 10),
		method: jwt.SigningMethodRS256,
		key:    key,
	}
	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, app.AppID,
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}
	return &http.Client{Transport: itr}, nil
}

// appSigner issues app JWTs with an explicit issuer claim.
type appSigner struct {
	issuer string
	method jwt.SigningMethod
	key    any
}

func (s *appSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.issuer
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// FindOpenPR returns the open PR for head onto base, or nil when none
// exists.
func (c *Client) FindOpenPR(ctx context.Context, owner, repo, head, base string) (*PR, error) {
	return retry.DoVal(ctx, func() (*PR, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
			Head:  owner + ":" + head,
			Base:  base,
			State: "open",
		})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("listing PRs: %w", err))
		}
		if len(prs) == 0 {
			return nil, nil
		}
		pr := prFromGH(prs[0])
		return &pr, nil
	}, c.retryOpts()...)
}

// FetchPR returns one pull request by number.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, number int) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("fetching pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// IsPRMerged reports whether the pull request was merged.
func (c *Client) IsPRMerged(ctx context.Context, owner, repo string, number int) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		merged, _, err := c.gh.PullRequests.IsMerged(ctx, owner, repo, number)
		if err != nil {
			return false, classifyErr(fmt.Errorf("checking PR merged status: %w", err))
		}
		return merged, nil
	}, c.retryOpts()...)
}

func (c *Client) retryOpts() []retry.Option {
	if c.retryBackoff == nil {
		return nil
	}
	return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
}

func prFromGH(pr *gh.PullRequest) PR {
	return PR{
		Number:  pr.GetNumber(),
		HTMLURL: pr.GetHTMLURL(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
	}
}

// classifyErr marks 4xx responses permanent; retrying cannot fix those.
func classifyErr(err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
