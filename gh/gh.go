// Package gh manages GitHub Actions self-hosted runner registrations for a
// single repository: minting registration tokens, looking runners up by
// label, waiting for them to come online, and removing them.
package gh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/samber/lo"
	"golang.org/x/oauth2"
)

const apiVersion = "2022-11-28"

// DefaultRunnerPollInterval is the delay between runner lookups in
// WaitForRunner.
const DefaultRunnerPollInterval = 15 * time.Second

// The upstream project whose releases carry the runner agent binaries.
const (
	runnerReleaseOwner = "actions"
	runnerReleaseRepo  = "runner"
)

// ErrRunnerNotFound reports that no registered runner carries the label.
// It is an expected condition, distinct from an API failure.
var ErrRunnerNotFound = errors.New("runner not found")

// ErrReleaseAssetNotFound reports that the latest runner release has no
// asset for the requested platform and architecture.
var ErrReleaseAssetNotFound = errors.New("no matching runner release asset")

// APIError is returned for any non-success response on the raw request
// path, carrying the endpoint and raw response body.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("error in API call for %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// TokenRetrievalError wraps a failure to mint a registration token.
type TokenRetrievalError struct {
	Err error
}

func (e *TokenRetrievalError) Error() string {
	return fmt.Sprintf("creating runner token: %v", e.Err)
}

func (e *TokenRetrievalError) Unwrap() error { return e.Err }

// RemovalError reports that a runner existed but removing it failed.
type RemovalError struct {
	Label string
	Err   error
}

func (e *RemovalError) Error() string {
	return fmt.Sprintf("removing runner %s: %v", e.Label, e.Err)
}

func (e *RemovalError) Unwrap() error { return e.Err }

// Client talks to the GitHub API for one repository. Construct one per
// repository/token pair; there is no shared global state.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	token  string
	logger *slog.Logger
}

// New creates a client authenticated with a personal access token for the
// repository given in "owner/repo" form.
func New(ctx context.Context, token, repo string) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return NewWithClient(github.NewClient(tc), token, repo)
}

// NewWithClient wraps an existing go-github client. The raw request path
// follows the client's BaseURL, so tests can point everything at a local
// server.
func NewWithClient(ghClient *github.Client, token, repo string) (*Client, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("repo must be in owner/repo form, got %q", repo)
	}
	return &Client{
		gh:     ghClient,
		owner:  owner,
		repo:   name,
		token:  token,
		logger: slog.Default(),
	}, nil
}

// SetLogger replaces the logger used by the polling helpers.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// Repo returns the repository in "owner/repo" form.
func (c *Client) Repo() string {
	return c.owner + "/" + c.repo
}

// post issues a raw POST against an endpoint not covered by the typed
// client. Any non-success status yields an *APIError with the endpoint and
// response body.
func (c *Client) post(ctx context.Context, endpoint string, out any) error {
	u := c.gh.BaseURL.JoinPath(endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", u, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := c.gh.Client().Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", u, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{Endpoint: u.String(), StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", u, err)
		}
	}
	return nil
}

// CreateRunnerToken mints one short-lived registration token.
func (c *Client) CreateRunnerToken(ctx context.Context) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	endpoint := fmt.Sprintf("repos/%s/%s/actions/runners/registration-token", c.owner, c.repo)
	if err := c.post(ctx, endpoint, &res); err != nil {
		return "", &TokenRetrievalError{Err: err}
	}
	return res.Token, nil
}

// CreateRunnerTokens mints count tokens, one per instance to be created.
func (c *Client) CreateRunnerTokens(ctx context.Context, count int) ([]string, error) {
	tokens := make([]string, 0, count)
	for i := 0; i < count; i++ {
		token, err := c.CreateRunnerToken(ctx)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// GetRunners lists the repository's self-hosted runners and returns those
// whose label set contains label. No match returns an empty result, not an
// error: the runner may simply not have registered yet.
func (c *Client) GetRunners(ctx context.Context, label string) ([]*github.Runner, error) {
	opts := &github.ListRunnersOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var matched []*github.Runner
	for {
		runners, resp, err := c.gh.Actions.ListRunners(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing runners for %s: %w", c.Repo(), err)
		}
		for _, runner := range runners.Runners {
			for _, l := range runner.Labels {
				if l.GetName() == label {
					matched = append(matched, runner)
					break
				}
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return matched, nil
}

// GetRunner returns the first runner carrying label, or nil if absent.
func (c *Client) GetRunner(ctx context.Context, label string) (*github.Runner, error) {
	runners, err := c.GetRunners(ctx, label)
	if err != nil {
		return nil, err
	}
	if len(runners) == 0 {
		return nil, nil
	}
	return runners[0], nil
}

// WaitForRunner polls until a runner carrying label is registered. The
// wait is bounded only by ctx: pass a deadline context for a bounded wait.
func (c *Client) WaitForRunner(ctx context.Context, label string, interval time.Duration) (*github.Runner, error) {
	if interval <= 0 {
		interval = DefaultRunnerPollInterval
	}
	for {
		runner, err := c.GetRunner(ctx, label)
		if err != nil {
			return nil, err
		}
		if runner != nil {
			c.logger.Info("runner registered", "label", label, "status", runner.GetStatus())
			return runner, nil
		}
		c.logger.Info("runner not registered yet, waiting", "label", label)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for runner %s: %w", label, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// RemoveRunner removes the runner carrying label. A missing runner wraps
// ErrRunnerNotFound; a failed removal wraps the cause in a RemovalError.
// A nil return means the registration is gone.
func (c *Client) RemoveRunner(ctx context.Context, label string) error {
	runner, err := c.GetRunner(ctx, label)
	if err != nil {
		return err
	}
	if runner == nil {
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, label)
	}
	if _, err := c.gh.Actions.RemoveRunner(ctx, c.owner, c.repo, runner.GetID()); err != nil {
		return &RemovalError{Label: label, Err: err}
	}
	return nil
}

// RemoveRunners removes every runner carrying label.
func (c *Client) RemoveRunners(ctx context.Context, label string) error {
	runners, err := c.GetRunners(ctx, label)
	if err != nil {
		return err
	}
	if len(runners) == 0 {
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, label)
	}
	for _, runner := range runners {
		if _, err := c.gh.Actions.RemoveRunner(ctx, c.owner, c.repo, runner.GetID()); err != nil {
			return &RemovalError{Label: label, Err: err}
		}
	}
	return nil
}

var labelCharset = append(append([]rune{}, lo.LowerCaseLettersCharset...), lo.NumbersCharset...)

// GenerateRandomLabel returns a fresh runner label of the form
// "runner-<8 lowercase alphanumerics>". Uniqueness is probabilistic; it
// only needs to disambiguate concurrent runners in one repository.
func GenerateRandomLabel() string {
	return "runner-" + lo.RandomString(8, labelCharset)
}

// GetLatestRunnerRelease returns the download URL of the latest runner
// agent asset for the platform and architecture. Matching is by substring,
// so e.g. "arm" also matches arm64 assets; pass the full architecture
// token.
func (c *Client) GetLatestRunnerRelease(ctx context.Context, platform, architecture string) (string, error) {
	release, _, err := c.gh.Repositories.GetLatestRelease(ctx, runnerReleaseOwner, runnerReleaseRepo)
	if err != nil {
		return "", fmt.Errorf("getting latest runner release: %w", err)
	}
	for _, asset := range release.Assets {
		name := asset.GetName()
		if strings.Contains(name, platform) && strings.Contains(name, architecture) {
			return asset.GetBrowserDownloadURL(), nil
		}
	}
	return "", fmt.Errorf("%w for platform %s and architecture %s", ErrReleaseAssetNotFound, platform, architecture)
}
