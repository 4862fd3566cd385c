// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/snapcrafters/snapwatcher/internal/logfields"
	"github.com/snapcrafters/snapwatcher/internal/swerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// snapcraftYamlPaths are the conventional locations of the build manifest in
// a repository, tried in order.
var snapcraftYamlPaths = []string{
	"snap/snapcraft.yaml",
	"snapcraft.yaml",
	".snapcraft.yaml",
}

type option func(*Client)

// WithManifestPath makes the client try the given repository path before the
// conventional manifest locations.
func WithManifestPath(path string) option {
	return func(clt *Client) {
		if path == "" {
			return
		}

		clt.manifestPaths = append([]string{path}, clt.manifestPaths...)
	}
}

// New returns a new github api client.
func New(oauthAPItoken string, opts ...option) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	clt := Client{
		restClt:         github.NewClient(httpClient),
		graphQLClt:      githubv4.NewClient(httpClient),
		logger:          zap.L().Named(loggerName),
		manifestPaths:   snapcraftYamlPaths,
		defaultBranches: map[string]string{},
	}

	for _, opt := range opts {
		opt(&clt)
	}

	return &clt
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// Methods return a swerr.RetryableError when an operation can be retried,
// e.g. when the API ratelimit is exceeded.
type Client struct {
	restClt       *github.Client
	graphQLClt    *githubv4.Client
	logger        *zap.Logger
	manifestPaths []string

	defaultBranchesLock sync.Mutex
	defaultBranches     map[string]string
}

// BranchStatus is the answer of a conditional branch metadata request.
type BranchStatus struct {
	// NotModified is true when the service answered the conditional
	// request with 304.
	NotModified bool
	// HeadCommitTime is the committer timestamp of the branch head
	// commit. Only set when NotModified is false.
	HeadCommitTime time.Time
}

// Branch requests metadata of a branch conditionally.
// modifiedSince is sent as If-Modified-Since header. The github API does not
// reliably honor it on this endpoint, callers must treat the returned head
// commit timestamp as authoritative.
// A repository or branch that does not exist is reported as
// swerr.ErrNotFound.
func (clt *Client) Branch(ctx context.Context, owner, repo, branch string, modifiedSince time.Time) (*BranchStatus, error) {
	u := fmt.Sprintf("repos/%v/%v/branches/%v", owner, repo, branch)

	req, err := clt.restClt.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating branch request failed: %w", err)
	}

	req.Header.Set("If-Modified-Since", modifiedSince.UTC().Format(http.TimeFormat))

	var ghBranch github.Branch

	resp, err := clt.restClt.Do(ctx, req, &ghBranch)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotModified {
			return &BranchStatus{NotModified: true}, nil
		}

		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("branch %s of %s/%s: %w", branch, owner, repo, swerr.ErrNotFound)
		}

		return nil, clt.wrapRetryableErrors(err)
	}

	headCommitTime := ghBranch.GetCommit().GetCommit().GetCommitter().GetDate()
	if headCommitTime.IsZero() {
		return nil, errors.New("github returned a branch without a committer timestamp")
	}

	return &BranchStatus{HeadCommitTime: headCommitTime}, nil
}

// DefaultBranch returns the name of the default branch of the repository.
// Results are cached for the lifetime of the client, the default branch of a
// repository changes rarely and a stale answer only delays change detection
// by one poll pass.
// A repository that does not exist is reported as swerr.ErrNotFound.
func (clt *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	cacheKey := owner + "/" + repo

	clt.defaultBranchesLock.Lock()
	branch, exist := clt.defaultBranches[cacheKey]
	clt.defaultBranchesLock.Unlock()

	if exist {
		return branch, nil
	}

	var q struct {
		Repository struct {
			DefaultBranchRef struct {
				Name githubv4.String
			}
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(repo),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		if strings.Contains(err.Error(), "Could not resolve to a Repository") {
			return "", fmt.Errorf("repository %s/%s: %w", owner, repo, swerr.ErrNotFound)
		}

		return "", clt.wrapGraphQLRetryableErrors(err)
	}

	branch = string(q.Repository.DefaultBranchRef.Name)
	if branch == "" {
		return "", fmt.Errorf("repository %s/%s has no default branch", owner, repo)
	}

	clt.defaultBranchesLock.Lock()
	clt.defaultBranches[cacheKey] = branch
	clt.defaultBranchesLock.Unlock()

	return branch, nil
}

// SnapcraftYaml fetches the raw build manifest of the repository.
// The conventional manifest locations are tried in order, the first existing
// file wins.
// When no manifest exists at any location, swerr.ErrNotFound is returned.
func (clt *Client) SnapcraftYaml(ctx context.Context, owner, repo string) ([]byte, error) {
	for _, path := range clt.manifestPaths {
		fileContent, _, _, err := clt.restClt.Repositories.GetContents(ctx, owner, repo, path, nil)
		if err != nil {
			var respErr *github.ErrorResponse
			if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
				continue
			}

			return nil, clt.wrapRetryableErrors(err)
		}

		if fileContent == nil {
			continue
		}

		content, err := fileContent.GetContent()
		if err != nil {
			return nil, fmt.Errorf("decoding %s of %s/%s failed: %w", path, owner, repo, err)
		}

		clt.logger.Debug(
			"fetched snapcraft.yaml",
			logfields.RepositoryOwner(owner),
			logfields.Repository(repo),
			logfields.Event("github_snapcraft_yaml_fetched"),
			zap.String("path", path),
		)

		return []byte(content), nil
	}

	return nil, fmt.Errorf("snapcraft.yaml in %s/%s: %w", owner, repo, swerr.ErrNotFound)
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return swerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return swerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return swerr.NewRetryableAnytimeError(err)
	}

	return err
}
