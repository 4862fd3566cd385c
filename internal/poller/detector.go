package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snapcrafters/snapwatcher/internal/githubclt"
	"github.com/snapcrafters/snapwatcher/internal/logfields"
	"github.com/snapcrafters/snapwatcher/internal/swerr"
)

// errSinceRequired signals a caller bug, a zero reference timestamp must
// never reach the detector. It is not meant to be caught.
var errSinceRequired = errors.New("a non-zero since timestamp is required")

// SourceClient is the interface of the source-hosting API that the detector
// consumes.
type SourceClient interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	Branch(ctx context.Context, owner, repo, branch string, modifiedSince time.Time) (*githubclt.BranchStatus, error)
	SnapcraftYaml(ctx context.Context, owner, repo string) ([]byte, error)
}

// Detector answers whether anything a repository depends on changed since a
// reference timestamp. It considers the repository itself and every github
// hosted source part declared in its build manifest.
type Detector struct {
	ghClient     SourceClient
	ghRepoPrefix string
	logger       *zap.Logger
}

func NewDetector(ghClient SourceClient, ghRepoPrefix string) *Detector {
	return &Detector{
		ghClient:     ghClient,
		ghRepoPrefix: ghRepoPrefix,
		logger:       zap.L().Named("change_detector"),
	}
}

// HasRepoChangedSince returns true when the source part received new commits
// after since.
// The conditional request header is advisory only, the head commit timestamp
// of a 200 response is authoritative: the upstream API does not honor
// If-Modified-Since reliably on the branches endpoint.
// A part whose repository vanished is reported as unchanged and flagged for
// out-of-band cleanup instead of failing the check. Tag-pinned parts are not
// evaluated.
func (d *Detector) HasRepoChangedSince(ctx context.Context, part *SourcePart, since time.Time) (bool, error) {
	if since.IsZero() {
		return false, errSinceRequired
	}

	if part.Tag != "" {
		return false, nil
	}

	owner, name, err := parseGitHubRepoURL(part.RepoURL, d.ghRepoPrefix)
	if err != nil {
		return false, err
	}

	logger := d.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(name),
		logfields.RepositoryURL(part.RepoURL),
	)

	branch := part.Branch
	if branch == "" {
		branch, err = d.ghClient.DefaultBranch(ctx, owner, name)
		if err != nil {
			if errors.Is(err, swerr.ErrNotFound) {
				// The repository disappeared. It must not block
				// polling of others, the stale build service and
				// cache state needs a separate cleanup.
				logger.Info(
					"repository not found, treating as unchanged",
					logfields.Event("poller_repository_vanished"),
					zap.Error(err),
				)

				return false, nil
			}

			return false, fmt.Errorf("determining default branch failed: %w", err)
		}
	}

	status, err := d.ghClient.Branch(ctx, owner, name, branch, since)
	if err != nil {
		if errors.Is(err, swerr.ErrNotFound) {
			logger.Info(
				"branch not found, treating as unchanged",
				logfields.Event("poller_branch_vanished"),
				logfields.Branch(branch),
				zap.Error(err),
			)

			return false, nil
		}

		return false, fmt.Errorf("fetching branch metadata failed: %w", err)
	}

	if status.NotModified {
		return false, nil
	}

	return status.HeadCommitTime.After(since), nil
}

// CheckRepository returns true when the repository or any source part of its
// build manifest changed after since.
// The main repository is checked first and short-circuits the part checks. A
// manifest that can not be fetched or parsed yields no parts, the main-repo
// verdict stands.
// Parts are checked sequentially to bound API rate consumption.
func (d *Detector) CheckRepository(ctx context.Context, owner, name string, since time.Time) (bool, error) {
	logger := d.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(name),
	)

	mainPart := SourcePart{RepoURL: githubRepoURL(d.ghRepoPrefix, owner, name)}

	changed, err := d.HasRepoChangedSince(ctx, &mainPart, since)
	if err != nil {
		return false, err
	}

	if changed {
		logger.Info("repository changed", logfields.Event("poller_repository_changed"))
		return true, nil
	}

	logger.Debug("repository unchanged, checking parts")

	manifestData, err := d.ghClient.SnapcraftYaml(ctx, owner, name)
	if err != nil {
		logger.Info(
			"fetching snapcraft.yaml failed, can not check parts",
			logfields.Event("poller_manifest_fetch_failed"),
			zap.Error(err),
		)

		return false, nil
	}

	m, err := parseManifest(manifestData)
	if err != nil {
		logger.Info(
			"parsing snapcraft.yaml failed, can not check parts",
			logfields.Event("poller_manifest_parse_failed"),
			zap.Error(err),
		)

		return false, nil
	}

	for _, part := range extractPartsToPoll(m, d.ghRepoPrefix, logger) {
		part := part

		logger.Debug("checking part for changes", logfields.RepositoryURL(part.RepoURL))

		changed, err := d.HasRepoChangedSince(ctx, &part, since)
		if err != nil {
			return false, fmt.Errorf("checking part %s failed: %w", part.RepoURL, err)
		}

		if changed {
			logger.Info(
				"part changed",
				logfields.Event("poller_part_changed"),
				logfields.RepositoryURL(part.RepoURL),
			)

			return true, nil
		}
	}

	return false, nil
}
