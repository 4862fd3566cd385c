// Package poller decides, for every tracked repository, whether anything it
// depends on changed since it was last checked and requests a build from the
// build service exactly once per relevant change.
//
// A poll pass processes the repositories concurrently, the check-then-build-
// then-checkpoint cycle of a single repository is serialized via a
// per-repository lock. The same lock also guards against a webhook trigger
// racing with an overlapping poll pass. Failures of one repository are
// isolated, they never abort the pass.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snapcrafters/snapwatcher/internal/logfields"
	"github.com/snapcrafters/snapwatcher/internal/lpclient"
	"github.com/snapcrafters/snapwatcher/internal/storage"
)

const loggerName = "poller"

const defConcurrency = 10

// BuildService is the interface of the build-service adapter that the poller
// consumes.
type BuildService interface {
	FindSnapByRepoURL(ctx context.Context, repoURL string) (*lpclient.Entry, error)
	RequestBuilds(ctx context.Context, snap *lpclient.Entry) ([]*lpclient.Entry, error)
	LatestBuild(ctx context.Context, snap *lpclient.Entry) (*lpclient.Entry, error)
}

// Storage is the persistence interface of the poller.
// Both operations are durable and consistent per row.
type Storage interface {
	ListTrackedRepositories(ctx context.Context) ([]storage.TrackedRepository, error)
	GetTrackedRepository(ctx context.Context, owner, name string) (*storage.TrackedRepository, error)
	UpdateLastChecked(ctx context.Context, owner, name string, timestamp time.Time) error
}

// ChangeDetector answers whether a repository or any of its manifest parts
// changed after a reference timestamp.
type ChangeDetector interface {
	CheckRepository(ctx context.Context, owner, name string, since time.Time) (bool, error)
}

// Poller batch-processes all tracked repositories once per Run invocation.
// Scheduling repeated passes is the job of the caller.
type Poller struct {
	storage  Storage
	buildSvc BuildService
	detector ChangeDetector

	ghRepoPrefix   string
	concurrency    int
	requestBuilds  bool
	buildThreshold time.Duration

	locks  *lockTable
	logger *zap.Logger
	// now is replaceable in tests
	now func() time.Time
}

type Option func(*Poller)

// WithConcurrency bounds the number of repositories that are processed in
// parallel during a pass. The bound exists to respect the upstream API rate
// budget, not for correctness.
func WithConcurrency(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithBuildThreshold skips change detection for repositories whose snap was
// already built within the given window.
func WithBuildThreshold(d time.Duration) Option {
	return func(p *Poller) {
		p.buildThreshold = d
	}
}

// WithRequestBuildsDisabled detects and logs changes without requesting
// builds or advancing checkpoints.
func WithRequestBuildsDisabled() Option {
	return func(p *Poller) {
		p.requestBuilds = false
	}
}

func New(store Storage, buildSvc BuildService, detector ChangeDetector, ghRepoPrefix string, opts ...Option) *Poller {
	p := Poller{
		storage:       store,
		buildSvc:      buildSvc,
		detector:      detector,
		ghRepoPrefix:  ghRepoPrefix,
		concurrency:   defConcurrency,
		requestBuilds: true,
		locks:         newLockTable(),
		logger:        zap.L().Named(loggerName),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(&p)
	}

	return &p
}

// Run executes one poll pass over all tracked repositories.
// Repositories are processed concurrently, failures of individual
// repositories are logged and do not abort the pass. Run only fails when the
// repository set can not be loaded.
func (p *Poller) Run(ctx context.Context) error {
	startTime := p.now()

	repos, err := p.storage.ListTrackedRepositories(ctx)
	if err != nil {
		return fmt.Errorf("loading tracked repositories failed: %w", err)
	}

	p.logger.Info(
		"poll pass started",
		logfields.Event("poll_pass_started"),
		zap.Int("repository_count", len(repos)),
	)

	metrics.trackedRepos.Set(float64(len(repos)))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(p.concurrency)

	for i := range repos {
		repo := repos[i]

		grp.Go(func() error {
			p.processRepository(grpCtx, &repo)
			// errors are handled per repository, a failure must not
			// cancel the pass for the others
			return nil
		})
	}

	_ = grp.Wait()

	metrics.passDuration.Observe(p.now().Sub(startTime).Seconds())

	p.logger.Info(
		"poll pass finished",
		logfields.Event("poll_pass_finished"),
		zap.Duration("duration", p.now().Sub(startTime)),
	)

	return nil
}

// CheckAndBuild runs the check-and-maybe-build cycle for one repository.
// It is invoked by the poll pass and by the webhook trigger and is safe to
// call concurrently for the same repository.
func (p *Poller) CheckAndBuild(ctx context.Context, owner, name string) error {
	repo, err := p.storage.GetTrackedRepository(ctx, owner, name)
	if err != nil {
		return err
	}

	if reason := skipReason(repo); reason != "" {
		p.logger.Info(
			"skipping repository",
			logfields.Event("poller_repository_skipped"),
			logfields.RepositoryOwner(owner),
			logfields.Repository(name),
			zap.String("reason", reason),
		)

		return nil
	}

	return p.checkAndBuild(ctx, owner, name)
}

func (p *Poller) processRepository(ctx context.Context, repo *storage.TrackedRepository) {
	logger := p.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
	)

	if reason := skipReason(repo); reason != "" {
		logger.Info(
			"skipping repository",
			logfields.Event("poller_repository_skipped"),
			zap.String("reason", reason),
		)

		metrics.CheckedRepoInc(checkResultSkipped)

		return
	}

	if err := p.checkAndBuild(ctx, repo.Owner, repo.Name); err != nil {
		logger.Error(
			"checking repository failed",
			logfields.Event("poller_repository_check_failed"),
			zap.Error(err),
		)

		metrics.CheckedRepoInc(checkResultErrored)
	}
}

// checkAndBuild runs check → maybe build → checkpoint for one repository
// under its lock. The checkpoint is only written after the build request was
// confirmed issued, a change must not be skipped silently on the next pass.
func (p *Poller) checkAndBuild(ctx context.Context, owner, name string) error {
	key := repoKey{Owner: owner, Name: name}

	if err := p.locks.Acquire(ctx, key); err != nil {
		return fmt.Errorf("acquiring repository lock failed: %w", err)
	}
	defer p.locks.Release(key)

	// The row is read under the lock, a concurrent holder may have advanced
	// the checkpoint while we waited. A stale checkpoint would re-detect a
	// change that was already built.
	repo, err := p.storage.GetTrackedRepository(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("reloading repository failed: %w", err)
	}

	logger := p.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
	)

	repoURL := githubRepoURL(p.ghRepoPrefix, repo.Owner, repo.Name)

	snap, err := p.buildSvc.FindSnapByRepoURL(ctx, repoURL)
	if err != nil {
		return fmt.Errorf("finding snap failed: %w", err)
	}

	if p.buildThreshold > 0 {
		recentlyBuilt, err := p.builtWithinThreshold(ctx, snap, logger)
		if err != nil {
			return err
		}

		if recentlyBuilt {
			logger.Info(
				"snap was already built recently, skipping change detection",
				logfields.Event("poller_snap_recently_built"),
				zap.Duration("build_threshold", p.buildThreshold),
			)

			metrics.CheckedRepoInc(checkResultSkipped)

			return nil
		}
	}

	since := p.checkpoint(repo)

	changed, err := p.detector.CheckRepository(ctx, repo.Owner, repo.Name, since)
	if err != nil {
		return fmt.Errorf("change detection failed: %w", err)
	}

	if !changed {
		logger.Info("repository unchanged", logfields.Event("poller_repository_unchanged"))
		metrics.CheckedRepoInc(checkResultUnchanged)

		return nil
	}

	metrics.CheckedRepoInc(checkResultChanged)

	if !p.requestBuilds {
		logger.Info(
			"repository changed, build requesting is disabled",
			logfields.Event("poller_build_requesting_disabled"),
		)

		return nil
	}

	builds, err := p.buildSvc.RequestBuilds(ctx, snap)
	if err != nil {
		return fmt.Errorf("requesting builds failed: %w", err)
	}

	metrics.BuildRequestsInc(repo.Owner, repo.Name)

	logger.Info(
		"builds requested",
		logfields.Event("poller_builds_requested"),
		zap.Int("build_count", len(builds)),
	)

	if err := p.storage.UpdateLastChecked(ctx, repo.Owner, repo.Name, p.now()); err != nil {
		return fmt.Errorf("persisting checkpoint failed: %w", err)
	}

	return nil
}

// checkpoint returns the reference timestamp for change detection, falling
// back to the last row update for repositories that were never checked.
func (p *Poller) checkpoint(repo *storage.TrackedRepository) time.Time {
	if repo.LastCheckedAt != nil && !repo.LastCheckedAt.IsZero() {
		return *repo.LastCheckedAt
	}

	return repo.UpdatedAt
}

func (p *Poller) builtWithinThreshold(ctx context.Context, snap *lpclient.Entry, logger *zap.Logger) (bool, error) {
	lastBuild, err := p.buildSvc.LatestBuild(ctx, snap)
	if err != nil {
		return false, fmt.Errorf("fetching latest build failed: %w", err)
	}

	if lastBuild == nil {
		return false, nil
	}

	lastBuiltAt := entryTime(lastBuild, "datebuilt", "datecreated")
	if lastBuiltAt.IsZero() {
		return false, errors.New("build record timestamps are inconsistent")
	}

	logger.Debug(
		"found latest build",
		zap.Time("last_built_at", lastBuiltAt),
	)

	return p.now().Sub(lastBuiltAt) <= p.buildThreshold, nil
}

func skipReason(repo *storage.TrackedRepository) string {
	switch {
	case repo.SnapcraftName == "":
		return "no name in snapcraft.yaml"

	case repo.StoreName == "":
		return "no name registered in the store"

	case repo.StoreName != repo.SnapcraftName:
		return fmt.Sprintf("store/snapcraft name mismatch (%s != %s)", repo.StoreName, repo.SnapcraftName)

	default:
		return ""
	}
}

// entryTime returns the first attribute of the entry that parses as RFC3339
// timestamp.
func entryTime(entry *lpclient.Entry, attrNames ...string) time.Time {
	for _, name := range attrNames {
		val := entry.GetString(name)
		if val == "" {
			continue
		}

		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t
		}
	}

	return time.Time{}
}
