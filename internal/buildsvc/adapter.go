// Package buildsvc composes the resource client into the domain operations
// of the build service: finding the snap registered for a repository,
// requesting builds, registering and deleting snaps.
// Repository-URL lookups go through a read-through cache that is invalidated
// on mutation.
package buildsvc

import (
	"context"
	// md5 is not used for anything security relevant, it only derives a
	// stable snap name from a repository URL.
	"crypto/md5" //nolint:gosec
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/snapcrafters/snapwatcher/internal/logfields"
	"github.com/snapcrafters/snapwatcher/internal/lpclient"
)

const loggerName = "build_service"

const (
	snapsCollectionURI = "/+snaps"
	findByURLOperation = "findByURL"
	newSnapOperation   = "new"
	requestBuildsOp    = "requestAutoBuilds"
)

// Build parameters of newly registered snaps.
const (
	distribution = "ubuntu"
	distroSeries = "xenial"
	storeSeries  = "16"
)

var architectures = []string{"amd64", "armhf"}

// Adapter provides the build service operations.
type Adapter struct {
	client         *lpclient.Client
	cache          *cache
	serviceAccount string
	logger         *zap.Logger

	findGroup singleflight.Group
}

// New returns an Adapter that attributes snaps to the given service account
// username.
func New(client *lpclient.Client, serviceAccount string) *Adapter {
	return &Adapter{
		client:         client,
		cache:          newCache(defCacheTTL),
		serviceAccount: serviceAccount,
		logger:         zap.L().Named(loggerName),
	}
}

func urlCacheKey(repoURL string) string {
	return "url:" + repoURL
}

func urlPrefixCacheKey(prefix string) string {
	return "url_prefix:" + prefix
}

// FindSnapByRepoURL returns the snap that is registered for the repository
// URL and owned by the configured service account.
// Lookups are cached by repository URL, concurrent misses for the same URL
// perform a single upstream query.
// ErrSnapNotFound is returned when no matching snap exists, an UpstreamError
// when the build service query itself failed.
func (a *Adapter) FindSnapByRepoURL(ctx context.Context, repoURL string) (*lpclient.Entry, error) {
	if selfLink, hit := a.cache.Get(urlCacheKey(repoURL)); hit {
		res, err := a.client.Get(ctx, selfLink, nil)

		switch {
		case isNotFound(err):
			// the snap behind the cached link is gone, drop the entry and
			// query again instead of serving the stale link until it expires
			a.cache.Invalidate(urlCacheKey(repoURL))

		case err != nil:
			return nil, translateUpstream(err)

		default:
			entry, ok := res.(*lpclient.Entry)
			if !ok {
				return nil, fmt.Errorf("expected an entry representation from %s, got %T", selfLink, res)
			}

			return entry, nil
		}
	}

	res, err, _ := a.findGroup.Do(repoURL, func() (any, error) {
		return a.findSnap(ctx, repoURL)
	})
	if err != nil {
		return nil, err
	}

	return res.(*lpclient.Entry), nil
}

func (a *Adapter) findSnap(ctx context.Context, repoURL string) (*lpclient.Entry, error) {
	res, err := a.client.NamedGet(ctx, snapsCollectionURI, findByURLOperation, &lpclient.GetOptions{
		Parameters: map[string]string{"url": repoURL},
	})
	if err != nil {
		return nil, translateUpstream(err)
	}

	col, ok := res.(*lpclient.Collection)
	if !ok {
		return nil, fmt.Errorf("expected a collection from %s operation, got %T", findByURLOperation, res)
	}

	ownerSuffix := "/~" + a.serviceAccount

	it := col.Iter()
	for {
		entry, err := it.Next(ctx)
		if err != nil {
			return nil, translateUpstream(err)
		}

		if entry == nil {
			break
		}

		if !strings.HasSuffix(entry.GetString("owner_link"), ownerSuffix) {
			continue
		}

		if selfLink := entry.GetString("self_link"); selfLink != "" {
			a.cache.Set(urlCacheKey(repoURL), selfLink)
		}

		return entry, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrSnapNotFound, repoURL)
}

// FindSnapsByURLPrefix returns the snaps of the service account whose
// repository URL starts with the given prefix.
// The self links of the result are cached by prefix, the entries are
// re-fetched from their canonical locations on a cache hit.
func (a *Adapter) FindSnapsByURLPrefix(ctx context.Context, urlPrefix string) ([]*lpclient.Entry, error) {
	if joined, hit := a.cache.Get(urlPrefixCacheKey(urlPrefix)); hit {
		var entries []*lpclient.Entry

		for _, selfLink := range strings.Split(joined, "\n") {
			res, err := a.client.Get(ctx, selfLink, nil)
			if err != nil {
				return nil, translateUpstream(err)
			}

			entry, ok := res.(*lpclient.Entry)
			if !ok {
				return nil, fmt.Errorf("expected an entry representation from %s, got %T", selfLink, res)
			}

			entries = append(entries, entry)
		}

		return entries, nil
	}

	res, err := a.client.NamedGet(ctx, snapsCollectionURI, "findByURLPrefix", &lpclient.GetOptions{
		Parameters: map[string]string{
			"url_prefix": urlPrefix,
			"owner":      "/~" + a.serviceAccount,
		},
	})
	if err != nil {
		return nil, translateUpstream(err)
	}

	col, ok := res.(*lpclient.Collection)
	if !ok {
		return nil, fmt.Errorf("expected a collection from findByURLPrefix operation, got %T", res)
	}

	var entries []*lpclient.Entry
	var selfLinks []string

	it := col.Iter()
	for {
		entry, err := it.Next(ctx)
		if err != nil {
			return nil, translateUpstream(err)
		}

		if entry == nil {
			break
		}

		entries = append(entries, entry)
		if selfLink := entry.GetString("self_link"); selfLink != "" {
			selfLinks = append(selfLinks, selfLink)
		}
	}

	if len(selfLinks) == len(entries) && len(selfLinks) > 0 {
		a.cache.Set(urlPrefixCacheKey(urlPrefix), strings.Join(selfLinks, "\n"))
	}

	return entries, nil
}

// RequestBuilds triggers builds of the snap for all configured
// architectures and returns the created build records.
func (a *Adapter) RequestBuilds(ctx context.Context, snap *lpclient.Entry) ([]*lpclient.Entry, error) {
	res, err := snap.NamedPost(ctx, requestBuildsOp, nil)
	if err != nil {
		return nil, translateUpstream(err)
	}

	builds, err := entriesOf(res)
	if err != nil {
		return nil, fmt.Errorf("unexpected %s response: %w", requestBuildsOp, err)
	}

	a.logger.Info(
		"builds requested",
		logfields.Event("builds_requested"),
		zap.String("snap_link", snap.URI()),
		zap.Int("build_count", len(builds)),
	)

	return builds, nil
}

// GetSnapBuilds returns a slice of the build collection of the snap, builds
// are served in descending order of completion.
func (a *Adapter) GetSnapBuilds(ctx context.Context, snap *lpclient.Entry, start, size int) (*lpclient.Collection, error) {
	buildsLink := snap.GetString("builds_collection_link")
	if buildsLink == "" {
		return nil, errors.New("snap entry has no builds_collection_link attribute")
	}

	res, err := a.client.Get(ctx, buildsLink, &lpclient.GetOptions{Start: &start, Size: &size})
	if err != nil {
		return nil, translateUpstream(err)
	}

	col, ok := res.(*lpclient.Collection)
	if !ok {
		return nil, fmt.Errorf("expected a collection from %s, got %T", buildsLink, res)
	}

	return col, nil
}

// LatestBuild returns the most recent build record of the snap or nil when
// the snap was never built.
func (a *Adapter) LatestBuild(ctx context.Context, snap *lpclient.Entry) (*lpclient.Entry, error) {
	builds, err := a.GetSnapBuilds(ctx, snap, 0, 1)
	if err != nil {
		return nil, err
	}

	if len(builds.Entries) == 0 {
		return nil, nil
	}

	return builds.Entries[0], nil
}

// NewSnap registers a new snap for the repository with the build service.
func (a *Adapter) NewSnap(ctx context.Context, repoURL, storeName string) (*lpclient.Entry, error) {
	parameters := url.Values{}
	parameters.Set("owner", "/~"+a.serviceAccount)
	parameters.Set("distro_series", fmt.Sprintf("/%s/%s", distribution, distroSeries))
	parameters.Set("name", fmt.Sprintf("%s-%s", makeSnapName(repoURL), distroSeries))
	parameters.Set("git_repository_url", repoURL)
	parameters.Set("git_path", "refs/heads/master")
	parameters.Set("auto_build", strconv.FormatBool(true))
	parameters.Set("auto_build_archive", fmt.Sprintf("/%s/+archive/primary", distribution))
	parameters.Set("auto_build_pocket", "Updates")
	parameters.Set("store_upload", strconv.FormatBool(true))
	parameters.Set("store_series", "/+snappy-series/"+storeSeries)
	parameters.Set("store_name", storeName)

	for _, arch := range architectures {
		parameters.Add("processors", "/+processors/"+arch)
	}

	res, err := a.client.NamedPost(ctx, snapsCollectionURI, newSnapOperation, parameters)
	if err != nil {
		return nil, translateUpstream(err)
	}

	entry, ok := res.(*lpclient.Entry)
	if !ok {
		return nil, fmt.Errorf("expected an entry from %s operation, got %T", newSnapOperation, res)
	}

	a.logger.Info(
		"snap registered",
		logfields.Event("snap_registered"),
		logfields.RepositoryURL(repoURL),
		logfields.SnapName(storeName),
		zap.String("snap_link", entry.URI()),
	)

	return entry, nil
}

// BeginAuthorization starts the store upload authorization of the snap and
// returns the macaroon caveat that the user must discharge.
func (a *Adapter) BeginAuthorization(ctx context.Context, snap *lpclient.Entry) (string, error) {
	res, err := snap.NamedPost(ctx, "beginAuthorization", nil)
	if err != nil {
		return "", translateUpstream(err)
	}

	caveatID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("expected a caveat id string from beginAuthorization, got %T", res)
	}

	return caveatID, nil
}

// CompleteAuthorization finishes the store upload authorization of the snap
// with the discharged macaroon.
func (a *Adapter) CompleteAuthorization(ctx context.Context, snap *lpclient.Entry, dischargeMacaroon string) error {
	parameters := url.Values{}
	parameters.Set("discharge_macaroon", dischargeMacaroon)

	if _, err := snap.NamedPost(ctx, "completeAuthorization", parameters); err != nil {
		return translateUpstream(err)
	}

	return nil
}

// DeleteSnap deletes the snap from the build service.
// The repository-URL and URL-prefix cache entries are invalidated regardless
// of the deletion outcome, cache correctness takes priority over downstream
// bookkeeping.
func (a *Adapter) DeleteSnap(ctx context.Context, snap *lpclient.Entry, urlPrefix, repoURL string) error {
	defer func() {
		a.cache.Invalidate(urlPrefixCacheKey(urlPrefix))
		a.cache.Invalidate(urlCacheKey(repoURL))
	}()

	if err := a.client.Delete(ctx, snap.URI()); err != nil {
		return translateUpstream(err)
	}

	a.logger.Info(
		"snap deleted",
		logfields.Event("snap_deleted"),
		logfields.RepositoryURL(repoURL),
		zap.String("snap_link", snap.URI()),
	)

	return nil
}

func makeSnapName(repoURL string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(repoURL))) //nolint:gosec
}

// translateUpstream converts resource client errors into the adapter error
// vocabulary. Transport failures stay wrapped plain errors, they are
// classified as internal by TranslateError.
func isNotFound(err error) bool {
	var resErr *lpclient.ResourceError

	return errors.As(err, &resErr) && resErr.StatusCode == http.StatusNotFound
}

func translateUpstream(err error) error {
	var resErr *lpclient.ResourceError
	if errors.As(err, &resErr) {
		return &UpstreamError{
			Status:  resErr.StatusCode,
			Message: resErr.Body,
		}
	}

	return err
}

func entriesOf(res any) ([]*lpclient.Entry, error) {
	switch v := res.(type) {
	case *lpclient.Collection:
		return v.Entries, nil

	case []any:
		entries := make([]*lpclient.Entry, 0, len(v))
		for _, elem := range v {
			if entry, ok := elem.(*lpclient.Entry); ok {
				entries = append(entries, entry)
			}
		}

		return entries, nil

	case nil:
		return nil, nil

	default:
		return nil, fmt.Errorf("got representation of type %T", res)
	}
}
