package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/snapcrafters/snapwatcher/internal/swerr"
)

// TrackedRepository is a github repository that is monitored for changes.
// LastCheckedAt is only written by the poller, after a successful
// check-and-maybe-build cycle. Rows are never deleted by the poller.
type TrackedRepository struct {
	ID            uint   `gorm:"primaryKey"`
	Owner         string `gorm:"uniqueIndex:idx_tracked_repo_owner_name;not null"`
	Name          string `gorm:"uniqueIndex:idx_tracked_repo_owner_name;not null"`
	SnapcraftName string
	StoreName     string
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r *TrackedRepository) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// ListTrackedRepositories returns all tracked repositories.
func (d *Database) ListTrackedRepositories(ctx context.Context) ([]TrackedRepository, error) {
	var repos []TrackedRepository

	if err := d.session(ctx).Order("owner, name").Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("listing tracked repositories failed: %w", err)
	}

	return repos, nil
}

// GetTrackedRepository returns the tracked repository with the given
// identity.
// swerr.ErrNotFound is returned when the repository is not tracked.
func (d *Database) GetTrackedRepository(ctx context.Context, owner, name string) (*TrackedRepository, error) {
	var repo TrackedRepository

	err := d.session(ctx).
		Where("owner = ? AND name = ?", owner, name).
		First(&repo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("repository %s/%s: %w", owner, name, swerr.ErrNotFound)
		}

		return nil, fmt.Errorf("fetching tracked repository failed: %w", err)
	}

	return &repo, nil
}

// AddTrackedRepository registers a repository for monitoring.
func (d *Database) AddTrackedRepository(ctx context.Context, repo *TrackedRepository) error {
	if err := d.session(ctx).Create(repo).Error; err != nil {
		return fmt.Errorf("creating tracked repository failed: %w", err)
	}

	return nil
}

// UpdateLastChecked records the checkpoint timestamp for the repository as a
// single atomic write.
// swerr.ErrNotFound is returned when the repository is not tracked.
func (d *Database) UpdateLastChecked(ctx context.Context, owner, name string, timestamp time.Time) error {
	result := d.session(ctx).
		Model(&TrackedRepository{}).
		Where("owner = ? AND name = ?", owner, name).
		Update("last_checked_at", timestamp)
	if result.Error != nil {
		return fmt.Errorf("updating checkpoint of %s/%s failed: %w", owner, name, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("repository %s/%s: %w", owner, name, swerr.ErrNotFound)
	}

	return nil
}
