package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

// Prune evicts auto-origin snapshots once either the count or the age
// limit is exceeded. manual-origin snapshots are never auto-evicted,
// satisfying the retention invariant.
func (s *Store) Prune(ctx context.Context) ([]string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var auto []domain.SnapshotMetadata
	for _, meta := range all {
		if meta.Origin == domain.OriginAuto {
			auto = append(auto, meta)
		}
	}
	// List returns newest first; auto[:maxSnapshots] are kept.
	now := time.Now()
	var removed []string
	for i, meta := range auto {
		tooMany := s.maxSnapshots > 0 && i >= s.maxSnapshots
		tooOld := s.maxAge > 0 && now.Sub(meta.CreatedAtWall) > s.maxAge
		if !tooMany && !tooOld {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.location, meta.ID)); err != nil {
			s.logger.Warn("failed to evict snapshot", zap.String("id", meta.ID), zap.Error(err))
			continue
		}
		removed = append(removed, meta.ID)
	}

	if len(removed) > 0 {
		s.logger.Info("retention evicted snapshots", zap.Strings("ids", removed))
	}
	return removed, nil
}
