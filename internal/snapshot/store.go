// Package snapshot implements the content-addressed-by-path-and-time
// archive of prior file states used by the Revert Engine.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

// Store implements domain.SnapshotStore. All writes land under
// Location/<id>/, written to a temp path in the same directory first
// so a crash mid-write never leaves a half-committed manifest.
type Store struct {
	logger   *zap.Logger
	location string

	maxSnapshots int
	maxAge       time.Duration

	timeshift *timeshiftIntegration

	mu  sync.Mutex
	seq uint64
}

var _ domain.SnapshotStore = (*Store)(nil)

// New creates a Store rooted at location. The caller is responsible
// for calling Sweep once at startup to remove orphaned directories
// left by a crash before the manifest rename.
func New(logger *zap.Logger, location string, enableSystemTool bool, maxSnapshots int, maxAge time.Duration) *Store {
	s := &Store{logger: logger, location: location, maxSnapshots: maxSnapshots, maxAge: maxAge}
	if enableSystemTool {
		s.timeshift = newTimeshiftIntegration(logger)
	}
	return s
}

// Sweep removes any snapshot directory missing a manifest.json,
// i.e. one whose write crashed before the final rename.
func (s *Store) Sweep() error {
	entries, err := os.ReadDir(s.location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifestPath := filepath.Join(s.location, e.Name(), "manifest.json")
		if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
			s.logger.Warn("sweeping orphaned snapshot directory", zap.String("id", e.Name()))
			_ = os.RemoveAll(filepath.Join(s.location, e.Name()))
		}
	}
	return nil
}

func (s *Store) nextID(category string) string {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	if category == "" {
		category = "snapshot"
	}
	return fmt.Sprintf("%s_%d_%s", category, seq, uuid.New().String()[:8])
}

// Create captures paths into a new snapshot directory and returns its
// id. Non-existent paths are recorded as tombstones rather than
// skipped outright, so a restore can delete files that did not exist
// pre-change.
func (s *Store) Create(ctx context.Context, paths []string, origin domain.SnapshotOrigin, description string) (string, error) {
	category := categoryHint(paths)
	id := s.nextID(category)
	dir := filepath.Join(s.location, id)
	blobsDir := filepath.Join(dir, "blobs")

	if err := os.MkdirAll(blobsDir, 0700); err != nil {
		return "", fmt.Errorf("%w: creating snapshot dir: %v", domain.ErrSnapshotCreateFailed, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("%w: initializing compressor: %v", domain.ErrSnapshotCreateFailed, err)
	}
	defer enc.Close()

	entries := make([]domain.ManifestEntry, 0, len(paths))
	for _, p := range paths {
		entry, err := s.captureOne(p, blobsDir, enc)
		if err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("%w: capturing %s: %v", domain.ErrSnapshotCreateFailed, p, err)
		}
		entries = append(entries, entry)
	}

	meta := domain.SnapshotMetadata{
		ID:            id,
		CreatedAtWall: time.Now().UTC(),
		CreatedAtMono: time.Now().UnixNano(),
		Origin:        origin,
		Description:   description,
		Entries:       entries,
	}

	if s.timeshift != nil {
		if sysID, err := s.timeshift.create(ctx, description); err != nil {
			s.logger.Warn("timeshift system snapshot failed, continuing with file-level snapshot only", zap.Error(err))
		} else {
			meta.SystemSnapshot = sysID
		}
	}

	if err := s.writeManifest(dir, meta); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("%w: writing manifest: %v", domain.ErrSnapshotCreateFailed, err)
	}

	s.logger.Info("snapshot created",
		zap.String("id", id),
		zap.String("origin", string(origin)),
		zap.Int("entries", len(entries)))
	return id, nil
}

func (s *Store) captureOne(path, blobsDir string, enc *zstd.Encoder) (domain.ManifestEntry, error) {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return domain.ManifestEntry{Path: path, Tombstone: true}, nil
	}
	if err != nil {
		return domain.ManifestEntry{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.ManifestEntry{}, err
	}

	digest := sha256.Sum256(raw)
	digestHex := hex.EncodeToString(digest[:])
	blobName := digestHex
	blobPath := filepath.Join(blobsDir, blobName)

	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		compressed := enc.EncodeAll(raw, nil)
		if err := atomicWrite(blobPath, compressed); err != nil {
			return domain.ManifestEntry{}, err
		}
	}

	uid, gid := fileOwner(fi)
	return domain.ManifestEntry{
		Path:   path,
		Mode:   uint32(fi.Mode().Perm()),
		UID:    uid,
		GID:    gid,
		Size:   fi.Size(),
		Digest: digestHex,
		Blob:   blobName,
	}, nil
}

func (s *Store) writeManifest(dir string, meta domain.SnapshotMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, "manifest.json"), data)
}

// Get loads one snapshot's metadata, marking it Corrupt if the
// manifest cannot be parsed.
func (s *Store) Get(ctx context.Context, id string) (*domain.SnapshotMetadata, error) {
	return s.readManifest(id)
}

func (s *Store) readManifest(id string) (*domain.SnapshotMetadata, error) {
	path := filepath.Join(s.location, id, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrSnapshotNotFound
		}
		return nil, err
	}
	var meta domain.SnapshotMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return &domain.SnapshotMetadata{ID: id, Corrupt: true}, fmt.Errorf("%w: %v", domain.ErrSnapshotCorrupt, err)
	}
	return &meta, nil
}

// List returns every snapshot's metadata, newest first.
func (s *Store) List(ctx context.Context) ([]domain.SnapshotMetadata, error) {
	entries, err := os.ReadDir(s.location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]domain.SnapshotMetadata, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.readManifest(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", zap.String("id", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtWall.After(out[j].CreatedAtWall) })
	return out, nil
}

// Restore builds a RestorePlan for id, scoped to paths (all entries
// if paths is empty). It performs no filesystem writes itself.
func (s *Store) Restore(ctx context.Context, id string, paths []string) (*domain.RestorePlan, error) {
	meta, err := s.readManifest(id)
	if err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		want[p] = struct{}{}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: initializing decompressor: %v", domain.ErrRestoreIOFailed, err)
	}
	defer dec.Close()

	plan := &domain.RestorePlan{SnapshotID: id}
	for _, entry := range meta.Entries {
		if len(want) > 0 {
			if _, ok := want[entry.Path]; !ok {
				continue
			}
		}
		step := domain.RestoreStep{
			Path:      entry.Path,
			Tombstone: entry.Tombstone,
			Mode:      entry.Mode,
			UID:       entry.UID,
			GID:       entry.GID,
			Digest:    entry.Digest,
		}
		if !entry.Tombstone {
			step.BlobPath = filepath.Join(s.location, id, "blobs", entry.Blob)
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// Verify recomputes digests for every blob referenced by id's
// manifest and reports domain.ErrSnapshotCorrupt if any mismatch or
// are missing.
func (s *Store) Verify(ctx context.Context, id string) error {
	meta, err := s.readManifest(id)
	if err != nil {
		return err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("%w: initializing decompressor: %v", domain.ErrSnapshotCorrupt, err)
	}
	defer dec.Close()

	var corrupt []string
	for _, entry := range meta.Entries {
		if entry.Tombstone {
			continue
		}
		blobPath := filepath.Join(s.location, id, "blobs", entry.Blob)
		compressed, err := os.ReadFile(blobPath)
		if err != nil {
			corrupt = append(corrupt, entry.Path)
			continue
		}
		raw, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			corrupt = append(corrupt, entry.Path)
			continue
		}
		digest := sha256.Sum256(raw)
		if hex.EncodeToString(digest[:]) != entry.Digest {
			corrupt = append(corrupt, entry.Path)
		}
	}

	if len(corrupt) > 0 {
		return fmt.Errorf("%w: %v", domain.ErrSnapshotCorrupt, corrupt)
	}
	return nil
}

func categoryHint(paths []string) string {
	if len(paths) == 0 {
		return "snapshot"
	}
	return "snap"
}

func atomicWrite(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".revertit-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	success = true
	return nil
}
