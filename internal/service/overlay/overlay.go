package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/logger"
	"github.com/oshokin/ota-updated/internal/service/priority"
	"github.com/oshokin/ota-updated/internal/vcs"
)

// Layout of the staging root.
const (
	MergedDir       = "merged"
	MetadataDir     = "metadata"
	FinalizedDir    = "finalized"
	MarkerFile      = "overlay_init"
	ConsistentFile  = ".overlay_consistent"
	finalizedTmpDir = "finalized.tmp"

	directoryPermissions = 0o755
	markerPermissions    = 0o644
)

var (
	// ErrNotWritable is returned when the staging root rejects writes.
	ErrNotWritable = errors.New("staging root is not writable")
	// ErrIncomplete is returned when a submodule does not match its pin after initialization.
	ErrIncomplete = errors.New("overlay submodules are not at their pinned revisions")
)

// Overlay is a staged working copy obtained for one cycle.
type Overlay struct {
	// Root is the staging root.
	Root string
	// MergedPath is the working copy that receives fetched revisions.
	MergedPath string
	// FinalizedPath is the promoted copy of MergedPath.
	FinalizedPath string
	// BaseHead is the revision of the running tree when the overlay was obtained.
	BaseHead update.Revision
	// Fingerprint identifies the base tree the overlay was built from.
	Fingerprint string
	// Reused reports that an existing overlay was fresh and left untouched.
	Reused bool
	// Repo is the working copy at MergedPath.
	Repo vcs.Repository

	// markerPath is the marker that vouches for MergedPath.
	markerPath string
	// marker is the marker body restored by Revalidate.
	marker []byte
}

// Invalidate removes the marker before the working copy is mutated in place, so an
// interrupted mutation forces the next Ensure to rebuild.
func (ov *Overlay) Invalidate() error {
	if ov.markerPath == "" {
		return nil
	}

	if err := os.Remove(ov.markerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove overlay marker: %w", err)
	}

	if err := syncDir(filepath.Dir(ov.markerPath)); err != nil {
		return fmt.Errorf("sync metadata directory: %w", err)
	}

	return nil
}

// Revalidate restores the marker once the working copy is consistent again.
func (ov *Overlay) Revalidate() error {
	if ov.markerPath == "" {
		return nil
	}

	if err := writeFileAtomic(ov.markerPath, ov.marker); err != nil {
		return fmt.Errorf("write overlay marker: %w", err)
	}

	return nil
}

// marker is the body of metadata/overlay_init.
type marker struct {
	Fingerprint string          `yaml:"fingerprint"`
	BaseHead    update.Revision `yaml:"base_head"`
	CreatedAt   time.Time       `yaml:"created_at"`
}

// consistency is the body of finalized/.overlay_consistent.
type consistency struct {
	Head        update.Revision `yaml:"head"`
	FinalizedAt time.Time       `yaml:"finalized_at"`
}

// Stager builds and promotes the overlay under the staging root.
type Stager struct {
	// baseDir is the running tree the overlay is cloned from.
	baseDir string
	// root is the staging root.
	root string
	// driver opens and clones working copies.
	driver vcs.Driver
	// syncFS flushes filesystem buffers after promotion.
	syncFS func() error
	// now is the clock used for marker timestamps.
	now func() time.Time
}

// Option configures a Stager.
type Option func(*Stager)

// WithSync replaces the filesystem flush run after promotion.
func WithSync(syncFS func() error) Option {
	return func(s *Stager) {
		if syncFS != nil {
			s.syncFS = syncFS
		}
	}
}

// NewStager returns a stager cloning baseDir into stagingRoot.
func NewStager(baseDir, stagingRoot string, driver vcs.Driver, opts ...Option) *Stager {
	s := &Stager{
		baseDir: baseDir,
		root:    stagingRoot,
		driver:  driver,
		syncFS:  priority.Sync,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Root returns the staging root.
func (s *Stager) Root() string {
	return s.root
}

func (s *Stager) mergedPath() string    { return filepath.Join(s.root, MergedDir) }
func (s *Stager) finalizedPath() string { return filepath.Join(s.root, FinalizedDir) }
func (s *Stager) markerPath() string    { return filepath.Join(s.root, MetadataDir, MarkerFile) }

// Ensure returns a fresh overlay, rebuilding it when the marker is absent or was
// built from a different base tree. A fresh overlay is returned without mutation.
func (s *Stager) Ensure(ctx context.Context) (*Overlay, error) {
	if err := s.probe(); err != nil {
		return nil, err
	}

	base, err := s.driver.Open(ctx, s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("open base tree: %w", err)
	}

	baseHead, fingerprint, err := s.fingerprint(base)
	if err != nil {
		return nil, err
	}

	ov := &Overlay{
		Root:          s.root,
		MergedPath:    s.mergedPath(),
		FinalizedPath: s.finalizedPath(),
		BaseHead:      baseHead,
		Fingerprint:   fingerprint,
		markerPath:    s.markerPath(),
	}

	if current, data, readErr := s.readMarker(); readErr == nil && current.Fingerprint == fingerprint {
		if repo, openErr := s.driver.Open(ctx, ov.MergedPath); openErr == nil {
			ov.Repo = repo
			ov.Reused = true
			ov.marker = data

			return ov, nil
		}
	}

	logger.InfoKV(ctx, "Initializing overlay", "root", s.root, "base_head", baseHead.Short())

	if ov.Repo, ov.marker, err = s.build(ctx, baseHead, fingerprint); err != nil {
		return nil, err
	}

	return ov, nil
}

// build recreates the overlay from the base tree and returns the marker it wrote last.
func (s *Stager) build(
	ctx context.Context,
	baseHead update.Revision,
	fingerprint string,
) (vcs.Repository, []byte, error) {
	if err := s.Teardown(ctx); err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(filepath.Dir(s.markerPath()), directoryPermissions); err != nil {
		return nil, nil, fmt.Errorf("create metadata directory: %w", err)
	}

	repo, err := s.driver.Clone(ctx, s.baseDir, s.mergedPath())
	if err != nil {
		return nil, nil, fmt.Errorf("clone base tree: %w", err)
	}

	if err = syncSubmodules(ctx, repo); err != nil {
		return nil, nil, err
	}

	data, err := yaml.Marshal(&marker{
		Fingerprint: fingerprint,
		BaseHead:    baseHead,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal overlay marker: %w", err)
	}

	if err = writeFileAtomic(s.markerPath(), data); err != nil {
		return nil, nil, fmt.Errorf("write overlay marker: %w", err)
	}

	return repo, data, nil
}

// syncSubmodules initializes every submodule and verifies the pins.
func syncSubmodules(ctx context.Context, repo vcs.Repository) error {
	submodules, err := repo.Submodules()
	if err != nil {
		return fmt.Errorf("list submodules: %w", err)
	}

	for _, submodule := range submodules {
		if err = repo.SyncSubmodule(ctx, submodule); err != nil {
			return fmt.Errorf("initialize submodule %s: %w", submodule.Name, err)
		}
	}

	if submodules, err = repo.Submodules(); err != nil {
		return fmt.Errorf("list submodules: %w", err)
	}

	for _, submodule := range submodules {
		if !submodule.Synced() {
			return fmt.Errorf("%w: %s at %s, pinned %s", ErrIncomplete,
				submodule.Path, submodule.Current.Short(), submodule.Pinned.Short())
		}
	}

	return nil
}

// Teardown removes the marker first, then the working copy and any partial promotion.
// The last finalized copy is kept.
func (s *Stager) Teardown(ctx context.Context) error {
	if err := os.Remove(s.markerPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove overlay marker: %w", err)
	}

	for _, dir := range []string{s.mergedPath(), filepath.Join(s.root, finalizedTmpDir)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}

	logger.DebugKV(ctx, "Overlay torn down", "root", s.root)

	return nil
}

// Finalize promotes the working copy to the finalized directory and marks it consistent.
func (s *Stager) Finalize(ctx context.Context, ov *Overlay) error {
	head, err := ov.Repo.Head()
	if err != nil {
		return fmt.Errorf("resolve staged head: %w", err)
	}

	tmp := filepath.Join(s.root, finalizedTmpDir)
	if err = os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("remove stale promotion: %w", err)
	}

	if err = copyTree(ctx, ov.MergedPath, tmp); err != nil {
		return fmt.Errorf("copy overlay: %w", err)
	}

	finalized := s.finalizedPath()

	if err = os.Remove(filepath.Join(finalized, ConsistentFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove consistency marker: %w", err)
	}

	if err = os.RemoveAll(finalized); err != nil {
		return fmt.Errorf("remove previous finalized copy: %w", err)
	}

	if err = os.Rename(tmp, finalized); err != nil {
		return fmt.Errorf("promote overlay: %w", err)
	}

	data, err := yaml.Marshal(&consistency{Head: head, FinalizedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal consistency marker: %w", err)
	}

	if err = writeFileAtomic(filepath.Join(finalized, ConsistentFile), data); err != nil {
		return fmt.Errorf("write consistency marker: %w", err)
	}

	if err = s.syncFS(); err != nil {
		return fmt.Errorf("sync filesystem: %w", err)
	}

	logger.InfoKV(ctx, "Overlay finalized", "path", finalized, "head", head.Short())

	return nil
}

// FinalizedHead returns the head of a consistent finalized copy.
func (s *Stager) FinalizedHead() (update.Revision, bool) {
	data, err := os.ReadFile(filepath.Join(s.finalizedPath(), ConsistentFile))
	if err != nil {
		return "", false
	}

	var state consistency
	if err = yaml.Unmarshal(data, &state); err != nil || state.Head.IsZero() {
		return "", false
	}

	return state.Head, true
}

// fingerprint hashes the base directory, its head and the sorted submodule pins.
func (s *Stager) fingerprint(base vcs.Repository) (update.Revision, string, error) {
	head, err := base.Head()
	if err != nil {
		return "", "", fmt.Errorf("resolve base head: %w", err)
	}

	submodules, err := base.Submodules()
	if err != nil {
		return "", "", fmt.Errorf("list base submodules: %w", err)
	}

	var b strings.Builder

	b.WriteString(s.baseDir)
	b.WriteByte('\n')
	b.WriteString(head.String())
	b.WriteByte('\n')

	for _, submodule := range submodules {
		fmt.Fprintf(&b, "%s=%s\n", submodule.Path, submodule.Pinned)
	}

	sum := sha256.Sum256([]byte(b.String()))

	return head, hex.EncodeToString(sum[:]), nil
}

// readMarker parses metadata/overlay_init and returns it with its raw body.
func (s *Stager) readMarker() (*marker, []byte, error) {
	data, err := os.ReadFile(s.markerPath())
	if err != nil {
		return nil, nil, fmt.Errorf("read overlay marker: %w", err)
	}

	var current marker
	if err = yaml.Unmarshal(data, &current); err != nil {
		return nil, nil, fmt.Errorf("parse overlay marker: %w", err)
	}

	return &current, data, nil
}
