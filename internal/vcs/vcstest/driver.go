// Package vcstest provides an in-memory vcs.Driver and a go-git repository
// fixture for tests of the staging pipeline.
package vcstest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/vcs"
)

// RevisionFile is written into every fake working copy and holds its head.
const RevisionFile = "REVISION"

// Op names a driver operation that can be made to fail.
type Op string

// Operations accepted by FailOn.
const (
	OpClone     Op = "clone"
	OpFetch     Op = "fetch"
	OpCheckout  Op = "checkout"
	OpSubmodule Op = "submodule"
)

// errUnknownRevision is returned when checking out a revision the remote never published.
var errUnknownRevision = errors.New("unknown revision")

// Remote is the fake upstream release channel.
type Remote struct {
	mu      sync.Mutex
	commits map[update.Revision]map[string]update.Revision
	head    update.Revision
}

// NewRemote returns a remote publishing one commit without submodules.
func NewRemote(initial update.Revision) *Remote {
	remote := &Remote{commits: make(map[update.Revision]map[string]update.Revision)}
	remote.Publish(initial, nil)

	return remote
}

// Publish makes revision the new upstream head. pins maps submodule paths to pinned revisions.
func (r *Remote) Publish(revision update.Revision, pins map[string]update.Revision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make(map[string]update.Revision, len(pins))
	for path, pin := range pins {
		copied[path] = pin
	}

	r.commits[revision] = copied
	r.head = revision
}

// Head returns the published head.
func (r *Remote) Head() update.Revision {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.head
}

func (r *Remote) pins(revision update.Revision) (map[string]update.Revision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pins, ok := r.commits[revision]

	return pins, ok
}

// Driver is an in-memory vcs.Driver. Working copies are directories on disk
// holding a RevisionFile; their history lives in the driver.
type Driver struct {
	remote *Remote

	mu        sync.Mutex
	copies    map[string]*workingCopy
	failures  map[Op]error
	mutations int
}

// NewDriver returns a driver whose working copies fetch from remote.
func NewDriver(remote *Remote) *Driver {
	return &Driver{
		remote:   remote,
		copies:   make(map[string]*workingCopy),
		failures: make(map[Op]error),
	}
}

// FailOn makes every later call of op return err. A nil err clears the failure.
func (d *Driver) FailOn(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil {
		delete(d.failures, op)

		return
	}

	d.failures[op] = err
}

// Mutations counts clone, fetch, checkout and submodule operations performed so far.
func (d *Driver) Mutations() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mutations
}

// AddWorkingCopy registers a fully synchronized working copy at path checked out at head.
func (d *Driver) AddWorkingCopy(path string, head update.Revision) error {
	pins, ok := d.remote.pins(head)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownRevision, head)
	}

	wc := &workingCopy{
		driver:   d,
		path:     path,
		head:     head,
		upstream: head,
		current:  make(map[string]update.Revision, len(pins)),
	}

	for sub, pin := range pins {
		wc.current[sub] = pin
	}

	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create working copy directory: %w", err)
	}

	if err := wc.writeRevision(); err != nil {
		return err
	}

	d.mu.Lock()
	d.copies[path] = wc
	d.mu.Unlock()

	return nil
}

// Open returns the working copy registered at path if its directory still exists.
//
//nolint:ireturn // vcs.Driver contract.
func (d *Driver) Open(_ context.Context, path string) (vcs.Repository, error) {
	if _, err := os.Stat(filepath.Join(path, RevisionFile)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, vcs.ErrNotRepository)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	wc, ok := d.copies[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, vcs.ErrNotRepository)
	}

	return wc, nil
}

// Clone copies the working copy at src into dst with uninitialized submodules.
//
//nolint:ireturn // vcs.Driver contract.
func (d *Driver) Clone(ctx context.Context, src, dst string) (vcs.Repository, error) {
	if err := d.mutate(OpClone); err != nil {
		return nil, err
	}

	repo, err := d.Open(ctx, src)
	if err != nil {
		return nil, err
	}

	source, _ := repo.(*workingCopy)

	source.mu.Lock()
	clone := &workingCopy{
		driver:   d,
		path:     dst,
		head:     source.head,
		upstream: source.upstream,
		current:  make(map[string]update.Revision),
	}
	source.mu.Unlock()

	if err = os.MkdirAll(dst, 0o750); err != nil {
		return nil, fmt.Errorf("create clone directory: %w", err)
	}

	if err = clone.writeRevision(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.copies[dst] = clone
	d.mu.Unlock()

	return clone, nil
}

// mutate records a mutating call and returns its injected failure.
func (d *Driver) mutate(op Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mutations++

	return d.failures[op]
}

// workingCopy is a fake vcs.Repository.
type workingCopy struct {
	driver *Driver
	path   string

	mu       sync.Mutex
	head     update.Revision
	upstream update.Revision
	current  map[string]update.Revision
}

// Fetch moves the remote-tracking head to the remote's published head.
func (w *workingCopy) Fetch(_ context.Context) error {
	if err := w.driver.mutate(OpFetch); err != nil {
		return err
	}

	head := w.driver.remote.Head()

	w.mu.Lock()
	w.upstream = head
	w.mu.Unlock()

	return nil
}

// Head returns the checked-out revision.
func (w *workingCopy) Head() (update.Revision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.head, nil
}

// UpstreamHead returns the last fetched remote head.
func (w *workingCopy) UpstreamHead() (update.Revision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.upstream.IsZero() {
		return "", vcs.ErrNoUpstream
	}

	return w.upstream, nil
}

// Checkout moves head. Submodule checkouts are left as they are.
func (w *workingCopy) Checkout(_ context.Context, revision update.Revision) error {
	if err := w.driver.mutate(OpCheckout); err != nil {
		return err
	}

	if _, ok := w.driver.remote.pins(revision); !ok {
		return fmt.Errorf("%w: %s", errUnknownRevision, revision)
	}

	w.mu.Lock()
	w.head = revision
	w.mu.Unlock()

	return w.writeRevision()
}

// Submodules lists the pins of the current head, sorted by path.
func (w *workingCopy) Submodules() ([]vcs.Submodule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pins, ok := w.driver.remote.pins(w.head)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownRevision, w.head)
	}

	result := make([]vcs.Submodule, 0, len(pins))
	for path, pin := range pins {
		result = append(result, vcs.Submodule{
			Name:    path,
			Path:    path,
			Pinned:  pin,
			Current: w.current[path],
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})

	return result, nil
}

// SyncSubmodule checks the submodule out at the pin of the current head.
func (w *workingCopy) SyncSubmodule(_ context.Context, submodule vcs.Submodule) error {
	if err := w.driver.mutate(OpSubmodule); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	pins, _ := w.driver.remote.pins(w.head)

	pin, ok := pins[submodule.Path]
	if !ok {
		return fmt.Errorf("%s: %w", submodule.Name, vcs.ErrUnknownSubmodule)
	}

	w.current[submodule.Path] = pin

	return nil
}

// writeRevision records the head on disk so copies of the tree carry it.
func (w *workingCopy) writeRevision() error {
	w.mu.Lock()
	head := w.head
	w.mu.Unlock()

	if err := os.WriteFile(filepath.Join(w.path, RevisionFile), []byte(head), 0o600); err != nil {
		return fmt.Errorf("write revision file: %w", err)
	}

	return nil
}
