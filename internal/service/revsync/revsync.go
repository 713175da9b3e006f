package revsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/logger"
	"github.com/oshokin/ota-updated/internal/service/overlay"
)

var (
	// ErrIncomplete is returned when submodules are not at their pins after synchronization.
	ErrIncomplete = errors.New("submodule synchronization incomplete")

	// errNoOverlay is returned when Sync is called without a staged overlay.
	errNoOverlay = errors.New("overlay is not staged")
)

// Result describes what one synchronization did.
type Result struct {
	// Changed reports that the staged head differs from the running head.
	Changed bool
	// Moved reports that the overlay was reset to a new upstream head.
	Moved bool
	// NewHead is the staged head after synchronization.
	NewHead update.Revision
	// RunningHead is the base head recorded when the overlay was obtained.
	RunningHead update.Revision
}

// Engine synchronizes overlays with the release channel.
type Engine struct{}

// NewEngine returns a synchronization engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Sync fetches the upstream, moves the overlay to the upstream head when it differs and
// brings every submodule to its pin. Without new upstream commits only the fetch mutates.
// The overlay marker is absent while the working copy is rewritten and restored only
// after every pin verifies.
func (*Engine) Sync(ctx context.Context, ov *overlay.Overlay) (*Result, error) {
	if ov == nil || ov.Repo == nil {
		return nil, errNoOverlay
	}

	repo := ov.Repo

	if err := repo.Fetch(ctx); err != nil {
		return nil, fmt.Errorf("fetch upstream: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve overlay head: %w", err)
	}

	upstream, err := repo.UpstreamHead()
	if err != nil {
		return nil, fmt.Errorf("resolve upstream head: %w", err)
	}

	result := &Result{RunningHead: ov.BaseHead, NewHead: head}

	var invalidated bool

	invalidate := func() error {
		if invalidated {
			return nil
		}

		invalidated = true

		return ov.Invalidate()
	}

	if upstream != head {
		logger.InfoKV(ctx, "Upstream moved", "from", head.Short(), "to", upstream.Short())

		if err = invalidate(); err != nil {
			return nil, err
		}

		if err = repo.Checkout(ctx, upstream); err != nil {
			return nil, fmt.Errorf("check out %s: %w", upstream.Short(), err)
		}

		result.Moved = true
		result.NewHead = upstream
	}

	submodules, err := repo.Submodules()
	if err != nil {
		return nil, fmt.Errorf("list submodules: %w", err)
	}

	for _, submodule := range submodules {
		if submodule.Synced() && !result.Moved {
			continue
		}

		if err = invalidate(); err != nil {
			return nil, err
		}

		if err = repo.SyncSubmodule(ctx, submodule); err != nil {
			return nil, fmt.Errorf("sync submodule %s: %w", submodule.Name, err)
		}
	}

	if submodules, err = repo.Submodules(); err != nil {
		return nil, fmt.Errorf("list submodules: %w", err)
	}

	for _, submodule := range submodules {
		if !submodule.Synced() {
			return nil, fmt.Errorf("%w: %s at %q, pinned %q", ErrIncomplete,
				submodule.Path, submodule.Current.Short(), submodule.Pinned.Short())
		}
	}

	if invalidated {
		if err = ov.Revalidate(); err != nil {
			return nil, err
		}
	}

	result.Changed = result.NewHead != result.RunningHead

	return result, nil
}
