package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

const (
	discoveryTTL        = 3 * time.Second
	daemonReloadTimeout = 15 * time.Second
)

// ErrNoCatalog is returned when the backend cannot enumerate unit files.
var ErrNoCatalog = errors.New("backend cannot list unit files")

// manageableStates are unit file states a user can sensibly start and stop.
var manageableStates = map[string]bool{
	"enabled":          true,
	"disabled":         true,
	"generated":        true,
	"enabled-runtime":  true,
	"disabled-runtime": true,
	"linked":           true,
	"linked-runtime":   true,
	"transient":        true,
}

// noisePrefixes hide desktop session plumbing from discovery.
var noisePrefixes = []string{
	"dbus-", "org.", "gnome-", "kde-", "plasma-", "xdg-",
	"systemd-", "pipewire", "evolution-", "tracker-", "app-",
}

// Hidden reports whether a unit file is filtered out of discovery by default.
func Hidden(f core.UnitFile) bool {
	if !manageableStates[f.State] {
		return true
	}
	if strings.HasSuffix(f.UnitID, "@.service") || strings.HasSuffix(f.UnitID, "@autostart.service") {
		return true
	}
	lower := strings.ToLower(f.UnitID)
	return slices.ContainsFunc(noisePrefixes, func(p string) bool {
		return strings.HasPrefix(lower, p)
	})
}

// Discovery lists installed user services, caching the listing briefly.
type Discovery struct {
	catalog core.UnitCatalog
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu       sync.Mutex
	cached   []core.UnitFile
	cachedAt time.Time
}

// NewDiscovery creates a discovery helper. catalog may be nil.
func NewDiscovery(catalog core.UnitCatalog, logger *slog.Logger) *Discovery {
	return &Discovery{catalog: catalog, logger: logger, now: time.Now}
}

func (d *Discovery) files(ctx context.Context) ([]core.UnitFile, error) {
	d.mu.Lock()
	if d.cached != nil && d.now().Sub(d.cachedAt) < discoveryTTL {
		files := d.cached
		d.mu.Unlock()
		return files, nil
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do("list", func() (any, error) {
		files, err := d.catalog.ListUnitFiles(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cached, d.cachedAt = files, d.now()
		d.mu.Unlock()
		return files, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.UnitFile), nil
}

// List returns the installed services. Hidden ones are only included when
// includeHidden is set, or when watched reports them as watched.
func (d *Discovery) List(ctx context.Context, includeHidden bool, watched func(unitID string) bool) ([]uds.DiscoveredUnit, error) {
	if d.catalog == nil {
		return nil, ErrNoCatalog
	}
	files, err := d.files(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover units: %w", err)
	}

	out := make([]uds.DiscoveredUnit, 0, len(files))
	for _, f := range files {
		du := uds.DiscoveredUnit{UnitFile: f, Hidden: Hidden(f), Watched: watched(f.UnitID)}
		if du.Hidden && !includeHidden && !du.Watched {
			continue
		}
		out = append(out, du)
	}
	slices.SortFunc(out, func(a, b uds.DiscoveredUnit) int {
		return strings.Compare(a.UnitID, b.UnitID)
	})
	return out, nil
}

// Invalidate drops the cached listing.
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// DaemonReload reloads the manager configuration and invalidates the cache.
func (d *Discovery) DaemonReload(ctx context.Context) error {
	if d.catalog == nil {
		return ErrNoCatalog
	}
	ctx, cancel := context.WithTimeout(ctx, daemonReloadTimeout)
	defer cancel()
	if err := d.catalog.DaemonReload(ctx); err != nil {
		return err
	}
	d.Invalidate()
	return nil
}
