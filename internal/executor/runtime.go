package executor

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	projectCacheTTL  = time.Hour
	sweepInterval    = 10 * time.Minute
	orphanFetchAge   = 2 * time.Minute
	projectFetchTime = 30 * time.Second
)

// inflightFetch tracks one running project-ID resolution so orphans can be
// aborted and connection removal can cancel them.
type inflightFetch struct {
	cancel  context.CancelFunc
	started time.Time
}

// Runtime holds the in-process provider state (known Codex models, the
// project-ID cache, refresh singleflight). It is threaded through the request
// path rather than hidden in package globals, so a long-lived daemon and a
// per-request edge worker share the same core.
type Runtime struct {
	mu               sync.Mutex
	knownCodexModels map[string]bool
	inflight         map[string]*inflightFetch

	// projects caches resolved Google project IDs per connection ID.
	projects *gocache.Cache

	// projectFlight collapses concurrent project resolutions per connection.
	projectFlight singleflight.Group

	// RefreshFlight collapses concurrent token refreshes per connection.
	RefreshFlight singleflight.Group

	stop chan struct{}
	once sync.Once
}

// NewRuntime builds the runtime and starts the background sweeper.
func NewRuntime() *Runtime {
	rt := &Runtime{
		knownCodexModels: map[string]bool{},
		inflight:         map[string]*inflightFetch{},
		projects:         gocache.New(projectCacheTTL, 0),
		stop:             make(chan struct{}),
	}
	go rt.sweep()
	return rt
}

// Close stops the sweeper.
func (rt *Runtime) Close() {
	rt.once.Do(func() { close(rt.stop) })
}

// sweep evicts expired project-cache rows and aborts orphan fetches every
// ten minutes.
func (rt *Runtime) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stop:
			return
		case <-ticker.C:
			rt.projects.DeleteExpired()
			rt.mu.Lock()
			for id, f := range rt.inflight {
				if time.Since(f.started) > orphanFetchAge {
					f.cancel()
					delete(rt.inflight, id)
				}
			}
			rt.mu.Unlock()
		}
	}
}

// KnownCodexModel reports whether the model was previously redirected to the
// /responses endpoint.
func (rt *Runtime) KnownCodexModel(model string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.knownCodexModels[model]
}

// MarkCodexModel records a model as /responses-only.
func (rt *Runtime) MarkCodexModel(model string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.knownCodexModels[model] = true
}

// CachedProjectID returns the cached project ID for a connection, if any.
func (rt *Runtime) CachedProjectID(connectionID string) (string, bool) {
	if v, ok := rt.projects.Get(connectionID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// StoreProjectID caches a resolved project ID for the TTL.
func (rt *Runtime) StoreProjectID(connectionID, projectID string) {
	rt.projects.Set(connectionID, projectID, projectCacheTTL)
}

// ResolveProject deduplicates concurrent resolutions for the same connection
// through singleflight; fetch runs with a cancellable context registered for
// orphan sweeping.
func (rt *Runtime) ResolveProject(ctx context.Context, connectionID string, fetch func(ctx context.Context) (string, error)) (string, error) {
	if id, ok := rt.CachedProjectID(connectionID); ok {
		return id, nil
	}

	v, err, _ := rt.projectFlight.Do(connectionID, func() (any, error) {
		if id, ok := rt.CachedProjectID(connectionID); ok {
			return id, nil
		}
		fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		rt.mu.Lock()
		rt.inflight[connectionID] = &inflightFetch{cancel: cancel, started: time.Now()}
		rt.mu.Unlock()
		defer func() {
			cancel()
			rt.mu.Lock()
			delete(rt.inflight, connectionID)
			rt.mu.Unlock()
		}()

		id, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		rt.StoreProjectID(connectionID, id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ConnectionRemoved aborts any in-flight project fetch for the connection
// and evicts its cache row.
func (rt *Runtime) ConnectionRemoved(connectionID string) {
	rt.mu.Lock()
	if f, ok := rt.inflight[connectionID]; ok {
		f.cancel()
		delete(rt.inflight, connectionID)
	}
	rt.mu.Unlock()
	rt.projects.Delete(connectionID)
}
