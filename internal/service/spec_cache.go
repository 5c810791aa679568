package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/cache"
)

// SpecCache fronts the protocol spec embedded in a run's template config.
// Handlers that journal a spec hash always resolve fresh so external
// template mutations surface in the next event; the read surface (the spec
// endpoint) goes through the cache. Invalidated on template updates.
type SpecCache struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewSpecCache creates a SpecCache. A nil backing cache degrades to plain
// resolution.
func NewSpecCache(c cache.Cache, ttl time.Duration) *SpecCache {
	return &SpecCache{cache: c, ttl: ttl}
}

type cachedSpec struct {
	Spec *protocol.Spec `json:"spec"`
	Hash string         `json:"hash"`
}

func specCacheKey(runID int64) string {
	return "spec:" + strconv.FormatInt(runID, 10)
}

// Resolve extracts the spec from the run and hashes it, refreshing the
// cache. A run without an embedded spec, or with a malformed one, yields
// (nil, ""): callers fall back to legacy defaults rather than crash.
func (s *SpecCache) Resolve(ctx context.Context, run *protocol.Run) (*protocol.Spec, string) {
	spec, err := run.Spec()
	if err != nil || spec == nil {
		return nil, ""
	}
	hash := spec.HashOrEmpty()
	s.put(ctx, run.ID, spec, hash)
	return spec, hash
}

// Lookup serves the cached spec for a run, resolving on a miss.
func (s *SpecCache) Lookup(ctx context.Context, run *protocol.Run) (*protocol.Spec, string) {
	if s == nil || s.cache == nil {
		return s.Resolve(ctx, run)
	}
	data, ok, err := s.cache.Get(ctx, specCacheKey(run.ID))
	if err == nil && ok {
		var entry cachedSpec
		if json.Unmarshal(data, &entry) == nil && entry.Spec != nil {
			return entry.Spec, entry.Hash
		}
	}
	return s.Resolve(ctx, run)
}

// Invalidate drops the cached spec for a run after a template update.
func (s *SpecCache) Invalidate(ctx context.Context, runID int64) {
	if s == nil || s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, specCacheKey(runID))
}

func (s *SpecCache) put(ctx context.Context, runID int64, spec *protocol.Spec, hash string) {
	if s == nil || s.cache == nil {
		return
	}
	data, err := json.Marshal(cachedSpec{Spec: spec, Hash: hash})
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, specCacheKey(runID), data, s.ttl)
}
