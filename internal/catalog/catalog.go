// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog caches the model names each provider offers.
//
// Lists are fetched from the backend on first use and kept for a TTL.
// Concurrent misses for one provider share a single request. When a refresh
// fails and an older list is cached, the stale list is returned.
package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched list stays fresh.
const DefaultTTL = 5 * time.Minute

// Source is the backend side of the catalog.
type Source interface {
	ListModels(ctx context.Context, provider string) ([]string, error)
	UpdateModels(ctx context.Context, provider string, names []string) ([]string, error)
}

type cacheEntry struct {
	models    []string
	fetchedAt time.Time
}

// Service is the model catalog. It is safe for concurrent use.
type Service struct {
	src    Source
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	items map[string]cacheEntry
	group singleflight.Group
}

// New creates a catalog over src. A non-positive ttl uses DefaultTTL.
func New(src Source, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		src:    src,
		ttl:    ttl,
		logger: logger.With().Str("component", "catalog").Logger(),
		now:    time.Now,
		items:  make(map[string]cacheEntry),
	}
}

// NormalizeProvider trims and lower-cases a provider name for use as a key.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Models returns the provider's models, from cache when fresh.
func (s *Service) Models(ctx context.Context, provider string) ([]string, error) {
	key := NormalizeProvider(provider)
	if models, fetchedAt, ok := s.Cached(key); ok && s.now().Sub(fetchedAt) < s.ttl {
		return models, nil
	}
	return s.fetch(ctx, key)
}

// Refresh ignores the cache and fetches the provider's models.
func (s *Service) Refresh(ctx context.Context, provider string) ([]string, error) {
	return s.fetch(ctx, NormalizeProvider(provider))
}

// Update replaces the provider's list on the server and caches the result.
func (s *Service) Update(ctx context.Context, provider string, names []string) ([]string, error) {
	key := NormalizeProvider(provider)
	models, err := s.src.UpdateModels(ctx, key, names)
	if err != nil {
		return nil, err
	}
	s.put(key, models)
	s.logger.Info().Str("provider", key).Int("models", len(models)).Msg("model list updated")
	return copyList(models), nil
}

// Invalidate drops the cached list for provider.
func (s *Service) Invalidate(provider string) {
	s.mu.Lock()
	delete(s.items, NormalizeProvider(provider))
	s.mu.Unlock()
}

// Cached returns the cached list without fetching.
func (s *Service) Cached(provider string) (models []string, fetchedAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.items[NormalizeProvider(provider)]
	if !ok {
		return nil, time.Time{}, false
	}
	return copyList(ent.models), ent.fetchedAt, true
}

// Stale reports whether a cached list exists for provider but is older than
// the TTL, as happens when refreshes keep failing.
func (s *Service) Stale(provider string) bool {
	_, fetchedAt, ok := s.Cached(provider)
	return ok && s.now().Sub(fetchedAt) >= s.ttl
}

// fetch loads key from the source, sharing the request with concurrent
// callers. Each caller still honours its own context.
func (s *Service) fetch(ctx context.Context, key string) ([]string, error) {
	ch := s.group.DoChan(key, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		models, err := s.src.ListModels(fetchCtx, key)
		if err != nil {
			return nil, err
		}
		s.put(key, models)
		s.logger.Debug().Str("provider", key).Int("models", len(models)).Msg("model list fetched")
		return models, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if stale, fetchedAt, ok := s.Cached(key); ok {
				s.logger.Warn().Err(res.Err).Str("provider", key).Time("fetched_at", fetchedAt).Msg("model refresh failed, serving stale list")
				return stale, nil
			}
			return nil, res.Err
		}
		return copyList(res.Val.([]string)), nil
	}
}

func (s *Service) put(key string, models []string) {
	s.mu.Lock()
	s.items[key] = cacheEntry{models: copyList(models), fetchedAt: s.now()}
	s.mu.Unlock()
}

func copyList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
