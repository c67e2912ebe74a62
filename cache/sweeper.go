/*
   Copyright The Image Order Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/containerd/log"
)

// Sweeper applies the cache retention policy. It runs exactly once per run:
// purge mode strictly before any order is processed, retention mode
// strictly after all orders, so it is never concurrent with an acquisition.
type Sweeper struct {
	store *Store
	keep  int
}

func NewSweeper(store *Store, keepVersions int) *Sweeper {
	return &Sweeper{store: store, keep: keepVersions}
}

// PlanRetention computes the eviction victims: within each family, entries
// are ordered by acquisition time, newest first, with semver precedence as
// the tie-break, and everything past the first keep_versions entries is a
// victim. Entries retained by the current run are never victims.
func (s *Sweeper) PlanRetention(ctx context.Context) ([]*Entry, error) {
	if s.keep <= 0 {
		return nil, nil
	}

	byFamily := map[string][]*Entry{}
	err := s.store.Walk(ctx, func(e *Entry) error {
		byFamily[e.FamilyID] = append(byFamily[e.FamilyID], e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var victims []*Entry
	for _, entries := range byFamily {
		sort.Slice(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if !a.AcquiredAt.Equal(b.AcquiredAt) {
				return a.AcquiredAt.After(b.AcquiredAt)
			}
			return versionLess(b.Version, a.Version)
		})
		for _, e := range entries[min(s.keep, len(entries)):] {
			if s.store.Retained(e) {
				continue
			}
			victims = append(victims, e)
		}
	}
	return victims, nil
}

// SweepRetention evicts the planned victims. With dryRun the plan is only
// logged.
func (s *Sweeper) SweepRetention(ctx context.Context, dryRun bool) ([]*Entry, error) {
	victims, err := s.PlanRetention(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range victims {
		if dryRun {
			log.G(ctx).WithField("path", e.ArtifactPath).Info("retention would remove")
			continue
		}
		log.G(ctx).WithFields(map[string]any{
			"family":  e.Label,
			"version": e.Version,
		}).Info("retention evicting")
		if err := s.store.Evict(ctx, e); err != nil {
			return victims, err
		}
	}
	return victims, nil
}

// Purge wipes the whole cache: every entry is evicted and anything else
// under the cache directory, stray files and emptied family directories
// included, goes with it. The returned paths are the files that were (or,
// with dryRun, would be) removed.
func (s *Sweeper) Purge(ctx context.Context, dryRun bool) ([]string, error) {
	cacheDir := filepath.Join(s.store.root, cacheDirName)
	top, err := filepath.Glob(filepath.Join(cacheDir, "*"))
	if err != nil {
		return nil, err
	}
	var planned []string
	for _, p := range top {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			planned = append(planned, p)
			continue
		}
		nested, err := filepath.Glob(filepath.Join(p, "*"))
		if err != nil {
			return nil, err
		}
		planned = append(planned, nested...)
	}
	if dryRun {
		for _, p := range planned {
			log.G(ctx).WithField("path", p).Info("purge would remove")
		}
		return planned, nil
	}

	entries, err := s.store.Filter(ctx, func(*Entry) bool { return true })
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := s.store.Evict(ctx, e); err != nil {
			return planned, err
		}
	}
	for _, path := range top {
		if err := os.RemoveAll(path); err != nil {
			log.G(ctx).WithError(err).WithField("path", path).Warn("could not remove stray cache file")
		}
	}
	return planned, nil
}

// versionLess orders two version strings by semver precedence; unparseable
// versions sort lowest.
func versionLess(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		if errA == nil {
			return false
		}
		if errB == nil {
			return true
		}
		return a < b
	}
	return va.LessThan(vb)
}
