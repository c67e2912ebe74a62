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

// Package resolver turns abstract version requests into concrete, immutable
// version strings.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/taloslabs/image-order/errdefs"
)

// Kind selects the variant of a version request.
type Kind string

const (
	KindExact         Kind = "exact"
	KindLatest        Kind = "latest"
	KindLatestInMinor Kind = "latest-in-minor"
)

// Request is an abstract version request as it appears in a position's
// version block. Exactly one variant is active, selected by Type.
type Request struct {
	Type Kind `yaml:"type"`
	// Value is the pinned version for exact requests.
	Value string `yaml:"value"`
	// Minor is the major.minor line (e.g. "v1.11") for latest-in-minor
	// requests.
	Minor string `yaml:"minor"`
}

// Validate checks that the active variant carries the field it needs. An
// empty Type means latest.
func (r *Request) Validate() error {
	switch r.Type {
	case KindExact:
		if r.Value == "" {
			return fmt.Errorf("version.type=exact requires version.value")
		}
	case KindLatestInMinor:
		if r.Minor == "" {
			return fmt.Errorf("version.type=latest-in-minor requires version.minor (e.g. v1.11)")
		}
	case KindLatest, "":
	default:
		return fmt.Errorf("unknown version.type: %s", r.Type)
	}
	return nil
}

func (r *Request) kind() Kind {
	if r.Type == "" {
		return KindLatest
	}
	return r.Type
}

// String renders the request for manifests and logs.
func (r *Request) String() string {
	switch r.kind() {
	case KindExact:
		return fmt.Sprintf("exact(%s)", r.Value)
	case KindLatestInMinor:
		return fmt.Sprintf("latest-in-minor(%s)", r.Minor)
	default:
		return "latest"
	}
}

// Release is one published release as reported by a Lister.
type Release struct {
	// Version is the release tag, e.g. "v1.11.0-beta.1".
	Version string
	// Prerelease reports whether the publisher marked the release as a
	// pre-release. A semver pre-release tag in Version counts too.
	Prerelease bool
	// PublishedAt is the release's publish timestamp, used as the final
	// tie-break.
	PublishedAt time.Time
}

// Lister is the release listing capability the resolver consults for
// non-exact requests.
type Lister interface {
	ListReleases(ctx context.Context) ([]Release, error)
}

// Resolved is a concrete, immutable version.
type Resolved struct {
	Version     string
	Prerelease  bool
	PublishedAt time.Time
}

// Resolve resolves req into a concrete version. Exact requests return their
// value untouched without consulting the lister; whether the version exists
// is acquisition's problem. Latest picks the greatest version by semver
// precedence regardless of pre-release status. Latest-in-minor restricts to
// one major.minor line and prefers any GA release over any pre-release, even
// a pre-release with a higher patch number: operators read latest-in-minor
// as "latest stable".
func Resolve(ctx context.Context, req *Request, lister Lister) (Resolved, error) {
	if err := req.Validate(); err != nil {
		return Resolved{}, err
	}

	if req.kind() == KindExact {
		return Resolved{Version: req.Value, Prerelease: isPrerelease(req.Value)}, nil
	}

	releases, err := lister.ListReleases(ctx)
	if err != nil {
		return Resolved{}, fmt.Errorf("listing releases: %w", err)
	}

	switch req.kind() {
	case KindLatest:
		best, ok := pickLatest(releases, nil)
		if !ok {
			return Resolved{}, fmt.Errorf("no releases published: %w", errdefs.ErrNoMatchingRelease)
		}
		return best, nil
	default: // latest-in-minor
		major, minor, err := parseMinor(req.Minor)
		if err != nil {
			return Resolved{}, err
		}
		inMinor := func(v *semver.Version) bool {
			return v.Major() == major && v.Minor() == minor
		}
		var ga []Release
		var pre []Release
		for _, rel := range releases {
			v, err := semver.NewVersion(rel.Version)
			if err != nil || !inMinor(v) {
				continue
			}
			if rel.Prerelease || v.Prerelease() != "" {
				pre = append(pre, rel)
			} else {
				ga = append(ga, rel)
			}
		}
		if best, ok := pickLatest(ga, nil); ok {
			return best, nil
		}
		if best, ok := pickLatest(pre, nil); ok {
			return best, nil
		}
		return Resolved{}, fmt.Errorf("no release in minor %s: %w", req.Minor, errdefs.ErrNoMatchingRelease)
	}
}

// pickLatest returns the release with the greatest semver precedence among
// those accepted by filter (nil accepts all). Equal precedence falls back to
// publish recency.
func pickLatest(releases []Release, filter func(*semver.Version) bool) (Resolved, bool) {
	var (
		found   bool
		best    Release
		bestVer *semver.Version
	)
	for _, rel := range releases {
		v, err := semver.NewVersion(rel.Version)
		if err != nil {
			continue
		}
		if filter != nil && !filter(v) {
			continue
		}
		switch {
		case !found,
			v.GreaterThan(bestVer),
			v.Equal(bestVer) && rel.PublishedAt.After(best.PublishedAt):
			found, best, bestVer = true, rel, v
		}
	}
	if !found {
		return Resolved{}, false
	}
	return Resolved{
		Version:     best.Version,
		Prerelease:  best.Prerelease || bestVer.Prerelease() != "",
		PublishedAt: best.PublishedAt,
	}, true
}

func isPrerelease(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return v.Prerelease() != ""
}

// parseMinor splits a minor spec like "v1.11" into its components.
func parseMinor(spec string) (uint64, uint64, error) {
	trimmed := strings.TrimPrefix(spec, "v")
	v, err := semver.NewVersion(trimmed + ".0")
	if err != nil || strings.Count(trimmed, ".") != 1 {
		return 0, 0, fmt.Errorf("invalid minor spec %q (expected e.g. v1.11)", spec)
	}
	return v.Major(), v.Minor(), nil
}
