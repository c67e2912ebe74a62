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
	"time"

	"github.com/opencontainers/go-digest"
)

// Entry is the metadata record for one acquired artifact. Entries are
// created on successful acquisition and removed only by eviction; the
// artifact a version points at never changes in place.
type Entry struct {
	// FamilyID is the family fingerprint the entry belongs to.
	FamilyID string
	// Version is the concrete, immutable version string.
	Version string
	// Label is the human readable family label.
	Label string
	// Product, Platform, ImageFormat, Arch and Secureboot echo the
	// position identity, enough to rebuild the family label from the db.
	Product     string
	Platform    string
	ImageFormat string
	Arch        string
	Secureboot  bool
	// ArtifactPath is the cached artifact file.
	ArtifactPath string
	// DecompressedPath is the sibling .raw file, when one was produced.
	DecompressedPath string
	// SHA256 is the digest of the bytes at ArtifactPath.
	SHA256 digest.Digest
	// Size is the artifact size in bytes.
	Size int64
	// AcquiredAt is when the artifact entered the cache.
	AcquiredAt time.Time
}

func (e *Entry) key() string {
	return e.FamilyID + "@" + e.Version
}
