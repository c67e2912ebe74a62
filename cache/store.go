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

// Package cache is the on-disk catalog of acquired artifacts. Artifact
// files live under <root>/cache/<family fingerprint>/ with a .sha256
// sidecar each; their metadata lives in a bolt db with the following
// schema.
//
//   - families
//     - <family fingerprint>: bucket per family
//       - <version>: bucket per entry
//         - sha256: <string>            : digest of the artifact bytes
//         - size: <varint>              : artifact size in bytes
//         - artifact_path: <string>     : cached artifact file
//         - decompressed_path: <string> : sibling .raw file, if any
//         - acquired_at: <binary time>  : when the entry was created
//         - product, platform, image_format, arch: <string>
//         - secureboot: <bool>
//         - label: <string>             : human readable family label
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/taloslabs/image-order/errdefs"
	"github.com/taloslabs/image-order/util/dbutil"
	bolt "go.etcd.io/bbolt"
)

const (
	artifactsDbName = "artifacts.db"
	cacheDirName    = "cache"
)

var (
	bucketKeyFamilies         = []byte("families")
	bucketKeySHA256           = []byte("sha256")
	bucketKeySize             = []byte("size")
	bucketKeyArtifactPath     = []byte("artifact_path")
	bucketKeyDecompressedPath = []byte("decompressed_path")
	bucketKeyAcquiredAt       = []byte("acquired_at")
	bucketKeyProduct          = []byte("product")
	bucketKeyPlatform         = []byte("platform")
	bucketKeyImageFormat      = []byte("image_format")
	bucketKeyArch             = []byte("arch")
	bucketKeySecureboot       = []byte("secureboot")
	bucketKeyLabel            = []byte("label")

	errFamiliesBucketNotFound = errors.New("families bucket not found")
)

// Store is the cache catalog. All mutation of cache state goes through
// Lookup/Insert/Evict; no other component touches the cache directory.
type Store struct {
	root string
	db   *bolt.DB

	mu       sync.Mutex
	retained map[string]struct{}
}

// NewStore opens (creating if needed) the cache directory and metadata db
// under root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, cacheDirName), 0755); err != nil {
		return nil, fmt.Errorf("cannot create cache directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(root, artifactsDbName), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open artifacts db: %w", err)
	}
	return &Store{
		root:     root,
		db:       db,
		retained: make(map[string]struct{}),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the directory where a family's artifact files live.
func (s *Store) Dir(familyID string) string {
	return filepath.Join(s.root, cacheDirName, familyID)
}

// Lookup returns the entry for a family and version. A missing entry, a
// missing artifact file, or recorded and on-disk checksums that disagree
// are all reported as cerrdefs.ErrNotFound: a stale entry is a miss, never
// repaired. A hit marks the entry as retained for the rest of the run.
func (s *Store) Lookup(ctx context.Context, familyID, version string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entry, err = getEntry(tx, familyID, version)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := verifyFile(entry.ArtifactPath, entry.SHA256); err != nil {
		log.G(ctx).WithError(err).WithFields(map[string]any{
			"family":  familyID,
			"version": version,
		}).Warn("cached artifact failed verification, treating as miss")
		return nil, fmt.Errorf("stale cache entry %s@%s: %w", familyID, version, cerrdefs.ErrNotFound)
	}

	s.retain(entry.key())
	return entry, nil
}

// Insert records a new entry. Inserting the same family and version again
// with an identical checksum is a no-op (the decompressed path is updated
// if it was missing); a differing checksum is ErrCacheCorruption. Writers
// are serialized by the db transaction, so concurrent inserts for the same
// key are safe.
func (s *Store) Insert(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("no entry to insert")
	}
	if entry.AcquiredAt.IsZero() {
		entry.AcquiredAt = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		families, err := tx.CreateBucketIfNotExists(bucketKeyFamilies)
		if err != nil {
			return err
		}
		familyBkt, err := families.CreateBucketIfNotExists([]byte(entry.FamilyID))
		if err != nil {
			return err
		}
		if existing := familyBkt.Bucket([]byte(entry.Version)); existing != nil {
			recorded := digest.Digest(existing.Get(bucketKeySHA256))
			if recorded != entry.SHA256 {
				return fmt.Errorf("version %s of family %s recorded as %s, inserted as %s: %w",
					entry.Version, entry.FamilyID, recorded, entry.SHA256, errdefs.ErrCacheCorruption)
			}
			if entry.DecompressedPath != "" {
				return existing.Put(bucketKeyDecompressedPath, []byte(entry.DecompressedPath))
			}
			return nil
		}
		versionBkt, err := familyBkt.CreateBucket([]byte(entry.Version))
		if err != nil {
			return err
		}
		return putEntry(versionBkt, entry)
	})
	if err != nil {
		return err
	}

	s.retain(entry.key())
	return nil
}

// Evict removes an entry's files and metadata. Files that are already gone
// are logged and skipped; eviction never fails the run over a missing file.
func (s *Store) Evict(ctx context.Context, entry *Entry) error {
	for _, path := range []string{
		entry.ArtifactPath,
		entry.ArtifactPath + ".sha256",
		entry.DecompressedPath,
		entry.DecompressedPath + ".sha256",
	} {
		if path == "" || path == ".sha256" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.G(ctx).WithError(err).WithField("path", path).Warn("could not remove cached file")
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		families := tx.Bucket(bucketKeyFamilies)
		if families == nil {
			return nil
		}
		familyBkt := families.Bucket([]byte(entry.FamilyID))
		if familyBkt == nil {
			return nil
		}
		if familyBkt.Bucket([]byte(entry.Version)) == nil {
			return nil
		}
		return familyBkt.DeleteBucket([]byte(entry.Version))
	})
}

// Walk walks all entries in the store, stopping at the first walkFn error.
func (s *Store) Walk(ctx context.Context, walkFn WalkFn) error {
	return s.db.View(func(tx *bolt.Tx) error {
		families := tx.Bucket(bucketKeyFamilies)
		if families == nil {
			return nil
		}
		return families.ForEachBucket(func(fk []byte) error {
			familyBkt := families.Bucket(fk)
			return familyBkt.ForEachBucket(func(vk []byte) error {
				entry, err := loadEntry(familyBkt.Bucket(vk), string(fk), string(vk))
				if err != nil {
					return err
				}
				return walkFn(entry)
			})
		})
	})
}

// Filter returns all entries matching filterFn.
func (s *Store) Filter(ctx context.Context, filterFn FilterFn) ([]*Entry, error) {
	var filtered []*Entry
	err := s.Walk(ctx, func(e *Entry) error {
		if filterFn(e) {
			filtered = append(filtered, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filtered, nil
}

// Retained reports whether the entry was created or reused during this run.
// The sweeper never evicts retained entries.
func (s *Store) Retained(entry *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.retained[entry.key()]
	return ok
}

func (s *Store) retain(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained[key] = struct{}{}
}

// verifyFile re-hashes the file at path and compares against want.
func verifyFile(path string, want digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	got, err := digest.Canonical.FromReader(f)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("file %s has digest %s, recorded %s: %w", path, got, want, errdefs.ErrChecksumMismatch)
	}
	return nil
}

func getEntry(tx *bolt.Tx, familyID, version string) (*Entry, error) {
	families := tx.Bucket(bucketKeyFamilies)
	if families == nil {
		return nil, fmt.Errorf("%s@%s: %w: %w", familyID, version, errFamiliesBucketNotFound, cerrdefs.ErrNotFound)
	}
	familyBkt := families.Bucket([]byte(familyID))
	if familyBkt == nil {
		return nil, fmt.Errorf("no entries for family %s: %w", familyID, cerrdefs.ErrNotFound)
	}
	versionBkt := familyBkt.Bucket([]byte(version))
	if versionBkt == nil {
		return nil, fmt.Errorf("no entry %s@%s: %w", familyID, version, cerrdefs.ErrNotFound)
	}
	return loadEntry(versionBkt, familyID, version)
}

func loadEntry(bkt *bolt.Bucket, familyID, version string) (*Entry, error) {
	entry := Entry{FamilyID: familyID, Version: version}
	size, err := dbutil.DecodeInt(bkt.Get(bucketKeySize))
	if err != nil {
		return nil, err
	}
	acquiredAt, err := dbutil.DecodeTime(bkt.Get(bucketKeyAcquiredAt))
	if err != nil {
		return nil, err
	}
	entry.Size = size
	entry.AcquiredAt = acquiredAt
	entry.SHA256 = digest.Digest(bkt.Get(bucketKeySHA256))
	entry.ArtifactPath = string(bkt.Get(bucketKeyArtifactPath))
	entry.DecompressedPath = string(bkt.Get(bucketKeyDecompressedPath))
	entry.Product = string(bkt.Get(bucketKeyProduct))
	entry.Platform = string(bkt.Get(bucketKeyPlatform))
	entry.ImageFormat = string(bkt.Get(bucketKeyImageFormat))
	entry.Arch = string(bkt.Get(bucketKeyArch))
	entry.Secureboot = dbutil.DecodeBool(bkt.Get(bucketKeySecureboot))
	entry.Label = string(bkt.Get(bucketKeyLabel))
	return &entry, nil
}

func putEntry(bkt *bolt.Bucket, entry *Entry) error {
	size, err := dbutil.EncodeInt(entry.Size)
	if err != nil {
		return err
	}
	acquiredAt, err := dbutil.EncodeTime(entry.AcquiredAt)
	if err != nil {
		return err
	}

	updates := []struct {
		key []byte
		val []byte
	}{
		{bucketKeySHA256, []byte(entry.SHA256)},
		{bucketKeySize, size},
		{bucketKeyArtifactPath, []byte(entry.ArtifactPath)},
		{bucketKeyDecompressedPath, []byte(entry.DecompressedPath)},
		{bucketKeyAcquiredAt, acquiredAt},
		{bucketKeyProduct, []byte(entry.Product)},
		{bucketKeyPlatform, []byte(entry.Platform)},
		{bucketKeyImageFormat, []byte(entry.ImageFormat)},
		{bucketKeyArch, []byte(entry.Arch)},
		{bucketKeySecureboot, dbutil.EncodeBool(entry.Secureboot)},
		{bucketKeyLabel, []byte(entry.Label)},
	}
	for _, update := range updates {
		if err := bkt.Put(update.key, update.val); err != nil {
			return err
		}
	}
	return nil
}
