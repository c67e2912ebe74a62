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

// Package fetch produces verified artifacts for resolved positions, from
// cache when possible and from the factory otherwise.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/factory"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Factory is the subset of the image factory client the acquirer needs.
type Factory interface {
	CreateSchematic(ctx context.Context, customization *yaml.Node) (string, error)
	AssetURL(schematicID, version, platform, imageFormat, arch string, secureboot bool) (string, error)
	Download(ctx context.Context, url, dest string) (digest.Digest, int64, error)
}

// Decompressor turns a raw.xz file into its raw sibling.
type Decompressor interface {
	Decompress(ctx context.Context, src, dst string) error
}

// Source says where an acquired artifact came from.
type Source string

const (
	SourceCached     Source = "cached"
	SourceDownloaded Source = "downloaded"
	// SourcePlanned marks a dry run: nothing was fetched or written.
	SourcePlanned Source = "planned"
)

// Request is one acquisition: a family, a concrete version, and options.
type Request struct {
	Family  cache.Family
	Version string
	// SchematicID optionally pins a known schematic, skipping the
	// factory round trip.
	SchematicID string
	// Decompress asks for a .raw sibling when the artifact is raw.xz.
	Decompress bool
}

// Outcome reports one acquisition. Err non-nil means the acquisition
// failed; everything else describes a usable artifact. DecompressErr is
// non-fatal: the compressed artifact stays valid and cached.
type Outcome struct {
	Entry         *cache.Entry
	Source        Source
	SchematicID   string
	Decompressed  bool
	DecompressErr error
	Err           error
}

// Failed reports whether the acquisition produced no artifact.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Acquirer acquires artifacts. Concurrent requests for the same family and
// version are collapsed into a single download; requests for different
// families proceed independently.
type Acquirer struct {
	store        *cache.Store
	factory      Factory
	decompressor Decompressor
	dryRun       bool

	group singleflight.Group
}

func NewAcquirer(store *cache.Store, f Factory, d Decompressor, dryRun bool) *Acquirer {
	return &Acquirer{
		store:        store,
		factory:      f,
		decompressor: d,
		dryRun:       dryRun,
	}
}

// Acquire produces a verified artifact for req. The platform/format
// pairing is validated before anything else; an unsupported combination
// never reaches the network.
func (a *Acquirer) Acquire(ctx context.Context, req Request) Outcome {
	assetName, err := factory.AssetName(req.Family.Platform, req.Family.ImageFormat, req.Family.Arch, req.Family.Secureboot)
	if err != nil {
		return Outcome{Err: err}
	}
	familyID, err := req.Family.Fingerprint()
	if err != nil {
		return Outcome{Err: err}
	}

	if a.dryRun {
		schematic := req.SchematicID
		if schematic == "" {
			schematic = "<to-be-created>"
		}
		return Outcome{Source: SourcePlanned, SchematicID: schematic}
	}

	var mine bool
	v, _, _ := a.group.Do(familyID+"@"+req.Version, func() (any, error) {
		mine = true
		return a.acquire(ctx, req, familyID, assetName), nil
	})
	outcome := v.(Outcome)
	// A request that piggybacked on another caller's download is served
	// by the entry that download put in the cache.
	if !mine && outcome.Source == SourceDownloaded {
		outcome.Source = SourceCached
	}
	return outcome
}

func (a *Acquirer) acquire(ctx context.Context, req Request, familyID, assetName string) Outcome {
	entry, err := a.store.Lookup(ctx, familyID, req.Version)
	if err == nil {
		log.G(ctx).WithFields(map[string]any{
			"family":  req.Family.String(),
			"version": req.Version,
		}).Info("serving artifact from cache")
		out := Outcome{Entry: entry, Source: SourceCached, SchematicID: req.SchematicID}
		a.ensureDecompressed(ctx, &out, req.Decompress)
		return out
	}

	schematicID := req.SchematicID
	if schematicID == "" {
		schematicID, err = a.factory.CreateSchematic(ctx, req.Family.Customization)
		if err != nil {
			return Outcome{Err: fmt.Errorf("creating schematic: %w", err)}
		}
	}

	url, err := a.factory.AssetURL(schematicID, req.Version, req.Family.Platform, req.Family.ImageFormat, req.Family.Arch, req.Family.Secureboot)
	if err != nil {
		return Outcome{Err: err, SchematicID: schematicID}
	}

	dest := filepath.Join(a.store.Dir(familyID), fmt.Sprintf("%s-%s-%s", req.Family.Product, req.Version, assetName))
	log.G(ctx).WithFields(map[string]any{
		"url":  url,
		"dest": dest,
	}).Info("downloading artifact")
	dgst, size, err := a.factory.Download(ctx, url, dest)
	if err != nil {
		return Outcome{Err: err, SchematicID: schematicID}
	}
	if err := writeChecksumSidecar(dest, dgst); err != nil {
		return Outcome{Err: err, SchematicID: schematicID}
	}

	entry = &cache.Entry{
		FamilyID:     familyID,
		Version:      req.Version,
		Label:        req.Family.String(),
		Product:      req.Family.Product,
		Platform:     req.Family.Platform,
		ImageFormat:  cache.NormalizeFormat(req.Family.ImageFormat),
		Arch:         req.Family.Arch,
		Secureboot:   req.Family.Secureboot,
		ArtifactPath: dest,
		SHA256:       dgst,
		Size:         size,
	}
	if err := a.store.Insert(ctx, entry); err != nil {
		return Outcome{Err: err, SchematicID: schematicID}
	}

	out := Outcome{Entry: entry, Source: SourceDownloaded, SchematicID: schematicID}
	a.ensureDecompressed(ctx, &out, req.Decompress)
	return out
}

// ensureDecompressed produces the .raw sibling when asked for and the
// artifact is raw.xz. Failure is recorded on the outcome but does not fail
// the acquisition; only the decompressed copy is invalidated.
func (a *Acquirer) ensureDecompressed(ctx context.Context, out *Outcome, want bool) {
	entry := out.Entry
	if !want || entry.ImageFormat != factory.FormatRawXZ {
		return
	}
	dst := strings.TrimSuffix(entry.ArtifactPath, ".xz")
	if entry.DecompressedPath != "" {
		if _, err := os.Stat(entry.DecompressedPath); err == nil {
			out.Decompressed = true
			return
		}
	}

	if err := a.decompressor.Decompress(ctx, entry.ArtifactPath, dst); err != nil {
		log.G(ctx).WithError(err).WithField("artifact", entry.ArtifactPath).Warn("decompression failed, keeping compressed artifact")
		out.DecompressErr = err
		return
	}
	rawDigest, err := digestFile(dst)
	if err != nil {
		out.DecompressErr = err
		return
	}
	if err := writeChecksumSidecar(dst, rawDigest); err != nil {
		out.DecompressErr = err
		return
	}

	entry.DecompressedPath = dst
	if err := a.store.Insert(ctx, entry); err != nil {
		out.DecompressErr = err
		entry.DecompressedPath = ""
		return
	}
	out.Decompressed = true
}

func writeChecksumSidecar(path string, dgst digest.Digest) error {
	return os.WriteFile(path+".sha256", []byte(dgst.Encoded()+"\n"), 0644)
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}
