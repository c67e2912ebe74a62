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

package order

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/taloslabs/image-order/config"
	"github.com/taloslabs/image-order/errdefs"
	"github.com/taloslabs/image-order/fetch"
	"github.com/taloslabs/image-order/push"
	"github.com/taloslabs/image-order/resolver"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Acquirer acquires one artifact per request.
type Acquirer interface {
	Acquire(ctx context.Context, req fetch.Request) fetch.Outcome
}

// Pusher distributes an acquired artifact to a position's hosts.
type Pusher interface {
	Push(ctx context.Context, artifact, decompressed string, spec push.Spec) []push.Result
}

// Processor runs the positions of one order and assembles its manifest.
// Position failures never abort the order; they become failed rows.
type Processor struct {
	cfg      *config.Config
	lister   resolver.Lister
	acquirer Acquirer
	pusher   Pusher
}

func NewProcessor(cfg *config.Config, lister resolver.Lister, acquirer Acquirer, pusher Pusher) *Processor {
	return &Processor{
		cfg:      cfg,
		lister:   lister,
		acquirer: acquirer,
		pusher:   pusher,
	}
}

// ProcessOrder runs all positions of o, at most max_concurrency at a time,
// and returns the manifest. Rows keep the listed position order regardless
// of completion order.
func (p *Processor) ProcessOrder(ctx context.Context, o Order) *Manifest {
	m := &Manifest{
		GeneratedAt: time.Now().UTC(),
		Order: OrderInfo{
			OrderID:        o.OrderID,
			Customer:       o.Customer,
			PositionsCount: len(o.Positions),
		},
		CachePolicy: p.cfg.CachePolicy,
		Positions:   make([]Row, len(o.Positions)),
	}

	sem := semaphore.NewWeighted(p.cfg.MaxConcurrency)
	var eg errgroup.Group
	for i, pos := range o.Positions {
		i, pos := i, pos
		eg.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				m.Positions[i] = failedRow(pos, &RowError{Kind: "internal", Message: err.Error()})
				return nil
			}
			defer sem.Release(1)
			m.Positions[i] = p.processPosition(ctx, o, pos)
			return nil
		})
	}
	_ = eg.Wait()
	return m
}

func (p *Processor) processPosition(ctx context.Context, o Order, pos Position) Row {
	pos.applyDefaults(p.cfg.Defaults)
	if pos.Product == "" {
		pos.Product = p.cfg.Product
	}

	logger := log.G(ctx).WithFields(map[string]any{
		"orderid":  o.OrderID,
		"position": pos.displayName(),
	})

	if pos.Product != p.cfg.Product {
		logger.WithField("product", pos.Product).Warn("skipping position for foreign product")
		row := identityRow(pos)
		row.Status = StatusSkipped
		row.SkipReason = fmt.Sprintf("product %q is not handled by this installation", pos.Product)
		return row
	}

	req := pos.Version
	// A version block with only a value pins that exact version.
	if req.Type == "" && req.Value != "" {
		req.Type = resolver.KindExact
	}
	row := identityRow(pos)
	row.VersionRequest = req.String()

	if err := req.Validate(); err != nil {
		return failRow(row, &RowError{Kind: "invalid-position", Message: err.Error()})
	}
	if pos.SchematicID == "" && !pos.hasCustomization() {
		return failRow(row, &RowError{
			Kind:    "invalid-position",
			Message: "position has neither schematic_id nor customization",
		})
	}

	resolved, err := resolver.Resolve(ctx, &req, p.lister)
	if err != nil {
		return failRow(row, &RowError{Kind: errdefs.Kind(err), Message: err.Error()})
	}
	row.ResolvedVersion = resolved.Version
	row.Prerelease = resolved.Prerelease

	decompress := p.cfg.DecompressRaw
	if pos.DecompressRaw != nil {
		decompress = *pos.DecompressRaw
	}

	outcome := p.acquirer.Acquire(ctx, fetch.Request{
		Family:      pos.family(),
		Version:     resolved.Version,
		SchematicID: pos.SchematicID,
		Decompress:  decompress,
	})
	if outcome.Failed() {
		logger.WithError(outcome.Err).Error("position failed")
		return failRow(row, &RowError{Kind: errdefs.Kind(outcome.Err), Message: outcome.Err.Error()})
	}

	row.SchematicID = outcome.SchematicID
	row.Source = string(outcome.Source)
	row.Decompressed = outcome.Decompressed
	if outcome.DecompressErr != nil {
		row.DecompressError = outcome.DecompressErr.Error()
	}

	var artifact, decompressed string
	if outcome.Entry != nil {
		row.SHA256 = outcome.Entry.SHA256.Encoded()
		row.SizeBytes = outcome.Entry.Size
		row.ArtifactPath = outcome.Entry.ArtifactPath
		row.DecompressedPath = outcome.Entry.DecompressedPath
		artifact = outcome.Entry.ArtifactPath
		decompressed = outcome.Entry.DecompressedPath
	}

	if outcome.Source == fetch.SourcePlanned {
		row.Status = StatusPlanned
	} else {
		row.Status = StatusAcquired
	}
	row.Push = p.pusher.Push(ctx, artifact, decompressed, pos.Push)
	return row
}

// identityRow carries the position identity every row shares, whatever its
// outcome.
func identityRow(pos Position) Row {
	return Row{
		Name:        pos.Name,
		Product:     pos.Product,
		Platform:    pos.Platform,
		ImageFormat: pos.ImageFormat,
		Arch:        pos.Arch,
		Secureboot:  pos.Secureboot,
	}
}

func failRow(row Row, rerr *RowError) Row {
	row.Status = StatusFailed
	row.Error = rerr
	return row
}

func failedRow(pos Position, rerr *RowError) Row {
	return failRow(identityRow(pos), rerr)
}
