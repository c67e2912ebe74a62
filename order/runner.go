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
	"io"
	"os"

	"github.com/containerd/log"
	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/config"
)

// Summary aggregates a whole run across orders.
type Summary struct {
	Orders          int
	Positions       int
	FailedPositions int
	FailedPushes    int
	Evicted         int
}

// Runner drives a full run: optional cache purge, then each order in file
// order, a manifest per order, and one retention sweep at the end.
type Runner struct {
	cfg       *config.Config
	sweeper   *cache.Sweeper
	processor *Processor
	dryRun    bool

	// Stdout receives dry-run manifests; defaults to os.Stdout.
	Stdout io.Writer
}

func NewRunner(cfg *config.Config, sweeper *cache.Sweeper, processor *Processor, dryRun bool) *Runner {
	return &Runner{
		cfg:       cfg,
		sweeper:   sweeper,
		processor: processor,
		dryRun:    dryRun,
		Stdout:    os.Stdout,
	}
}

// Run processes every order in ordersPath. Position failures are recorded,
// not fatal; an unwritable manifest is fatal, since the manifest is the
// record of what happened. The returned error is non-nil when the run
// itself failed, or when fail_on_position_error is set and any position
// failed.
func (r *Runner) Run(ctx context.Context, ordersPath string) (Summary, error) {
	var sum Summary

	// purge_before runs even with the cache policy disabled: an operator
	// who asked for a clean slate gets one.
	if r.cfg.CachePolicy.PurgeBefore {
		removed, err := r.sweeper.Purge(ctx, r.dryRun)
		if err != nil {
			return sum, fmt.Errorf("purging cache: %w", err)
		}
		sum.Evicted += len(removed)
	}

	orders, err := LoadOrders(ordersPath)
	if err != nil {
		return sum, err
	}

	for _, o := range orders {
		logger := log.G(ctx).WithField("orderid", o.OrderID)
		logger.WithField("positions", len(o.Positions)).Info("processing order")

		m := r.processor.ProcessOrder(ctx, o)
		sum.Orders++
		sum.Positions += len(m.Positions)
		sum.FailedPositions += m.FailedRows()
		sum.FailedPushes += m.FailedPushes()

		path := ManifestPath(o.OrderID, r.cfg.Manifest)
		if r.dryRun {
			if err := m.Render(r.Stdout); err != nil {
				return sum, fmt.Errorf("rendering manifest for order %s: %w", o.OrderID, err)
			}
			logger.WithField("path", path).Info("dry run, manifest not written")
			continue
		}
		if err := m.Write(path); err != nil {
			return sum, fmt.Errorf("writing manifest for order %s: %w", o.OrderID, err)
		}
		logger.WithField("path", path).Info("manifest written")
	}

	if r.cfg.CachePolicy.RetentionEnabled() {
		evicted, err := r.sweeper.SweepRetention(ctx, r.dryRun)
		if err != nil {
			// Orders already succeeded; a sweep failure must not undo
			// that.
			log.G(ctx).WithError(err).Error("retention sweep failed")
		} else {
			sum.Evicted += len(evicted)
		}
	}

	if r.cfg.FailOnPositionError && sum.FailedPositions > 0 {
		return sum, fmt.Errorf("%d of %d positions failed", sum.FailedPositions, sum.Positions)
	}
	return sum, nil
}
