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

package commands

import (
	"context"
	"fmt"

	"github.com/containerd/log"
	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/cmd/image-order/commands/internal"
	"github.com/taloslabs/image-order/compression"
	"github.com/taloslabs/image-order/factory"
	"github.com/taloslabs/image-order/fetch"
	"github.com/taloslabs/image-order/order"
	"github.com/taloslabs/image-order/push"
	"github.com/taloslabs/image-order/releases"
	utilhttp "github.com/taloslabs/image-order/util/http"
	"github.com/urfave/cli/v3"
)

const (
	ordersFlag     = "orders"
	dryRunFlag     = "dry-run"
	purgeCacheFlag = "purge-cache"
)

// RunCommand processes an orders file end to end: resolve, acquire, push,
// manifest, sweep.
var RunCommand = &cli.Command{
	Name:      "run",
	Usage:     "process an orders file",
	ArgsUsage: "[flags]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     ordersFlag,
			Aliases:  []string{"o"},
			Usage:    "path to the orders YAML file",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  dryRunFlag,
			Usage: "plan everything, touch nothing: no downloads, no pushes, no evictions; manifests go to stdout",
		},
		&cli.BoolFlag{
			Name:  purgeCacheFlag,
			Usage: "wipe the cache before processing, regardless of cache_policy.purge_before",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := internal.LoadConfig(cmd)
		if err != nil {
			return err
		}
		dryRun := cmd.Bool(dryRunFlag)
		if cmd.Bool(purgeCacheFlag) {
			cfg.CachePolicy.PurgeBefore = true
		}

		store, err := internal.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		transfer := push.NewRsyncTransfer(cfg.Push)
		if cfg.Push.Enabled && !dryRun {
			if err := transfer.EnsureTools(); err != nil {
				return err
			}
		}

		httpClient := utilhttp.NewRetryableClient(cfg.HTTP)
		processor := order.NewProcessor(
			cfg,
			releases.NewGitHub(cfg.Releases, cfg.Factory.UserAgent, httpClient),
			fetch.NewAcquirer(store, factory.NewClient(cfg.Factory, httpClient), compression.XZ{}, dryRun),
			push.NewPusher(transfer, cfg.Push, dryRun),
		)
		runner := order.NewRunner(cfg, cache.NewSweeper(store, cfg.CachePolicy.KeepVersions), processor, dryRun)

		sum, err := runner.Run(ctx, cmd.String(ordersFlag))
		log.G(ctx).WithFields(map[string]any{
			"orders":           sum.Orders,
			"positions":        sum.Positions,
			"failed_positions": sum.FailedPositions,
			"failed_pushes":    sum.FailedPushes,
			"evicted":          sum.Evicted,
		}).Info("run finished")
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		return nil
	},
}
