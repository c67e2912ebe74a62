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
	"fmt"

	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/cmd/image-order/commands/internal"
	"github.com/urfave/cli/v3"
)

const (
	keepKey   = "keep"
	allKey    = "all"
	dryRunKey = "dry-run"
)

var pruneCommand = &cli.Command{
	Name:  "prune",
	Usage: "evict cached artifacts past the retention policy",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  keepKey,
			Usage: "keep the newest N versions per family (defaults to cache_policy.keep_versions)",
		},
		&cli.BoolFlag{
			Name:  allKey,
			Usage: "evict everything, not just entries past retention",
		},
		&cli.BoolFlag{
			Name:  dryRunKey,
			Usage: "report what would be evicted without touching anything",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := internal.LoadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := internal.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		dryRun := cmd.Bool(dryRunKey)
		keep := cfg.CachePolicy.KeepVersions
		if cmd.IsSet(keepKey) {
			keep = int(cmd.Int(keepKey))
		}
		sweeper := cache.NewSweeper(store, keep)

		if cmd.Bool(allKey) {
			removed, err := sweeper.Purge(ctx, dryRun)
			if err != nil {
				return err
			}
			for _, path := range removed {
				fmt.Println(path)
			}
			return nil
		}

		evicted, err := sweeper.SweepRetention(ctx, dryRun)
		if err != nil {
			return err
		}
		for _, entry := range evicted {
			fmt.Printf("%s %s\n", entry.Label, entry.Version)
		}
		return nil
	},
}
