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
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/cmd/image-order/commands/internal"
	"github.com/urfave/cli/v3"
)

const (
	familyKey  = "family"
	versionKey = "version"

	quietKey      = "quiet"
	quietShortKey = "q"
)

var listCommand = &cli.Command{
	Name:    "list",
	Usage:   "list cached artifacts",
	Aliases: []string{"ls"},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  familyKey,
			Usage: "filter entries to one family fingerprint",
		},
		&cli.StringFlag{
			Name:  versionKey,
			Usage: "filter entries to one version",
		},
		&cli.BoolFlag{
			Name:    quietKey,
			Aliases: []string{quietShortKey},
			Usage:   "only display the artifact digests",
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

		var filters []cache.FilterFn
		if family := cmd.String(familyKey); family != "" {
			filters = append(filters, cache.WithFamily(family))
		}
		if version := cmd.String(versionKey); version != "" {
			filters = append(filters, cache.WithVersion(version))
		}
		entries, err := store.Filter(ctx, cache.WithAllFilters(filters...))
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Label != entries[j].Label {
				return entries[i].Label < entries[j].Label
			}
			return entries[i].AcquiredAt.After(entries[j].AcquiredAt)
		})

		if cmd.Bool(quietKey) {
			for _, entry := range entries {
				fmt.Println(entry.SHA256.Encoded())
			}
			return nil
		}

		writer := tabwriter.NewWriter(os.Stdout, 8, 8, 4, ' ', 0)
		defer writer.Flush()
		fmt.Fprintln(writer, "FAMILY\tVERSION\tSIZE\tACQUIRED\tDIGEST")
		for _, entry := range entries {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\n",
				entry.Label,
				entry.Version,
				entry.Size,
				entry.AcquiredAt.Format(time.RFC3339),
				entry.SHA256.Encoded())
		}
		return nil
	},
}
