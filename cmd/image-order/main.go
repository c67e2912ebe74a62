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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taloslabs/image-order/cmd/image-order/commands"
	"github.com/taloslabs/image-order/cmd/image-order/commands/cache"
	"github.com/taloslabs/image-order/cmd/image-order/commands/global"
	"github.com/taloslabs/image-order/version"
	"github.com/urfave/cli/v3"
)

func main() {
	app := cli.Command{
		Name:    "image-order",
		Usage:   "acquire, cache, and distribute immutable OS boot images per customer order",
		Flags:   global.Flags,
		Version: fmt.Sprintf("%s %s", version.Version, version.Revision),
		Commands: []*cli.Command{
			commands.RunCommand,
			cache.Command,
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if err := app.Run(ctx, os.Args); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "image-order: %v\n", err)
		os.Exit(1)
	}
	cancel()
}
