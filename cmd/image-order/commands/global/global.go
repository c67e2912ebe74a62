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

package global

import (
	"github.com/taloslabs/image-order/config"
	"github.com/urfave/cli/v3"
)

// Global flags for the image-order CLI

const (
	ConfigFlag = "config"
	RootFlag   = "root"
	DebugFlag  = "debug"
)

var Flags = []cli.Flag{
	&cli.StringFlag{
		Name:    ConfigFlag,
		Aliases: []string{"c"},
		Usage:   "path to the TOML configuration file",
		Value:   config.DefaultConfigPath,
		Sources: cli.EnvVars("IMAGE_ORDER_CONFIG"),
	},
	&cli.StringFlag{
		Name:  RootFlag,
		Usage: "override the root directory holding the cache and the artifacts database",
	},
	&cli.BoolFlag{
		Name:  DebugFlag,
		Usage: "enable debug output",
	},
}
