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

// Package internal carries helpers shared by the CLI commands.
package internal

import (
	"github.com/sirupsen/logrus"
	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/cmd/image-order/commands/global"
	"github.com/taloslabs/image-order/config"
	"github.com/urfave/cli/v3"
)

// LoadConfig reads the configuration named by the global flags and applies
// the flag overrides on top.
func LoadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.NewConfigFromToml(cmd.String(global.ConfigFlag))
	if err != nil {
		return nil, err
	}
	if root := cmd.String(global.RootFlag); root != "" {
		cfg.Root = root
	}
	if cmd.Bool(global.DebugFlag) {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return cfg, nil
}

// OpenStore opens the artifact store under the configured root.
func OpenStore(cfg *config.Config) (*cache.Store, error) {
	return cache.NewStore(cfg.Root)
}
