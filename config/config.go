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

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultRootPath is the default filesystem path for the cache root
	// directory.
	DefaultRootPath = "/var/lib/image-order"

	// DefaultConfigPath is the default filesystem path for the
	// configuration file.
	DefaultConfigPath = "/etc/image-order/config.toml"
)

type Config struct {
	// Root is the directory holding the artifact cache and metadata db.
	Root string `toml:"root"`

	// Product is the product identifier positions must carry to be
	// processed. Positions for any other product are skipped.
	Product string `toml:"product"`

	// DecompressRaw requests decompression of raw.xz artifacts to a
	// sibling .raw file after acquisition. Positions may override it.
	DecompressRaw bool `toml:"decompress_raw"`

	// MaxConcurrency bounds how many positions of one order are processed
	// at the same time.
	MaxConcurrency int64 `toml:"max_concurrency"`

	// FailOnPositionError makes the process exit non-zero when any
	// position or push failed, even though every failure is already
	// recorded in its manifest.
	FailOnPositionError bool `toml:"fail_on_position_error"`

	Defaults    DefaultsConfig  `toml:"defaults"`
	CachePolicy CachePolicy     `toml:"cache_policy"`
	Push        PushConfig      `toml:"push"`
	Factory     FactoryConfig   `toml:"factory"`
	Releases    ReleasesConfig  `toml:"releases"`
	Manifest    ManifestConfig  `toml:"manifest"`
	HTTP        RetryableConfig `toml:"http"`
}

// DefaultsConfig supplies position fields that orders may omit.
type DefaultsConfig struct {
	Arch        string `toml:"arch"`
	Platform    string `toml:"platform"`
	ImageFormat string `toml:"image_format"`
}

// CachePolicy controls the retention sweep. It is snapshotted into every
// manifest. PurgeBefore wipes the cache before any order is processed and
// runs regardless of Enabled; Enabled gates only the end-of-run retention.
// Enabled is a pointer so an absent key can default to true without
// clobbering an explicit false.
type CachePolicy struct {
	Enabled      *bool `toml:"enabled" yaml:"enabled"`
	KeepVersions int   `toml:"keep_versions" yaml:"keep_versions"`
	PurgeBefore  bool  `toml:"purge_before" yaml:"purge_before"`
}

// RetentionEnabled reports whether the end-of-run retention sweep runs.
// Unset means enabled.
func (p CachePolicy) RetentionEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type PushConfig struct {
	Enabled            bool          `toml:"enabled"`
	RsyncArgs          []string      `toml:"rsync_args"`
	SSHArgs            []string      `toml:"ssh_args"`
	PreferDecompressed bool          `toml:"prefer_decompressed"`
	DefaultDestDir     string        `toml:"default_dest_dir"`
	Timeout            time.Duration `toml:"timeout"`
}

type FactoryConfig struct {
	// SchematicURL is the endpoint accepting customization documents and
	// returning schematic ids.
	SchematicURL string `toml:"schematic_url"`
	// ImageURL is the base under which artifacts are addressed as
	// <image_url>/<schematic>/<version>/<asset>.
	ImageURL  string `toml:"image_url"`
	UserAgent string `toml:"user_agent"`
}

type ReleasesConfig struct {
	// APIURL is the release listing endpoint base, e.g. a GitHub repo API
	// path. The lister appends /releases.
	APIURL string `toml:"api_url"`
}

// ManifestConfig decides where per-order manifests land. The fields are
// consulted in order: PathTemplate, Dir, Path; with none set manifests are
// written to the working directory as manifest-<orderid>.yaml.
type ManifestConfig struct {
	PathTemplate string `toml:"path_template"`
	Dir          string `toml:"dir"`
	Path         string `toml:"path"`
}

// RetryableConfig carries the timeouts and retry bounds for every outbound
// HTTP call.
type RetryableConfig struct {
	DialTimeout           time.Duration `toml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `toml:"response_header_timeout"`
	RequestTimeout        time.Duration `toml:"request_timeout"`
	MaxRetries            int           `toml:"max_retries"`
	MinWait               time.Duration `toml:"min_wait"`
	MaxWait               time.Duration `toml:"max_wait"`
}

type configParser func(*Config) error

var parsers = []configParser{parseRootConfig, parseDefaultsConfig, parseCachePolicy, parsePushConfig, parseFactoryConfig, parseHTTPConfig}

// NewConfig returns an initialized Config with default values set.
func NewConfig() *Config {
	cfg := &Config{}
	for _, p := range parsers {
		p(cfg)
	}
	return cfg
}

// NewConfigFromToml loads a config file and fills in defaults for anything
// it does not set. A missing file at the default path is not an error.
func NewConfigFromToml(cfgPath string) (*Config, error) {
	f, err := os.Open(cfgPath)
	if err != nil {
		if os.IsNotExist(err) && cfgPath == DefaultConfigPath {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to open config file %q: %w", cfgPath, err)
	}
	defer f.Close()

	cfg := &Config{}
	if err = toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", cfgPath, err)
	}
	for _, p := range parsers {
		if err := p(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseRootConfig(cfg *Config) error {
	if cfg.Root == "" {
		cfg.Root = DefaultRootPath
	}
	if cfg.Product == "" {
		cfg.Product = defaultProduct
	}
	// A semaphore of weight zero or less would never admit a position.
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	return nil
}

func parseDefaultsConfig(cfg *Config) error {
	if cfg.Defaults.Arch == "" {
		cfg.Defaults.Arch = defaultArch
	}
	if cfg.Defaults.Platform == "" {
		cfg.Defaults.Platform = defaultPlatform
	}
	if cfg.Defaults.ImageFormat == "" {
		cfg.Defaults.ImageFormat = defaultImageFormat
	}
	return nil
}

func parseCachePolicy(cfg *Config) error {
	if cfg.CachePolicy.Enabled == nil {
		enabled := true
		cfg.CachePolicy.Enabled = &enabled
	}
	if cfg.CachePolicy.KeepVersions == 0 {
		cfg.CachePolicy.KeepVersions = defaultKeepVersions
	}
	return nil
}

func parsePushConfig(cfg *Config) error {
	if len(cfg.Push.RsyncArgs) == 0 {
		cfg.Push.RsyncArgs = []string{"-a", "--inplace"}
	}
	if len(cfg.Push.SSHArgs) == 0 {
		cfg.Push.SSHArgs = []string{"-o", "BatchMode=yes"}
	}
	if cfg.Push.DefaultDestDir == "" {
		cfg.Push.DefaultDestDir = defaultDestDir
	}
	if cfg.Push.Timeout == 0 {
		cfg.Push.Timeout = defaultPushTimeout
	}
	return nil
}

func parseFactoryConfig(cfg *Config) error {
	if cfg.Factory.SchematicURL == "" {
		cfg.Factory.SchematicURL = DefaultSchematicURL
	}
	if cfg.Factory.ImageURL == "" {
		cfg.Factory.ImageURL = DefaultImageURL
	}
	if cfg.Factory.UserAgent == "" {
		cfg.Factory.UserAgent = DefaultUserAgent
	}
	if cfg.Releases.APIURL == "" {
		cfg.Releases.APIURL = DefaultReleasesAPIURL
	}
	return nil
}

func parseHTTPConfig(cfg *Config) error {
	if cfg.HTTP.DialTimeout == 0 {
		cfg.HTTP.DialTimeout = defaultDialTimeout
	}
	if cfg.HTTP.ResponseHeaderTimeout == 0 {
		cfg.HTTP.ResponseHeaderTimeout = defaultResponseHeaderTimeout
	}
	if cfg.HTTP.RequestTimeout == 0 {
		cfg.HTTP.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HTTP.MaxRetries == 0 {
		cfg.HTTP.MaxRetries = defaultMaxRetries
	}
	if cfg.HTTP.MinWait == 0 {
		cfg.HTTP.MinWait = defaultMinWait
	}
	if cfg.HTTP.MaxWait == 0 {
		cfg.HTTP.MaxWait = defaultMaxWait
	}
	return nil
}
