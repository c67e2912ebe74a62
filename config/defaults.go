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

import "time"

// Root config defaults
const (
	defaultProduct        = "talos"
	defaultMaxConcurrency = 4
)

// Position defaults
const (
	defaultArch        = "amd64"
	defaultPlatform    = "nocloud"
	defaultImageFormat = "iso"
)

// Cache policy defaults
const (
	defaultKeepVersions = 3
)

// Push defaults
const (
	// defaultDestDir is where hypervisor hosts keep installer media.
	defaultDestDir     = "/var/lib/vz/template/iso"
	defaultPushTimeout = 10 * time.Minute
)

// External endpoint defaults
const (
	DefaultSchematicURL   = "https://factory.talos.dev/schematics"
	DefaultImageURL       = "https://factory.talos.dev/image"
	DefaultReleasesAPIURL = "https://api.github.com/repos/siderolabs/talos"
	DefaultUserAgent      = "image-order/1.0"
)

// HTTP client defaults
const (
	// defaultDialTimeout is the timeout for connecting to a remote
	// endpoint. See RetryableConfig.DialTimeout.
	defaultDialTimeout = 3 * time.Second
	// defaultResponseHeaderTimeout is the timeout waiting for response
	// headers from a remote endpoint. See RetryableConfig.ResponseHeaderTimeout.
	defaultResponseHeaderTimeout = 3 * time.Second
	// defaultRequestTimeout bounds an entire request. Image downloads run
	// to several GiB, so this is generous.
	defaultRequestTimeout = 30 * time.Minute

	// defaults based on a target total retry time of at least 5s. 30*((2^8)-1)>5000

	defaultMaxRetries = 8
	defaultMinWait    = 30 * time.Millisecond
	defaultMaxWait    = 300 * time.Second
)
