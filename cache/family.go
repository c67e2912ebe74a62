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
	"fmt"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

// fingerprintLen is the number of hex characters of the family digest used
// in cache paths and db keys.
const fingerprintLen = 16

// Family identifies one cache partition: all entries sharing it differ only
// by version. Customization is kept as the decoded yaml node so that its
// document order survives into the fingerprint.
type Family struct {
	Product       string
	Platform      string
	ImageFormat   string
	Arch          string
	Secureboot    bool
	Customization *yaml.Node
}

// familyDoc is the canonical serialization the fingerprint is computed
// over. Field order is fixed by this struct; the customization node
// marshals in document order.
type familyDoc struct {
	Product       string     `yaml:"product"`
	Platform      string     `yaml:"platform"`
	ImageFormat   string     `yaml:"image_format"`
	Arch          string     `yaml:"arch"`
	Secureboot    bool       `yaml:"secureboot"`
	Customization *yaml.Node `yaml:"customization,omitempty"`
}

// Fingerprint derives the deterministic cache partition key.
func (f Family) Fingerprint() (string, error) {
	doc := familyDoc{
		Product:       f.Product,
		Platform:      f.Platform,
		ImageFormat:   NormalizeFormat(f.ImageFormat),
		Arch:          f.Arch,
		Secureboot:    f.Secureboot,
		Customization: f.Customization,
	}
	b, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("cannot serialize family: %w", err)
	}
	return digest.Canonical.FromBytes(b).Encoded()[:fingerprintLen], nil
}

// String renders a human readable family label for logs and manifests.
func (f Family) String() string {
	label := fmt.Sprintf("%s/%s/%s/%s", f.Product, f.Platform, NormalizeFormat(f.ImageFormat), f.Arch)
	if f.Secureboot {
		label += "+secureboot"
	}
	return label
}

// NormalizeFormat folds the accepted spellings of the compressed raw format
// into "raw.xz".
func NormalizeFormat(format string) string {
	switch format {
	case "raw", "rawxz", "raw.xz":
		return "raw.xz"
	default:
		return format
	}
}
