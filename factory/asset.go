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

package factory

import (
	"fmt"

	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/errdefs"
)

const (
	PlatformNocloud = "nocloud"
	PlatformMetal   = "metal"

	FormatISO   = "iso"
	FormatRawXZ = "raw.xz"
)

// AssetName validates the platform/image format pairing and returns the
// artifact file name the factory serves for it. The grammar:
//
//	nocloud + iso    -> nocloud-<arch>[-secureboot].iso
//	nocloud + raw.xz -> nocloud-<arch>[-secureboot].raw.xz
//	metal   + iso    -> metal-<arch>.iso
//
// Everything else is ErrUnsupportedCombination; callers check this before
// any network call is made.
func AssetName(platform, imageFormat, arch string, secureboot bool) (string, error) {
	format := cache.NormalizeFormat(imageFormat)
	switch platform {
	case PlatformNocloud:
		if format != FormatISO && format != FormatRawXZ {
			return "", fmt.Errorf("nocloud supports iso or raw.xz, not %q: %w", imageFormat, errdefs.ErrUnsupportedCombination)
		}
		name := PlatformNocloud + "-" + arch
		if secureboot {
			name += "-secureboot"
		}
		return name + "." + format, nil
	case PlatformMetal:
		if format != FormatISO {
			return "", fmt.Errorf("metal supports only iso, not %q: %w", imageFormat, errdefs.ErrUnsupportedCombination)
		}
		return PlatformMetal + "-" + arch + ".iso", nil
	default:
		return "", fmt.Errorf("platform %q: %w", platform, errdefs.ErrUnsupportedCombination)
	}
}
