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

// Package errdefs defines the error classes that can show up in an order
// manifest. Errors local to one position or one host push are wrapped with
// one of these sentinels, recorded, and the run continues; only errors that
// carry none of them are treated as internal.
package errdefs

import "errors"

var (
	// ErrNoMatchingRelease indicates that no published release satisfies a
	// version request.
	ErrNoMatchingRelease = errors.New("no matching release")

	// ErrUnsupportedCombination indicates an invalid platform/image format
	// pairing. It is raised before any network call is made.
	ErrUnsupportedCombination = errors.New("unsupported platform/image_format combination")

	// ErrDownload indicates a transport or service failure while fetching
	// an artifact.
	ErrDownload = errors.New("download failed")

	// ErrChecksumMismatch indicates that the bytes on disk do not match the
	// recorded sha256.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCacheCorruption indicates two differing checksums for the same
	// family and version. Versions are immutable artifacts, so this is
	// never reconciled automatically.
	ErrCacheCorruption = errors.New("cache corruption")

	// ErrDecompression indicates a failed raw.xz decompression. It
	// invalidates only the decompressed copy, never the cached artifact.
	ErrDecompression = errors.New("decompression failed")

	// ErrPush indicates a failed transfer to a single host.
	ErrPush = errors.New("push failed")
)

// Kind returns the manifest-facing name for the class of err. Errors that
// wrap none of the sentinels are reported as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoMatchingRelease):
		return "resolution"
	case errors.Is(err, ErrUnsupportedCombination):
		return "unsupported-combination"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum-mismatch"
	case errors.Is(err, ErrCacheCorruption):
		return "cache-corruption"
	case errors.Is(err, ErrDownload):
		return "download"
	case errors.Is(err, ErrDecompression):
		return "decompression"
	case errors.Is(err, ErrPush):
		return "push"
	default:
		return "internal"
	}
}
