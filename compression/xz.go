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

// Package compression decompresses raw.xz artifacts. The external xz tool
// is used when present; the pure Go implementation is the fallback (it is
// several times slower, but always available).
package compression

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/taloslabs/image-order/errdefs"
	"github.com/ulikunitz/xz"
)

// XZ decompresses xz streams. The zero value picks the backend per call.
type XZ struct {
	// ForceNative skips the external tool lookup.
	ForceNative bool
}

// Decompress streams src (an .xz file) into dst. dst is written through a
// .part temp file and renamed on success, so a failed decompression never
// leaves a truncated .raw behind. All failures wrap ErrDecompression; the
// caller keeps the compressed artifact either way.
func (x XZ) Decompress(ctx context.Context, src, dst string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("%s: %w: %w", src, err, errdefs.ErrDecompression)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var reader io.ReadCloser
	if path, lookErr := exec.LookPath("xz"); !x.ForceNative && lookErr == nil {
		reader, err = cmdStream(exec.CommandContext(ctx, path, "-dc"), in)
		if err != nil {
			return err
		}
	} else {
		r, xzErr := xz.NewReader(in)
		if xzErr != nil {
			return xzErr
		}
		reader = io.NopCloser(r)
		log.G(ctx).WithField("src", src).Debug("xz tool not found, using native decompression")
	}
	defer reader.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, reader)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// cmdStream pipes in through cmd and returns its stdout as a reader. A
// non-zero exit surfaces as a read error carrying the tool's stderr.
func cmdStream(cmd *exec.Cmd, in io.Reader) (io.ReadCloser, error) {
	reader, writer := io.Pipe()

	cmd.Stdin = in
	cmd.Stdout = writer

	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			writer.CloseWithError(fmt.Errorf("%s: %s", err, errBuf.String()))
		} else {
			writer.Close()
		}
	}()

	return reader, nil
}
