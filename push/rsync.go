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

package push

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/taloslabs/image-order/config"
)

// RsyncTransfer copies files with rsync over ssh. The destination
// directory is created with a plain ssh call first, since rsync will not
// create missing path components on the remote side.
type RsyncTransfer struct {
	rsyncArgs []string
	sshArgs   []string
}

func NewRsyncTransfer(cfg config.PushConfig) *RsyncTransfer {
	return &RsyncTransfer{
		rsyncArgs: cfg.RsyncArgs,
		sshArgs:   cfg.SSHArgs,
	}
}

// EnsureTools verifies that rsync and ssh are on PATH. Called once up
// front when any position wants a push, so a missing tool fails before any
// download starts.
func (t *RsyncTransfer) EnsureTools() error {
	for _, tool := range []string{"rsync", "ssh"} {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("missing dependency: %s", tool)
		}
	}
	return nil
}

func (t *RsyncTransfer) Transfer(ctx context.Context, file, host, destDir string) error {
	mkdir := exec.CommandContext(ctx, "ssh", append(append([]string{}, t.sshArgs...), host, "mkdir -p "+shellQuote(destDir))...)
	if out, err := mkdir.CombinedOutput(); err != nil {
		return fmt.Errorf("mkdir on %s: %w: %s", host, err, strings.TrimSpace(string(out)))
	}

	args := append(append([]string{}, t.rsyncArgs...), "-e", "ssh "+strings.Join(t.sshArgs, " "), file, host+":"+destDir+"/")
	rsync := exec.CommandContext(ctx, "rsync", args...)
	if out, err := rsync.CombinedOutput(); err != nil {
		return fmt.Errorf("rsync to %s: %w: %s", host, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
