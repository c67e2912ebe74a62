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

// Package push distributes acquired artifacts to remote hosts. Hosts are
// independent: each gets its own result, its own timeout, and a slow or
// unreachable host never blocks the others.
package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/taloslabs/image-order/config"
	"github.com/taloslabs/image-order/errdefs"
)

// Status is the outcome class of one host transfer.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result is the recorded outcome for one declared host.
type Result struct {
	Host   string `yaml:"host"`
	Status Status `yaml:"status"`
	Reason string `yaml:"reason,omitempty"`
}

// Host is one push target. DestDir overrides the configured default
// destination directory.
type Host struct {
	Host    string `yaml:"host"`
	DestDir string `yaml:"dest_dir"`
}

// Spec is a position's push block. Nil pointer fields inherit the
// configured defaults.
type Spec struct {
	Enabled            *bool  `yaml:"enabled"`
	Hosts              []Host `yaml:"hosts"`
	PreferDecompressed *bool  `yaml:"prefer_decompressed"`
}

// Transfer is the remote copy capability.
type Transfer interface {
	Transfer(ctx context.Context, file, host, destDir string) error
}

// Pusher fans an artifact out to a position's hosts.
type Pusher struct {
	transfer           Transfer
	enabled            bool
	preferDecompressed bool
	defaultDestDir     string
	timeout            time.Duration
	dryRun             bool
}

func NewPusher(transfer Transfer, cfg config.PushConfig, dryRun bool) *Pusher {
	return &Pusher{
		transfer:           transfer,
		enabled:            cfg.Enabled,
		preferDecompressed: cfg.PreferDecompressed,
		defaultDestDir:     cfg.DefaultDestDir,
		timeout:            cfg.Timeout,
		dryRun:             dryRun,
	}
}

// Push transfers the artifact to every host in spec, concurrently, one
// result per host in declared order. Disabled push or an empty host list
// yields no results and no error. The decompressed variant is sent when
// preferred and available. A failed host is recorded, never dropped, and
// never prevents the remaining hosts from being attempted.
func (p *Pusher) Push(ctx context.Context, artifact, decompressed string, spec Spec) []Result {
	enabled := p.enabled
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}
	if !enabled || len(spec.Hosts) == 0 {
		return nil
	}

	file := artifact
	prefer := p.preferDecompressed
	if spec.PreferDecompressed != nil {
		prefer = *spec.PreferDecompressed
	}
	if prefer && decompressed != "" {
		file = decompressed
	}

	results := make([]Result, len(spec.Hosts))
	var wg sync.WaitGroup
	for i, host := range spec.Hosts {
		destDir := host.DestDir
		if destDir == "" {
			destDir = p.defaultDestDir
		}
		if p.dryRun {
			results[i] = Result{Host: host.Host, Status: StatusSkipped, Reason: "dry-run"}
			continue
		}

		wg.Add(1)
		go func(i int, host Host, destDir string) {
			defer wg.Done()
			results[i] = p.pushOne(ctx, file, host.Host, destDir)
		}(i, host, destDir)
	}
	wg.Wait()
	return results
}

func (p *Pusher) pushOne(ctx context.Context, file, host, destDir string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log.G(ctx).WithFields(map[string]any{
		"file": file,
		"host": host,
		"dest": destDir,
	}).Info("pushing artifact")
	if err := p.transfer.Transfer(ctx, file, host, destDir); err != nil {
		err = fmt.Errorf("%w: %w", err, errdefs.ErrPush)
		log.G(ctx).WithError(err).WithField("host", host).Warn("push failed")
		return Result{Host: host, Status: StatusFailed, Reason: err.Error()}
	}
	return Result{Host: host, Status: StatusSucceeded}
}
