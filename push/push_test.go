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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taloslabs/image-order/config"
)

type call struct {
	file    string
	host    string
	destDir string
}

// fakeTransfer records calls and fails the hosts listed in failing.
type fakeTransfer struct {
	mu      sync.Mutex
	calls   []call
	failing map[string]error
	block   chan struct{}
}

func (f *fakeTransfer) Transfer(ctx context.Context, file, host, destDir string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{file: file, host: host, destDir: destDir})
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err, ok := f.failing[host]; ok {
		return err
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

func pushCfg() config.PushConfig {
	return config.PushConfig{
		Enabled:        true,
		DefaultDestDir: "/var/lib/vz/template/iso",
		Timeout:        time.Minute,
	}
}

func TestPushDisabledOrEmpty(t *testing.T) {
	transfer := &fakeTransfer{}

	tests := []struct {
		name   string
		cfg    config.PushConfig
		spec   Spec
		dryRun bool
	}{
		{
			name: "globally disabled",
			cfg:  config.PushConfig{Enabled: false},
			spec: Spec{Hosts: []Host{{Host: "pve1"}}},
		},
		{
			name: "disabled per position",
			cfg:  pushCfg(),
			spec: Spec{Enabled: boolPtr(false), Hosts: []Host{{Host: "pve1"}}},
		},
		{
			name: "no hosts",
			cfg:  pushCfg(),
			spec: Spec{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := NewPusher(transfer, tt.cfg, tt.dryRun).Push(context.Background(), "/a.iso", "", tt.spec)
			if results != nil {
				t.Fatalf("results = %v, want nil", results)
			}
		})
	}
	if len(transfer.calls) != 0 {
		t.Fatalf("transfer was called %d times", len(transfer.calls))
	}
}

func TestPushPerPositionEnableOverridesGlobalOff(t *testing.T) {
	transfer := &fakeTransfer{}
	cfg := pushCfg()
	cfg.Enabled = false
	pusher := NewPusher(transfer, cfg, false)

	results := pusher.Push(context.Background(), "/a.iso", "", Spec{
		Enabled: boolPtr(true),
		Hosts:   []Host{{Host: "pve1"}},
	})
	if len(results) != 1 || results[0].Status != StatusSucceeded {
		t.Fatalf("results = %v", results)
	}
}

func TestPushIndependentHostFailures(t *testing.T) {
	transfer := &fakeTransfer{failing: map[string]error{"pve2": errors.New("connection refused")}}
	pusher := NewPusher(transfer, pushCfg(), false)

	results := pusher.Push(context.Background(), "/a.iso", "", Spec{
		Hosts: []Host{{Host: "pve1"}, {Host: "pve2"}, {Host: "pve3"}},
	})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// Results stay in declared host order.
	for i, want := range []string{"pve1", "pve2", "pve3"} {
		if results[i].Host != want {
			t.Fatalf("result %d is for %s, want %s", i, results[i].Host, want)
		}
	}
	if results[0].Status != StatusSucceeded || results[2].Status != StatusSucceeded {
		t.Fatalf("healthy hosts affected by the failing one: %v", results)
	}
	if results[1].Status != StatusFailed || !strings.Contains(results[1].Reason, "connection refused") {
		t.Fatalf("failing host result %v", results[1])
	}
}

func TestPushPrefersDecompressed(t *testing.T) {
	tests := []struct {
		name         string
		cfgPrefer    bool
		specPrefer   *bool
		decompressed string
		wantFile     string
	}{
		{
			name:         "prefer on with raw available",
			cfgPrefer:    true,
			decompressed: "/a.raw",
			wantFile:     "/a.raw",
		},
		{
			name:      "prefer on without raw",
			cfgPrefer: true,
			wantFile:  "/a.raw.xz",
		},
		{
			name:         "prefer off",
			decompressed: "/a.raw",
			wantFile:     "/a.raw.xz",
		},
		{
			name:         "position override wins",
			cfgPrefer:    false,
			specPrefer:   boolPtr(true),
			decompressed: "/a.raw",
			wantFile:     "/a.raw",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transfer := &fakeTransfer{}
			cfg := pushCfg()
			cfg.PreferDecompressed = tt.cfgPrefer
			pusher := NewPusher(transfer, cfg, false)

			pusher.Push(context.Background(), "/a.raw.xz", tt.decompressed, Spec{
				PreferDecompressed: tt.specPrefer,
				Hosts:              []Host{{Host: "pve1"}},
			})
			if len(transfer.calls) != 1 || transfer.calls[0].file != tt.wantFile {
				t.Fatalf("calls = %v, want file %s", transfer.calls, tt.wantFile)
			}
		})
	}
}

func TestPushDestDir(t *testing.T) {
	transfer := &fakeTransfer{}
	pusher := NewPusher(transfer, pushCfg(), false)

	pusher.Push(context.Background(), "/a.iso", "", Spec{
		Hosts: []Host{
			{Host: "pve1"},
			{Host: "pve2", DestDir: "/custom/dir"},
		},
	})
	dirs := map[string]string{}
	for _, c := range transfer.calls {
		dirs[c.host] = c.destDir
	}
	if dirs["pve1"] != "/var/lib/vz/template/iso" {
		t.Fatalf("pve1 dest %q", dirs["pve1"])
	}
	if dirs["pve2"] != "/custom/dir" {
		t.Fatalf("pve2 dest %q", dirs["pve2"])
	}
}

func TestPushDryRun(t *testing.T) {
	transfer := &fakeTransfer{}
	pusher := NewPusher(transfer, pushCfg(), true)

	results := pusher.Push(context.Background(), "/a.iso", "", Spec{
		Hosts: []Host{{Host: "pve1"}, {Host: "pve2"}},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != StatusSkipped || r.Reason != "dry-run" {
			t.Fatalf("result %v", r)
		}
	}
	if len(transfer.calls) != 0 {
		t.Fatal("dry run reached the transfer")
	}
}

func TestPushHostTimeout(t *testing.T) {
	transfer := &fakeTransfer{block: make(chan struct{})}
	cfg := pushCfg()
	cfg.Timeout = 20 * time.Millisecond
	pusher := NewPusher(transfer, cfg, false)

	done := make(chan []Result, 1)
	go func() {
		done <- pusher.Push(context.Background(), "/a.iso", "", Spec{Hosts: []Host{{Host: "stuck"}}})
	}()

	select {
	case results := <-done:
		if results[0].Status != StatusFailed {
			t.Fatalf("result %v, want failed", results[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push did not honor the per-host timeout")
	}
	close(transfer.block)
}
