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

package order

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/config"
	"github.com/taloslabs/image-order/errdefs"
	"github.com/taloslabs/image-order/fetch"
	"github.com/taloslabs/image-order/push"
	"github.com/taloslabs/image-order/resolver"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Root = t.TempDir()
	return cfg
}

type fixedLister struct {
	releases []resolver.Release
}

func (f fixedLister) ListReleases(_ context.Context) ([]resolver.Release, error) {
	return f.releases, nil
}

// fakeAcquirer fails versions listed in failing and fabricates entries for
// everything else.
type fakeAcquirer struct {
	mu       sync.Mutex
	requests []fetch.Request
	failing  map[string]error
}

func (f *fakeAcquirer) Acquire(_ context.Context, req fetch.Request) fetch.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err, ok := f.failing[req.Version]; ok {
		return fetch.Outcome{Err: err}
	}

	familyID, _ := req.Family.Fingerprint()
	schematic := req.SchematicID
	if schematic == "" {
		schematic = "generated01"
	}
	return fetch.Outcome{
		Entry: &cache.Entry{
			FamilyID:     familyID,
			Version:      req.Version,
			Label:        req.Family.String(),
			ArtifactPath: "/cache/" + familyID + "/artifact",
			SHA256:       digest.FromString(familyID + req.Version),
			Size:         42,
			AcquiredAt:   time.Now(),
		},
		Source:      fetch.SourceDownloaded,
		SchematicID: schematic,
	}
}

type fakePusher struct {
	results []push.Result
}

func (f *fakePusher) Push(_ context.Context, _, _ string, spec push.Spec) []push.Result {
	if len(spec.Hosts) == 0 {
		return nil
	}
	return f.results
}

func exactPosition(name, version string) Position {
	return Position{
		Name:        name,
		SchematicID: "abc123",
		Version:     resolver.Request{Type: resolver.KindExact, Value: version},
	}
}

func TestProcessOrderRowsInListedOrder(t *testing.T) {
	cfg := testConfig(t)
	acquirer := &fakeAcquirer{failing: map[string]error{
		"v1.9.9": fmt.Errorf("boom: %w", errdefs.ErrDownload),
	}}
	processor := NewProcessor(cfg, fixedLister{}, acquirer, &fakePusher{})

	o := Order{
		OrderID: "ord-1",
		Positions: []Position{
			exactPosition("first", "v1.11.0"),
			exactPosition("second", "v1.9.9"),
			exactPosition("third", "v1.10.0"),
		},
	}
	m := processor.ProcessOrder(context.Background(), o)

	if m.Order.OrderID != "ord-1" || m.Order.PositionsCount != 3 {
		t.Fatalf("order info %+v", m.Order)
	}
	if len(m.Positions) != 3 {
		t.Fatalf("got %d rows, want 3", len(m.Positions))
	}
	for i, want := range []string{"first", "second", "third"} {
		if m.Positions[i].Name != want {
			t.Fatalf("row %d is %q, want %q", i, m.Positions[i].Name, want)
		}
	}

	// The failing position becomes a failed row; its neighbors are
	// untouched.
	if m.Positions[0].Status != StatusAcquired || m.Positions[2].Status != StatusAcquired {
		t.Fatalf("healthy rows: %v / %v", m.Positions[0].Status, m.Positions[2].Status)
	}
	failed := m.Positions[1]
	if failed.Status != StatusFailed {
		t.Fatalf("failed row status %q", failed.Status)
	}
	if failed.Error == nil || failed.Error.Kind != "download" {
		t.Fatalf("failed row error %+v", failed.Error)
	}
	if m.FailedRows() != 1 {
		t.Fatalf("FailedRows = %d", m.FailedRows())
	}
}

func TestProcessOrderAppliesDefaults(t *testing.T) {
	cfg := testConfig(t)
	acquirer := &fakeAcquirer{}
	processor := NewProcessor(cfg, fixedLister{}, acquirer, &fakePusher{})

	processor.ProcessOrder(context.Background(), Order{
		OrderID:   "ord-1",
		Positions: []Position{exactPosition("bare", "v1.11.0")},
	})
	if len(acquirer.requests) != 1 {
		t.Fatalf("got %d acquisitions", len(acquirer.requests))
	}
	family := acquirer.requests[0].Family
	if family.Product != "talos" || family.Platform != "nocloud" || family.ImageFormat != "iso" || family.Arch != "amd64" {
		t.Fatalf("defaults not applied: %+v", family)
	}
}

func TestProcessOrderSkipsForeignProduct(t *testing.T) {
	cfg := testConfig(t)
	acquirer := &fakeAcquirer{}
	processor := NewProcessor(cfg, fixedLister{}, acquirer, &fakePusher{})

	pos := exactPosition("foreign", "v1.0.0")
	pos.Product = "someone-elses-os"
	m := processor.ProcessOrder(context.Background(), Order{OrderID: "ord-1", Positions: []Position{pos}})

	row := m.Positions[0]
	if row.Status != StatusSkipped {
		t.Fatalf("status %q, want skipped", row.Status)
	}
	if row.SkipReason == "" {
		t.Fatal("skip reason missing")
	}
	if len(acquirer.requests) != 0 {
		t.Fatal("foreign product was acquired")
	}
	if m.FailedRows() != 0 {
		t.Fatal("a skipped row counted as failed")
	}
}

func TestProcessOrderRejectsUnderspecifiedPosition(t *testing.T) {
	cfg := testConfig(t)
	processor := NewProcessor(cfg, fixedLister{}, &fakeAcquirer{}, &fakePusher{})

	tests := []struct {
		name string
		pos  Position
	}{
		{
			name: "no schematic and no customization",
			pos:  Position{Name: "p", Version: resolver.Request{Type: resolver.KindExact, Value: "v1.0.0"}},
		},
		{
			name: "exact without value",
			pos:  Position{Name: "p", SchematicID: "abc", Version: resolver.Request{Type: resolver.KindExact}},
		},
		{
			name: "unknown version type",
			pos:  Position{Name: "p", SchematicID: "abc", Version: resolver.Request{Type: "newest"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := processor.ProcessOrder(context.Background(), Order{OrderID: "o", Positions: []Position{tt.pos}})
			row := m.Positions[0]
			if row.Status != StatusFailed {
				t.Fatalf("status %q, want failed", row.Status)
			}
			if row.Error == nil || row.Error.Kind != "invalid-position" {
				t.Fatalf("error %+v", row.Error)
			}
		})
	}
}

func TestProcessOrderResolvesVersions(t *testing.T) {
	cfg := testConfig(t)
	acquirer := &fakeAcquirer{}
	lister := fixedLister{releases: []resolver.Release{
		{Version: "v1.10.4"},
		{Version: "v1.11.1"},
		{Version: "v1.11.2-beta.0", Prerelease: true},
	}}
	processor := NewProcessor(cfg, lister, acquirer, &fakePusher{})

	pos := Position{
		Name:        "stable",
		SchematicID: "abc123",
		Version:     resolver.Request{Type: resolver.KindLatestInMinor, Minor: "v1.11"},
	}
	m := processor.ProcessOrder(context.Background(), Order{OrderID: "o", Positions: []Position{pos}})

	row := m.Positions[0]
	if row.ResolvedVersion != "v1.11.1" {
		t.Fatalf("resolved %q, want v1.11.1", row.ResolvedVersion)
	}
	if row.VersionRequest != "latest-in-minor(v1.11)" {
		t.Fatalf("version request %q", row.VersionRequest)
	}
	if row.Prerelease {
		t.Fatal("GA release flagged as prerelease")
	}
	if acquirer.requests[0].Version != "v1.11.1" {
		t.Fatalf("acquired %q", acquirer.requests[0].Version)
	}
}

func TestProcessOrderNoMatchingRelease(t *testing.T) {
	cfg := testConfig(t)
	processor := NewProcessor(cfg, fixedLister{}, &fakeAcquirer{}, &fakePusher{})

	pos := Position{
		Name:        "p",
		SchematicID: "abc",
		Version:     resolver.Request{Type: resolver.KindLatest},
	}
	m := processor.ProcessOrder(context.Background(), Order{OrderID: "o", Positions: []Position{pos}})
	row := m.Positions[0]
	if row.Status != StatusFailed || row.Error == nil || row.Error.Kind != "resolution" {
		t.Fatalf("row %+v", row)
	}
}

func TestProcessOrderRecordsPushResults(t *testing.T) {
	cfg := testConfig(t)
	pusher := &fakePusher{results: []push.Result{
		{Host: "pve1", Status: push.StatusSucceeded},
		{Host: "pve2", Status: push.StatusFailed, Reason: "unreachable"},
	}}
	processor := NewProcessor(cfg, fixedLister{}, &fakeAcquirer{}, pusher)

	pos := exactPosition("p", "v1.11.0")
	pos.Push = push.Spec{Hosts: []push.Host{{Host: "pve1"}, {Host: "pve2"}}}
	m := processor.ProcessOrder(context.Background(), Order{OrderID: "o", Positions: []Position{pos}})

	row := m.Positions[0]
	if row.Status != StatusAcquired {
		t.Fatalf("status %q; a failed push must not fail the row", row.Status)
	}
	if len(row.Push) != 2 {
		t.Fatalf("push results %v", row.Push)
	}
	if m.FailedPushes() != 1 {
		t.Fatalf("FailedPushes = %d", m.FailedPushes())
	}
}

func TestProcessOrderBareValueMeansExact(t *testing.T) {
	cfg := testConfig(t)
	acquirer := &fakeAcquirer{}
	// No lister releases: resolution would fail if this were treated as
	// latest.
	processor := NewProcessor(cfg, fixedLister{}, acquirer, &fakePusher{})

	pos := Position{Name: "p", SchematicID: "abc", Version: resolver.Request{Value: "v1.8.0"}}
	m := processor.ProcessOrder(context.Background(), Order{OrderID: "o", Positions: []Position{pos}})
	if m.Positions[0].Status != StatusAcquired {
		t.Fatalf("row %+v", m.Positions[0])
	}
	if m.Positions[0].ResolvedVersion != "v1.8.0" {
		t.Fatalf("resolved %q", m.Positions[0].ResolvedVersion)
	}
}
