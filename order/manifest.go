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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taloslabs/image-order/config"
	"github.com/taloslabs/image-order/push"
	"gopkg.in/yaml.v3"
)

// Row statuses. A row exists for every listed position, whatever happened
// to it.
const (
	StatusAcquired = "acquired"
	StatusPlanned  = "planned"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// RowError classifies a position failure for the manifest.
type RowError struct {
	Kind    string `yaml:"kind"`
	Message string `yaml:"message"`
}

// Row is one position outcome in the manifest. Rows appear in the order
// the positions were listed, regardless of completion order.
type Row struct {
	Name        string `yaml:"name"`
	Product     string `yaml:"product,omitempty"`
	Platform    string `yaml:"platform,omitempty"`
	ImageFormat string `yaml:"image_format,omitempty"`
	Arch        string `yaml:"arch,omitempty"`
	Secureboot  bool   `yaml:"secureboot,omitempty"`
	Status      string `yaml:"status"`
	SkipReason  string `yaml:"skip_reason,omitempty"`

	VersionRequest  string `yaml:"version_request,omitempty"`
	ResolvedVersion string `yaml:"resolved_version,omitempty"`
	Prerelease      bool   `yaml:"prerelease,omitempty"`

	SchematicID      string `yaml:"schematic_id,omitempty"`
	Source           string `yaml:"source,omitempty"`
	SHA256           string `yaml:"sha256,omitempty"`
	SizeBytes        int64  `yaml:"size_bytes,omitempty"`
	ArtifactPath     string `yaml:"artifact_path,omitempty"`
	Decompressed     bool   `yaml:"decompressed,omitempty"`
	DecompressedPath string `yaml:"decompressed_path,omitempty"`
	DecompressError  string `yaml:"decompress_error,omitempty"`

	Push  []push.Result `yaml:"push,omitempty"`
	Error *RowError     `yaml:"error,omitempty"`
}

// OrderInfo identifies the order a manifest belongs to.
type OrderInfo struct {
	OrderID        string `yaml:"orderid"`
	Customer       string `yaml:"customer,omitempty"`
	PositionsCount int    `yaml:"positions_count"`
}

// Manifest is the per-order record of everything that happened. One is
// written after every order, on success and failure paths alike.
type Manifest struct {
	GeneratedAt time.Time          `yaml:"generated_at"`
	Order       OrderInfo          `yaml:"order"`
	CachePolicy config.CachePolicy `yaml:"cache_policy"`
	Positions   []Row              `yaml:"positions"`
}

// FailedRows counts rows that ended in failure.
func (m *Manifest) FailedRows() int {
	n := 0
	for _, r := range m.Positions {
		if r.Status == StatusFailed {
			n++
		}
	}
	return n
}

// FailedPushes counts per-host push failures across all rows.
func (m *Manifest) FailedPushes() int {
	n := 0
	for _, r := range m.Positions {
		for _, p := range r.Push {
			if p.Status == push.StatusFailed {
				n++
			}
		}
	}
	return n
}

// Render writes the manifest as YAML.
func (m *Manifest) Render(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	return enc.Close()
}

// Write renders the manifest to path, creating parent directories as
// needed.
func (m *Manifest) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create manifest directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create manifest: %w", err)
	}
	defer f.Close()
	if err := m.Render(f); err != nil {
		return fmt.Errorf("cannot write manifest: %w", err)
	}
	return nil
}

const orderidToken = "{orderid}"

// ManifestPath resolves where the manifest for orderid goes. path_template
// wins over dir, dir over path; with nothing configured the manifest lands
// in the working directory as manifest-<orderid>.yaml. A fixed path is
// made order-specific by splicing the orderid before the extension so two
// orders in one run never overwrite each other.
func ManifestPath(orderid string, cfg config.ManifestConfig) string {
	switch {
	case cfg.PathTemplate != "":
		return strings.ReplaceAll(cfg.PathTemplate, orderidToken, orderid)
	case cfg.Dir != "":
		return filepath.Join(cfg.Dir, "manifest-"+orderid+".yaml")
	case cfg.Path != "":
		if strings.Contains(cfg.Path, orderidToken) {
			return strings.ReplaceAll(cfg.Path, orderidToken, orderid)
		}
		ext := filepath.Ext(cfg.Path)
		return strings.TrimSuffix(cfg.Path, ext) + "-" + orderid + ext
	default:
		return "manifest-" + orderid + ".yaml"
	}
}
