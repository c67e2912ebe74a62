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

// Package order processes declarative image orders: it composes version
// resolution, artifact acquisition, and push distribution per position and
// records every outcome in a per-order manifest.
package order

import (
	"fmt"
	"os"

	"github.com/taloslabs/image-order/cache"
	"github.com/taloslabs/image-order/config"
	"github.com/taloslabs/image-order/push"
	"github.com/taloslabs/image-order/resolver"
	"gopkg.in/yaml.v3"
)

// Order is one customer order: a list of image positions handled together
// and recorded in one manifest. Orders are independent of each other.
type Order struct {
	OrderID   string     `yaml:"orderid"`
	Customer  string     `yaml:"customer"`
	Positions []Position `yaml:"positions"`
}

// Position is one product/platform/format/arch/customization/version
// combination. Positions are immutable once read from an order.
type Position struct {
	Name        string `yaml:"name"`
	Product     string `yaml:"product"`
	Platform    string `yaml:"platform"`
	ImageFormat string `yaml:"image_format"`
	Arch        string `yaml:"arch"`
	Secureboot  bool   `yaml:"secureboot"`
	// SchematicID pins a known factory schematic; when empty one is
	// created from Customization.
	SchematicID string `yaml:"schematic_id"`
	// Customization is an opaque, order-preserving document forwarded to
	// the factory and fingerprinted into the cache family key.
	Customization yaml.Node        `yaml:"customization"`
	Version       resolver.Request `yaml:"version"`
	// DecompressRaw overrides the configured decompress_raw default.
	DecompressRaw *bool     `yaml:"decompress_raw"`
	Push          push.Spec `yaml:"push"`
}

// applyDefaults fills omitted position fields from the configured
// defaults.
func (p *Position) applyDefaults(defaults config.DefaultsConfig) {
	if p.Arch == "" {
		p.Arch = defaults.Arch
	}
	if p.Platform == "" {
		p.Platform = defaults.Platform
	}
	if p.ImageFormat == "" {
		p.ImageFormat = defaults.ImageFormat
	}
}

// family derives the position's cache family.
func (p *Position) family() cache.Family {
	f := cache.Family{
		Product:     p.Product,
		Platform:    p.Platform,
		ImageFormat: p.ImageFormat,
		Arch:        p.Arch,
		Secureboot:  p.Secureboot,
	}
	if p.Customization.Kind != 0 {
		f.Customization = &p.Customization
	}
	return f
}

func (p *Position) hasCustomization() bool {
	return p.Customization.Kind != 0
}

// displayName names the position in logs and error messages.
func (p *Position) displayName() string {
	if p.Name != "" {
		return p.Name
	}
	return "<unnamed>"
}

// LoadOrders reads an orders file: either a bare list of orders or a
// document with an orders key. Every order must carry a non-empty orderid.
func LoadOrders(path string) ([]Order, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read orders file: %w", err)
	}

	var doc struct {
		Orders []Order `yaml:"orders"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil || doc.Orders == nil {
		var list []Order
		if listErr := yaml.Unmarshal(b, &list); listErr != nil {
			return nil, fmt.Errorf("orders file must be a list of orders or a document with an orders key: %w", listErr)
		}
		doc.Orders = list
	}

	for i, o := range doc.Orders {
		if o.OrderID == "" {
			return nil, fmt.Errorf("order %d has no orderid", i)
		}
	}
	return doc.Orders, nil
}
