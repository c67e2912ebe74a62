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

// Package factory is the client for the image factory: schematic creation
// from customization documents, artifact addressing, and verified
// downloads.
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/taloslabs/image-order/config"
	"github.com/taloslabs/image-order/errdefs"
	"gopkg.in/yaml.v3"
)

type Client struct {
	schematicURL string
	imageURL     string
	userAgent    string
	httpClient   *http.Client
}

func NewClient(cfg config.FactoryConfig, httpClient *http.Client) *Client {
	return &Client{
		schematicURL: cfg.SchematicURL,
		imageURL:     cfg.ImageURL,
		userAgent:    cfg.UserAgent,
		httpClient:   httpClient,
	}
}

// CreateSchematic registers a customization document with the factory and
// returns the schematic id it assigns. The body is a yaml document with a
// single customization section so that the factory receives the options in
// the order the order file declared them.
func (c *Client) CreateSchematic(ctx context.Context, customization *yaml.Node) (string, error) {
	doc := struct {
		Customization *yaml.Node `yaml:"customization"`
	}{customization}
	body, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("cannot serialize customization: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.schematicURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-yaml")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("schematic request: %w: %w", err, errdefs.ErrDownload)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("schematic request returned %s: %w", resp.Status, errdefs.ErrDownload)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("cannot decode schematic response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("factory did not return a schematic id: %w", errdefs.ErrDownload)
	}
	return result.ID, nil
}

// AssetURL addresses one artifact. The platform/format pairing must already
// have been validated with AssetName.
func (c *Client) AssetURL(schematicID, version, platform, imageFormat, arch string, secureboot bool) (string, error) {
	name, err := AssetName(platform, imageFormat, arch, secureboot)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/%s", c.imageURL, schematicID, version, name), nil
}

// Download streams url into dest, hashing as it writes. The artifact lands
// in a .part file first and is renamed only after the whole body was
// written, so a crashed run never leaves a plausible-looking artifact
// behind. Returns the sha256 digest and byte size of the artifact.
func (c *Client) Download(ctx context.Context, url, dest string) (digest.Digest, int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("fetching %s: %w: %w", url, err, errdefs.ErrDownload)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf("fetching %s returned %s: %w", url, resp.Status, errdefs.ErrDownload)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, err
	}

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(f, digester.Hash()), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("writing %s: %w: %w", dest, err, errdefs.ErrDownload)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	log.G(ctx).WithFields(map[string]any{
		"url":  url,
		"dest": dest,
		"size": size,
	}).Debug("artifact downloaded")
	return digester.Digest(), size, nil
}
