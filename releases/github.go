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

// Package releases lists published product releases from a
// GitHub-releases-shaped API.
package releases

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/taloslabs/image-order/config"
	"github.com/taloslabs/image-order/resolver"
)

const perPage = 100

// GitHub lists releases from <api_url>/releases. It implements
// resolver.Lister.
type GitHub struct {
	apiURL     string
	userAgent  string
	httpClient *http.Client
}

func NewGitHub(cfg config.ReleasesConfig, userAgent string, httpClient *http.Client) *GitHub {
	return &GitHub{
		apiURL:     cfg.APIURL,
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

func (g *GitHub) ListReleases(ctx context.Context) ([]resolver.Release, error) {
	var releases []resolver.Release
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/releases?per_page=%d&page=%d", g.apiURL, perPage, page)
		batch, err := g.listPage(ctx, url)
		if err != nil {
			return nil, err
		}
		for _, rel := range batch {
			releases = append(releases, resolver.Release{
				Version:     rel.TagName,
				Prerelease:  rel.Prerelease,
				PublishedAt: rel.PublishedAt,
			})
		}
		if len(batch) < perPage {
			return releases, nil
		}
	}
}

func (g *GitHub) listPage(ctx context.Context, url string) ([]githubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing releases: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing releases returned %s", resp.Status)
	}

	var batch []githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("cannot decode release listing: %w", err)
	}
	return batch, nil
}
