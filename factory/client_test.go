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

package factory

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/taloslabs/image-order/config"
	"github.com/taloslabs/image-order/errdefs"
	"gopkg.in/yaml.v3"
)

func newTestClient(schematicURL, imageURL string) *Client {
	return NewClient(config.FactoryConfig{
		SchematicURL: schematicURL,
		ImageURL:     imageURL,
		UserAgent:    "image-order-test",
	}, http.DefaultClient)
}

func TestCreateSchematic(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"id":"abc123"}`))
	}))
	defer srv.Close()

	var node yaml.Node
	doc := "systemExtensions:\n  officialExtensions:\n    - siderolabs/qemu-guest-agent\nextraKernelArgs: [quiet]\n"
	if err := yaml.Unmarshal([]byte(doc), &node); err != nil {
		t.Fatal(err)
	}

	id, err := newTestClient(srv.URL, "").CreateSchematic(context.Background(), &node)
	if err != nil {
		t.Fatalf("CreateSchematic: %v", err)
	}
	if id != "abc123" {
		t.Fatalf("id = %q, want abc123", id)
	}
	if gotContentType != "application/x-yaml" {
		t.Fatalf("content type %q", gotContentType)
	}

	// The factory must see the customization keys in document order.
	var sent struct {
		Customization yaml.Node `yaml:"customization"`
	}
	if err := yaml.Unmarshal(gotBody, &sent); err != nil {
		t.Fatalf("request body is not yaml: %v", err)
	}
	if len(sent.Customization.Content) < 4 {
		t.Fatalf("customization lost content: %q", gotBody)
	}
	if first := sent.Customization.Content[0].Value; first != "systemExtensions" {
		t.Fatalf("first customization key %q, want systemExtensions", first)
	}
}

func TestCreateSchematicErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "missing id",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{}`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := newTestClient(srv.URL, "").CreateSchematic(context.Background(), nil)
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAssetURL(t *testing.T) {
	client := newTestClient("", "https://factory.example.com/image")

	url, err := client.AssetURL("abc123", "v1.11.0", "nocloud", "iso", "amd64", false)
	if err != nil {
		t.Fatalf("AssetURL: %v", err)
	}
	want := "https://factory.example.com/image/abc123/v1.11.0/nocloud-amd64.iso"
	if url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}

	if _, err := client.AssetURL("abc123", "v1.11.0", "metal", "raw.xz", "amd64", false); !errors.Is(err, errdefs.ErrUnsupportedCombination) {
		t.Fatalf("err = %v, want ErrUnsupportedCombination", err)
	}
}

func TestDownload(t *testing.T) {
	content := []byte("pretend this is a boot image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "fam", "talos-v1.11.0-nocloud-amd64.iso")
	dgst, size, err := newTestClient("", "").Download(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("size = %d, want %d", size, len(content))
	}
	if dgst != digest.FromBytes(content) {
		t.Fatalf("digest = %s, want %s", dgst, digest.FromBytes(content))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("downloaded bytes differ")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind")
	}
}

func TestDownloadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.iso")
	_, _, err := newTestClient("", "").Download(context.Background(), srv.URL, dest)
	if !errors.Is(err, errdefs.ErrDownload) {
		t.Fatalf("err = %v, want ErrDownload", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatal("failed download left a destination file")
	}
}
