// Package models provisions the weight files sd-server loads: it reports
// which are present, verifies them against known checksums and downloads
// missing ones with resume support.
package models

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"zimage_gateway/core"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Entry describes one model file.
type Entry struct {
	Name string `yaml:"name" validate:"required"`
	// Path is relative to the models directory unless absolute.
	Path   string `yaml:"path" validate:"required"`
	URL    string `yaml:"url" validate:"omitempty,url"`
	SHA256 string `yaml:"sha256" validate:"omitempty,len=64,hexadecimal"`
	// Size in bytes, used for the disk space check before a download.
	Size int64 `yaml:"size" validate:"gte=0"`
}

// Manifest is the on-disk list of model sources.
//
// Example:
//
//	models:
//	  - name: diffusion
//	    path: z_image_turbo-Q6_K.gguf
//	    url: https://example.com/z_image_turbo-Q6_K.gguf
//	    sha256: 3f1c...
//	    size: 4600000000
type Manifest struct {
	Models []Entry `yaml:"models" validate:"dive"`
}

// Required returns the three files sd-server refuses to start without,
// keyed by role. Paths are relative to ModelsDir when they live inside it.
func Required(cfg core.BackendConfig) []Entry {
	rel := func(path string) string {
		if r, err := filepath.Rel(cfg.ModelsDir, path); err == nil && !strings.HasPrefix(r, "..") {
			return filepath.ToSlash(r)
		}
		return path
	}
	return []Entry{
		{Name: "diffusion", Path: rel(cfg.DiffusionModel)},
		{Name: "vae", Path: rel(cfg.VAEModel)},
		{Name: "llm", Path: rel(cfg.LLMModel)},
	}
}

// LoadManifest reads a manifest file. A missing file yields an empty
// manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks entry fields and rejects duplicate paths.
func (m *Manifest) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(m); err != nil {
		return err
	}
	dupes := lo.FindDuplicatesBy(m.Models, func(e Entry) string { return filepath.ToSlash(e.Path) })
	if len(dupes) > 0 {
		return fmt.Errorf("duplicate path %q", dupes[0].Path)
	}
	return nil
}

// Resolve merges the required files with the manifest. A manifest entry
// describing a required path supplies its URL, checksum and size; other
// manifest entries (LoRAs, alternates) are appended in manifest order.
func Resolve(cfg core.BackendConfig, m *Manifest) []Entry {
	byPath := lo.KeyBy(m.Models, func(e Entry) string { return filepath.ToSlash(e.Path) })

	required := Required(cfg)
	seen := make(map[string]bool, len(required))
	out := make([]Entry, 0, len(required)+len(m.Models))
	for _, req := range required {
		seen[req.Path] = true
		if src, ok := byPath[req.Path]; ok {
			src.Name = req.Name
			src.Path = req.Path
			out = append(out, src)
			continue
		}
		out = append(out, req)
	}
	for _, e := range m.Models {
		if !seen[filepath.ToSlash(e.Path)] {
			out = append(out, e)
		}
	}
	return out
}
