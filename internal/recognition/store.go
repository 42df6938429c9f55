// File: internal/recognition/store.go
package recognition

import (
	"fmt"
	"image"
	_ "image/png" // template assets are PNG files
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// manifest is the on-disk shape of the template library.
type manifest struct {
	Templates []manifestEntry `yaml:"templates"`
}

type manifestEntry struct {
	ID    string              `yaml:"id"`
	Name  string              `yaml:"name"`
	File  string              `yaml:"file"`
	Match schemas.MatchParams `yaml:"match"`
}

// LoadLibrary reads a templates.yaml manifest, decodes every referenced PNG
// and returns a populated cache. Asset paths are resolved relative to the
// manifest's directory. A missing or undecodable asset fails the load; a
// script referencing a template that was never in the manifest fails later,
// per-action, with TEMPLATE_NOT_FOUND.
func LoadLibrary(manifestPath string, logger *zap.Logger) (*Cache, error) {
	log := logger.Named("templates")

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse template manifest: %w", err)
	}

	dir := filepath.Dir(manifestPath)
	cache := NewCache()
	for _, entry := range m.Templates {
		id, err := uuid.Parse(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("template %q has invalid id %q: %w", entry.Name, entry.ID, err)
		}
		img, err := loadPNG(filepath.Join(dir, entry.File))
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", entry.Name, err)
		}
		b := img.Bounds()
		cache.Put(schemas.ImageTemplate{
			ID:     id,
			Name:   entry.Name,
			File:   entry.File,
			Width:  b.Dx(),
			Height: b.Dy(),
			Match:  entry.Match,
			Pixels: img,
		})
		log.Debug("Loaded template",
			zap.String("name", entry.Name),
			zap.Int("width", b.Dx()),
			zap.Int("height", b.Dy()),
		)
	}

	log.Info("Template library loaded", zap.Int("count", cache.Len()))
	return cache, nil
}

func loadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode asset: %w", err)
	}
	return img, nil
}
