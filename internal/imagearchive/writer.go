package imagearchive

import (
	"archive/tar"
	"encoding/json"

	"github.com/squashtool/squash/internal/squasherr"
	"github.com/squashtool/squash/internal/tario"
)

// Write assembles the rewritten manifest and config documents plus the
// kept/merged layer tars into a new output archive at outputPath. Layer
// tars are copied, not moved, so the staging directories they came from may
// be released once Write returns.
func Write(outputPath string, manifest *Manifest, config *Config, layers []LayerInfo) error {
	manifestData, err := json.MarshalIndent([]*Manifest{manifest}, "", "  ")
	if err != nil {
		return squasherr.JSON(err, "encode manifest.json")
	}

	configData, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return squasherr.JSON(err, "encode config")
	}

	b := tario.NewBuilder()
	b.AddFile("manifest.json", 0o644, manifestData)
	b.AddFile(manifest.Config, 0o644, configData)

	if len(manifest.Layers) != len(layers) {
		return squasherr.Invalid("manifest.Layers has %d entries but %d layers were supplied", len(manifest.Layers), len(layers))
	}

	for i, layer := range layers {
		b.Add(tarioEntryForLayer(manifest.Layers[i], layer))
	}

	if err := b.Build(outputPath); err != nil {
		return err
	}
	return nil
}

func tarioEntryForLayer(name string, layer LayerInfo) tario.StagedEntry {
	return tario.StagedEntry{
		Header: &tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     layer.Size,
		},
		Source: tario.FileSource(layer.TarPath, layer.Size),
	}
}
