package imagearchive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	digest "github.com/opencontainers/go-digest"

	"github.com/squashtool/squash/internal/squasherr"
	"github.com/squashtool/squash/internal/tario"
)

// Reader locates and parses manifest.json and its referenced config, and
// enumerates the layer tars it names.
type Reader struct {
	Logger *slog.Logger
}

// NewReader returns a Reader that logs to logger (or a discard logger if
// nil).
func NewReader(logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &Reader{Logger: logger}
}

// Read extracts archivePath into a fresh staging directory under
// tempDirRoot and parses its manifest, config, and layer list. The returned
// staging directory must outlive every LayerInfo.TarPath it returned.
func (r *Reader) Read(archivePath, tempDirRoot string) (*Manifest, *Config, []LayerInfo, *tario.StagingDir, error) {
	stage, err := tario.Extract(archivePath, tempDirRoot)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	manifest, err := r.readManifest(stage)
	if err != nil {
		stage.Close()
		return nil, nil, nil, nil, err
	}

	config, err := r.readConfig(stage, manifest.Config)
	if err != nil {
		stage.Close()
		return nil, nil, nil, nil, err
	}

	layers, err := r.buildLayerInfos(stage, manifest, config)
	if err != nil {
		stage.Close()
		return nil, nil, nil, nil, err
	}

	return manifest, config, layers, stage, nil
}

func (r *Reader) readManifest(stage *tario.StagingDir) (*Manifest, error) {
	if !stage.FileExists("manifest.json") {
		return nil, squasherr.Invalid("manifest.json not found")
	}

	data, err := stage.ReadFileText("manifest.json")
	if err != nil {
		return nil, err
	}

	var manifests []Manifest
	if err := json.Unmarshal(data, &manifests); err != nil {
		return nil, squasherr.JSON(err, "parse manifest.json")
	}
	if len(manifests) == 0 {
		return nil, squasherr.Invalid("manifest.json is an empty array")
	}
	if len(manifests) > 1 {
		r.Logger.Warn("archive contains multiple manifest entries; only the first is used", "count", len(manifests))
	}

	m := manifests[0]
	return &m, nil
}

func (r *Reader) readConfig(stage *tario.StagingDir, configPath string) (*Config, error) {
	if configPath == "" {
		return nil, squasherr.Invalid("manifest.Config is empty")
	}
	if !stage.FileExists(configPath) {
		return nil, squasherr.Invalid(fmt.Sprintf("config file %s not found", configPath))
	}

	data, err := stage.ReadFileText(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, squasherr.JSON(err, "parse config %s", configPath)
	}
	return &cfg, nil
}

func (r *Reader) buildLayerInfos(stage *tario.StagingDir, manifest *Manifest, config *Config) ([]LayerInfo, error) {
	layers := make([]LayerInfo, 0, len(manifest.Layers))
	for i, layerPath := range manifest.Layers {
		if !stage.FileExists(layerPath) {
			return nil, squasherr.Invalid(fmt.Sprintf("layer file %s not found", layerPath))
		}

		abs := stage.AbsolutePath(layerPath)
		info, err := os.Stat(abs)
		if err != nil {
			return nil, squasherr.IO(err, "stat layer %s", layerPath)
		}

		var d digest.Digest
		if i < len(config.RootFS.DiffIDs) && config.RootFS.DiffIDs[i] != "" {
			d = config.RootFS.DiffIDs[i]
		} else {
			// No diff-id available for this layer: synthesize an opaque
			// placeholder identifier from its archive path rather than a
			// real content hash.
			d = digest.Digest("sha256:" + sanitizeForDigest(layerPath))
		}

		layers = append(layers, LayerInfo{
			Digest:  d,
			Size:    info.Size(),
			TarPath: abs,
		})
	}
	return layers, nil
}

// sanitizeForDigest strips path separators so a synthesized digest for a
// layer without a diff-id is still a deterministic, printable identifier.
func sanitizeForDigest(layerPath string) string {
	out := make([]rune, 0, len(layerPath))
	for _, r := range layerPath {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
