package imagearchive

import (
	"archive/tar"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

func writeLayerTar(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create layer tar: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	for fname, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: fname, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		tw.Write([]byte(content))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return path
}

func buildTestArchive(t *testing.T) string {
	t.Helper()
	srcDir := t.TempDir()

	layer1 := writeLayerTar(t, srcDir, "layer1.tar", map[string]string{"a": "1"})
	layer2 := writeLayerTar(t, srcDir, "layer2.tar", map[string]string{"b": "2"})

	d1 := digest.FromString("layer1-content")
	d2 := digest.FromString("layer2-content")

	cfg := Config{
		Architecture: "amd64",
		Config:       RuntimeConfig{Env: []string{"PATH=/usr/bin"}, Cmd: []string{"/bin/sh"}},
		RootFS:       specs.RootFS{Type: "layers", DiffIDs: []digest.Digest{d1, d2}},
		History: []specs.History{
			{CreatedBy: "layer1", EmptyLayer: false},
			{CreatedBy: "layer2", EmptyLayer: false},
		},
	}
	cfgData, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	cfgPath := filepath.Join(srcDir, "config.json")
	if err := os.WriteFile(cfgPath, cfgData, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	manifest := []Manifest{{
		Config:   "config.json",
		RepoTags: []string{"example:latest"},
		Layers:   []string{"layer1.tar", "layer2.tar"},
	}}
	manifestData, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	manifestPath := filepath.Join(srcDir, "manifest.json")
	if err := os.WriteFile(manifestPath, manifestData, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "image.tar")
	outFile, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer outFile.Close()
	tw := tar.NewWriter(outFile)
	for _, name := range []string{"manifest.json", "config.json", "layer1.tar", "layer2.tar"} {
		var path string
		switch name {
		case "manifest.json":
			path = manifestPath
		case "config.json":
			path = cfgPath
		case "layer1.tar":
			path = layer1
		case "layer2.tar":
			path = layer2
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
			t.Fatalf("write header %s: %v", name, err)
		}
		tw.Write(data)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return archivePath
}

func TestReadArchive(t *testing.T) {
	archivePath := buildTestArchive(t)

	r := NewReader(nil)
	manifest, config, layers, stage, err := r.Read(archivePath, t.TempDir())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer stage.Close()

	if len(manifest.Layers) != 2 {
		t.Fatalf("len(manifest.Layers) = %d, want 2", len(manifest.Layers))
	}
	if len(layers) != 2 {
		t.Fatalf("len(layers) = %d, want 2", len(layers))
	}
	if layers[0].Digest != config.RootFS.DiffIDs[0] {
		t.Errorf("layers[0].Digest = %s, want %s", layers[0].Digest, config.RootFS.DiffIDs[0])
	}
	if config.Architecture != "amd64" {
		t.Errorf("config.Architecture = %q", config.Architecture)
	}
}

func TestReadArchiveMissingManifest(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "empty.tar")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tw := tar.NewWriter(f)
	tw.Close()
	f.Close()

	r := NewReader(nil)
	_, _, _, _, err = r.Read(archivePath, t.TempDir())
	if err == nil {
		t.Fatalf("expected error for missing manifest.json")
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	archivePath := buildTestArchive(t)

	r := NewReader(nil)
	manifest, config, layers, stage, err := r.Read(archivePath, t.TempDir())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer stage.Close()

	outPath := filepath.Join(t.TempDir(), "out.tar")
	if err := Write(outPath, manifest, config, layers); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r2 := NewReader(nil)
	manifest2, config2, layers2, stage2, err := r2.Read(outPath, t.TempDir())
	if err != nil {
		t.Fatalf("re-Read: %v", err)
	}
	defer stage2.Close()

	if len(manifest2.Layers) != len(manifest.Layers) {
		t.Fatalf("layer count changed across round-trip: %d vs %d", len(manifest2.Layers), len(manifest.Layers))
	}
	if config2.Architecture != config.Architecture {
		t.Errorf("architecture changed across round-trip")
	}
	if len(layers2) != len(layers) {
		t.Fatalf("LayerInfo count changed across round-trip")
	}
}

func TestConfigUnknownFieldsRoundTrip(t *testing.T) {
	raw := []byte(`{"architecture":"amd64","rootfs":{"type":"layers","diff_ids":[]},"os":"linux","variant":"v8"}`)

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Extra["os"] == nil {
		t.Fatalf("expected unknown field 'os' preserved in Extra")
	}

	out, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var roundTripped map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("Unmarshal round-tripped: %v", err)
	}
	if _, ok := roundTripped["os"]; !ok {
		t.Errorf("expected 'os' field to survive round-trip")
	}
	if _, ok := roundTripped["variant"]; !ok {
		t.Errorf("expected 'variant' field to survive round-trip")
	}
}
