// Package imagearchive reads and writes the outer tar archive format used by
// `docker save`/`docker load`: an outer tar containing manifest.json, one
// config JSON document, and one tar per layer.
package imagearchive

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest mirrors one entry of manifest.json. Field casing matches the
// Docker v1 archive format exactly (Config, RepoTags, Layers), not the
// lowercase OCI image-spec casing used inside the config document itself.
type Manifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags,omitempty"`
	Layers   []string `json:"Layers"`
}

// RuntimeConfig mirrors the nested "config" object inside the image config
// document: env, cmd, working directory, exposed ports, plus anything this
// module doesn't model explicitly.
type RuntimeConfig struct {
	Env          []string            `json:"Env,omitempty"`
	Cmd          []string            `json:"Cmd,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON merges the known fields with any unrecognized ones captured
// in Extra, so round-tripping a config document never silently drops
// fields this module doesn't model.
func (c RuntimeConfig) MarshalJSON() ([]byte, error) {
	return mergeKnownAndExtra(struct {
		Env          []string            `json:"Env,omitempty"`
		Cmd          []string            `json:"Cmd,omitempty"`
		WorkingDir   string              `json:"WorkingDir,omitempty"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	}{c.Env, c.Cmd, c.WorkingDir, c.ExposedPorts}, c.Extra)
}

// UnmarshalJSON decodes the known fields and stashes everything else in
// Extra.
func (c *RuntimeConfig) UnmarshalJSON(data []byte) error {
	var known struct {
		Env          []string            `json:"Env,omitempty"`
		Cmd          []string            `json:"Cmd,omitempty"`
		WorkingDir   string              `json:"WorkingDir,omitempty"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	c.Env = known.Env
	c.Cmd = known.Cmd
	c.WorkingDir = known.WorkingDir
	c.ExposedPorts = known.ExposedPorts

	extra, err := extraFields(data, "Env", "Cmd", "WorkingDir", "ExposedPorts")
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

// Config mirrors the image config JSON document: architecture, nested
// runtime config, rootfs diff-ids, and build history. RootFS and each
// History entry use the OCI image-spec types directly since their wire
// casing (diff_ids, created, created_by, empty_layer) matches spec exactly.
type Config struct {
	Architecture string          `json:"architecture,omitempty"`
	Config       RuntimeConfig   `json:"config,omitempty"`
	RootFS       specs.RootFS    `json:"rootfs"`
	History      []specs.History `json:"history,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	return mergeKnownAndExtra(struct {
		Architecture string          `json:"architecture,omitempty"`
		Config       RuntimeConfig   `json:"config,omitempty"`
		RootFS       specs.RootFS    `json:"rootfs"`
		History      []specs.History `json:"history,omitempty"`
	}{c.Architecture, c.Config, c.RootFS, c.History}, c.Extra)
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var known struct {
		Architecture string          `json:"architecture,omitempty"`
		Config       RuntimeConfig   `json:"config,omitempty"`
		RootFS       specs.RootFS    `json:"rootfs"`
		History      []specs.History `json:"history,omitempty"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	c.Architecture = known.Architecture
	c.Config = known.Config
	c.RootFS = known.RootFS
	c.History = known.History

	extra, err := extraFields(data, "architecture", "config", "rootfs", "history")
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

// mergeKnownAndExtra marshals known, then overlays any Extra keys that
// known's own fields didn't already produce.
func mergeKnownAndExtra(known any, extra map[string]json.RawMessage) ([]byte, error) {
	knownData, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return knownData, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(knownData, &merged); err != nil {
		return nil, err
	}
	if merged == nil {
		merged = map[string]json.RawMessage{}
	}
	for k, v := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// extraFields decodes data as a generic object and returns every key not
// in known.
func extraFields(data []byte, known ...string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range all {
		if _, ok := knownSet[k]; !ok {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// LayerInfo describes one layer tar on disk. Immutable once constructed;
// its TarPath's lifetime is bound to the staging directory that produced
// it, except for a merge engine's output layer.
type LayerInfo struct {
	Digest  digest.Digest
	Size    int64
	TarPath string
}
