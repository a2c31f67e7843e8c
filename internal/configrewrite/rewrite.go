// Package configrewrite keeps manifest.Layers, config.RootFS.DiffIDs, and
// config.History consistent after the merge engine has collapsed a tail
// of layers into one.
package configrewrite

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/squashtool/squash/internal/imagearchive"
	"github.com/squashtool/squash/internal/squasherr"
)

// mergedLayerName is the stable name the merged layer tar is given inside
// the output archive, independent of its working-directory UUID name.
const mergedLayerName = "merged_layer.tar"

// Rewrite truncates manifest and config in place to reflect that the last
// k layers were replaced by merged, and appends one history entry
// recording the squash. now is injected rather than read from time.Now
// so callers can produce deterministic output.
func Rewrite(manifest *imagearchive.Manifest, config *imagearchive.Config, k int, merged imagearchive.LayerInfo, now time.Time) error {
	if k < 1 || k > len(manifest.Layers) {
		return squasherr.Invalid("cannot rewrite config for k=%d layers merged out of %d", k, len(manifest.Layers))
	}
	if k > len(config.RootFS.DiffIDs) {
		return squasherr.Invalid("cannot rewrite config: k=%d exceeds %d diff_ids", k, len(config.RootFS.DiffIDs))
	}

	manifest.Layers = append(manifest.Layers[:len(manifest.Layers)-k], mergedLayerName)
	config.RootFS.DiffIDs = append(config.RootFS.DiffIDs[:len(config.RootFS.DiffIDs)-k], merged.Digest)

	rewritten, err := rewriteHistory(config.History, k, now)
	if err != nil {
		return err
	}
	config.History = rewritten

	nonEmpty := countNonEmpty(config.History)
	if len(manifest.Layers) != len(config.RootFS.DiffIDs) || len(manifest.Layers) != nonEmpty {
		return squasherr.Invalid("post-merge cardinality mismatch: %d layers, %d diff_ids, %d non-empty history entries",
			len(manifest.Layers), len(config.RootFS.DiffIDs), nonEmpty)
	}

	return nil
}

// rewriteHistory walks history from the tail, dropping entries until k
// non-empty ones have been removed (any empty-layer entries interleaved
// among them are dropped too), then appends one entry for the squash.
func rewriteHistory(history []specs.History, k int, now time.Time) ([]specs.History, error) {
	removed := 0
	cut := len(history)
	for cut > 0 && removed < k {
		cut--
		if !history[cut].EmptyLayer {
			removed++
		}
	}
	if removed < k {
		return nil, squasherr.Invalid("history has only %d non-empty entries, cannot remove %d", removed, k)
	}

	kept := make([]specs.History, len(history[:cut]))
	copy(kept, history[:cut])

	created := now
	return append(kept, specs.History{
		Created:    &created,
		CreatedBy:  fmt.Sprintf("squash: merged %d layers", k),
		EmptyLayer: false,
	}), nil
}

func countNonEmpty(history []specs.History) int {
	n := 0
	for _, h := range history {
		if !h.EmptyLayer {
			n++
		}
	}
	return n
}
