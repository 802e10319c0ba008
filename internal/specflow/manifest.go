package specflow

import (
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/paiworks/ivy/internal/debug"
)

// featuresManifest mirrors the external phase CLI's .specflow/features.toml
// store. Only the spec path is consumed here; the CLI owns the rest.
type featuresManifest struct {
	Features map[string]manifestFeature `toml:"features"`
}

type manifestFeature struct {
	SpecPath string `toml:"spec_path"`
	Branch   string `toml:"branch"`
	Status   string `toml:"status"`
}

// specPathFromManifest returns the canonical spec directory recorded for
// the feature, or "" when the manifest is absent or has no entry. Keys
// are matched case-insensitively.
func specPathFromManifest(manifestPath, featureID string) string {
	var m featuresManifest
	if _, err := toml.DecodeFile(manifestPath, &m); err != nil {
		debug.Logf("features manifest unreadable at %s: %v", manifestPath, err)
		return ""
	}
	want := strings.ToLower(featureID)
	for key, entry := range m.Features {
		if strings.ToLower(key) == want {
			return entry.SpecPath
		}
	}
	return ""
}
