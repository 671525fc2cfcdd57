package upload

import (
	"strings"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// BackendsForPreference maps a user's declared storage preference to the
// ordered backend set the original should be placed on. Unknown or empty
// preferences fall back to the configured default set, so an old client
// sending a retired preference value still gets stored somewhere sane.
func BackendsForPreference(preference string, defaults []interfaces.BackendKind) []interfaces.BackendKind {
	switch strings.ToLower(strings.TrimSpace(preference)) {
	case "neon":
		return []interfaces.BackendKind{interfaces.BackendNeon}
	case "icp":
		return []interfaces.BackendKind{interfaces.BackendICP}
	case "s3":
		return []interfaces.BackendKind{interfaces.BackendS3}
	case "dual":
		return []interfaces.BackendKind{interfaces.BackendNeon, interfaces.BackendICP}
	default:
		out := make([]interfaces.BackendKind, len(defaults))
		copy(out, defaults)
		return out
	}
}
