package settings

import (
	"fmt"
	"strings"
)

// Feature is one recognized toggle.
type Feature string

const (
	FeatureAutoRead   Feature = "autoread"
	FeatureAutoView   Feature = "autoview"
	FeatureFakeTyping Feature = "faketyping"
	FeatureAutoReact  Feature = "autoreact"
)

var allFeatures = []Feature{FeatureAutoRead, FeatureAutoView, FeatureFakeTyping, FeatureAutoReact}

// AllFeatures returns the recognized features in display order.
func AllFeatures() []Feature { return append([]Feature(nil), allFeatures...) }

// ParseFeature validates a user-supplied feature name (case-insensitive).
func ParseFeature(name string) (Feature, error) {
	f := Feature(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range allFeatures {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeature, name)
}

// Features maps every recognized feature to its state.
type Features map[Feature]bool

// DefaultFeatures returns the state of a session that never changed anything.
func DefaultFeatures() Features {
	return Features{
		FeatureAutoRead:   true,
		FeatureAutoView:   true,
		FeatureFakeTyping: true,
		FeatureAutoReact:  false,
	}
}

// Clone returns a copy restricted to recognized features; missing ones take
// their default.
func (f Features) Clone() Features {
	out := DefaultFeatures()
	for k, v := range f {
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Names returns the feature names sorted in display order.
func (f Features) Names() []string {
	out := make([]string, 0, len(allFeatures))
	for _, k := range allFeatures {
		if _, ok := f[k]; ok {
			out = append(out, string(k))
		}
	}
	return out
}
