package backend

import (
	"fmt"
	"sort"
	"strings"
)

// Features is a bit set of image features requested at creation time.
type Features uint64

// Image feature bits.
const (
	FeatureLayering Features = 1 << iota
	FeatureStriping
	FeatureExclusiveLock
	FeatureObjectMap
	FeatureFastDiff
	FeatureDeepFlatten
	FeatureJournaling
)

var featureNames = map[string]Features{
	"layering":       FeatureLayering,
	"striping":       FeatureStriping,
	"exclusive-lock": FeatureExclusiveLock,
	"object-map":     FeatureObjectMap,
	"fast-diff":      FeatureFastDiff,
	"deep-flatten":   FeatureDeepFlatten,
	"journaling":     FeatureJournaling,
}

// ParseFeatures combines the named features bitwise. Names are matched
// case-insensitively; an unknown name is an error.
func ParseFeatures(names []string) (Features, error) {
	var f Features
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		bit, ok := featureNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown image feature %q", n)
		}
		f |= bit
	}
	return f, nil
}

// Has reports whether all bits of other are set in f.
func (f Features) Has(other Features) bool {
	return f&other == other
}

// Names returns the names of the set features in sorted order.
func (f Features) Names() []string {
	var names []string
	for n, bit := range featureNames {
		if f.Has(bit) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// String returns the comma-separated feature names.
func (f Features) String() string {
	return strings.Join(f.Names(), ",")
}
