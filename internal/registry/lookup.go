package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/simple-renditions/internal/media"
)

// Platform hints accepted by GetPreferredDerivativeURL.
const (
	PlatformMobile  = "mobile"
	PlatformTablet  = "tablet"
	PlatformDesktop = "desktop"
	PlatformWeb     = "web"
)

// DefaultPlatformProfiles maps platform hints to preferred profile names.
// Hints not listed use the largest fit profile.
var DefaultPlatformProfiles = map[string]string{
	PlatformMobile:  "medium",
	PlatformTablet:  "large",
	PlatformDesktop: "large",
	PlatformWeb:     "large",
}

// Lookup answers read queries about derivatives for API callers.
type Lookup struct {
	store     Store
	profiles  []media.Profile
	platforms map[string]string
}

func NewLookup(store Store, profiles []media.Profile) *Lookup {
	return &Lookup{store: store, profiles: profiles, platforms: DefaultPlatformProfiles}
}

// GetDerivatives lists every derivative of an asset. An asset without
// derivatives yields an empty slice.
func (l *Lookup) GetDerivatives(ctx context.Context, assetID uuid.UUID) ([]*media.Derivative, error) {
	return l.store.ListDerivatives(ctx, assetID)
}

// GetDerivativeByProfile returns nil without error when the profile has not
// been produced. Profile names match case-insensitively.
func (l *Lookup) GetDerivativeByProfile(ctx context.Context, assetID uuid.UUID, profile string) (*media.Derivative, error) {
	d, err := l.store.GetDerivative(ctx, assetID, strings.ToLower(strings.TrimSpace(profile)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return d, err
}

// GetPreferredDerivativeURL picks the derivative matching the platform hint.
// When that profile is missing it falls back to the available derivative
// whose profile size is nearest, preferring the larger one on ties. ok is
// false when the asset has no derivatives.
func (l *Lookup) GetPreferredDerivativeURL(ctx context.Context, assetID uuid.UUID, platform string) (url string, ok bool, err error) {
	derivatives, err := l.store.ListDerivatives(ctx, assetID)
	if err != nil {
		return "", false, err
	}
	if len(derivatives) == 0 {
		return "", false, nil
	}

	preferred := l.PreferredProfile(platform)
	for _, d := range derivatives {
		if d.Profile == preferred {
			return d.URL, true, nil
		}
	}

	target := l.sizeOf(preferred, nil)
	var best *media.Derivative
	bestDist, bestSize := 0, 0
	for _, d := range derivatives {
		size := l.sizeOf(d.Profile, d)
		dist := abs(size - target)
		if best == nil || dist < bestDist || (dist == bestDist && size > bestSize) {
			best, bestDist, bestSize = d, dist, size
		}
	}
	return best.URL, true, nil
}

// PreferredProfile resolves a platform hint to a profile name.
func (l *Lookup) PreferredProfile(platform string) string {
	if name, ok := l.platforms[strings.ToLower(strings.TrimSpace(platform))]; ok {
		return name
	}
	if rep, ok := media.Representative(l.profiles); ok {
		return rep.Name
	}
	return "large"
}

// sizeOf reports the configured size of a profile, falling back to the
// derivative's own long edge for profiles no longer configured.
func (l *Lookup) sizeOf(profile string, d *media.Derivative) int {
	if p, ok := media.Find(l.profiles, profile); ok {
		return p.Size
	}
	if d != nil {
		return d.LongEdge()
	}
	return 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
