package media

import (
	"fmt"
	"strconv"
	"strings"
)

type ResizeMode string

const (
	// ModeCrop fills an exact Size x Size square, cropping around the center.
	ModeCrop ResizeMode = "crop"
	// ModeFit scales down so the long edge equals Size, keeping aspect ratio.
	ModeFit ResizeMode = "fit"
)

const (
	DefaultEffort = 4
	MaxEffort     = 6
)

// Profile is a named target size and encode configuration.
type Profile struct {
	Name    string
	Mode    ResizeMode
	Size    int
	Quality int
	Effort  int
	Bucket  string
}

func (p Profile) IsCrop() bool { return p.Mode == ModeCrop }

// Produces reports whether a source of the given dimensions yields a
// derivative for p. Fit profiles skip sources whose long edge is not larger
// than Size; unknown dimensions (zero) are assumed to produce.
func (p Profile) Produces(width, height int) bool {
	if p.IsCrop() || width <= 0 || height <= 0 {
		return true
	}
	return max(width, height) > p.Size
}

func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Mode != ModeCrop && p.Mode != ModeFit {
		return fmt.Errorf("profile %s: unknown mode %q", p.Name, p.Mode)
	}
	if p.Size <= 0 {
		return fmt.Errorf("profile %s: size must be greater than zero (got %d)", p.Name, p.Size)
	}
	if p.Quality < 1 || p.Quality > 100 {
		return fmt.Errorf("profile %s: quality must be within 1-100 (got %d)", p.Name, p.Quality)
	}
	if p.Effort < 0 || p.Effort > MaxEffort {
		return fmt.Errorf("profile %s: effort must be within 0-%d (got %d)", p.Name, MaxEffort, p.Effort)
	}
	return nil
}

// DefaultProfiles returns the small/medium/large set with buckets named
// "<prefix>-<name>".
func DefaultProfiles(bucketPrefix string) []Profile {
	profiles := []Profile{
		{Name: "small", Mode: ModeCrop, Size: 150, Quality: 75, Effort: DefaultEffort},
		{Name: "medium", Mode: ModeFit, Size: 600, Quality: 80, Effort: DefaultEffort},
		{Name: "large", Mode: ModeFit, Size: 1200, Quality: 85, Effort: DefaultEffort},
	}
	return WithBuckets(profiles, bucketPrefix)
}

// WithBuckets fills in missing bucket names from the prefix.
func WithBuckets(profiles []Profile, bucketPrefix string) []Profile {
	out := make([]Profile, len(profiles))
	for i, p := range profiles {
		if p.Bucket == "" {
			p.Bucket = BucketName(bucketPrefix, p.Name)
		}
		out[i] = p
	}
	return out
}

func BucketName(prefix, profile string) string {
	name := strings.ToLower(profile)
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}

// ParseProfiles parses "name:mode:size:quality[:effort]" entries separated by
// commas, e.g. "small:crop:150:75,large:fit:1200:85:5".
func ParseProfiles(spec string) ([]Profile, error) {
	var profiles []Profile
	seen := make(map[string]bool)

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 && len(parts) != 5 {
			return nil, fmt.Errorf("invalid profile format '%s', expected 'name:mode:size:quality[:effort]'", entry)
		}

		p := Profile{
			Name:   strings.ToLower(strings.TrimSpace(parts[0])),
			Mode:   ResizeMode(strings.ToLower(strings.TrimSpace(parts[1]))),
			Effort: DefaultEffort,
		}

		size, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid size in '%s'", entry)
		}
		p.Size = size

		quality, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil {
			return nil, fmt.Errorf("invalid quality in '%s'", entry)
		}
		p.Quality = quality

		if len(parts) == 5 {
			effort, err := strconv.Atoi(strings.TrimSpace(parts[4]))
			if err != nil {
				return nil, fmt.Errorf("invalid effort in '%s'", entry)
			}
			p.Effort = effort
		}

		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate profile '%s'", p.Name)
		}
		seen[p.Name] = true
		profiles = append(profiles, p)
	}

	if len(profiles) == 0 {
		return nil, fmt.Errorf("no profiles in '%s'", spec)
	}
	return profiles, nil
}

// Representative returns the largest fit profile, the one whose rendition may
// replace the asset's canonical URL.
func Representative(profiles []Profile) (Profile, bool) {
	var best Profile
	found := false
	for _, p := range profiles {
		if p.IsCrop() {
			continue
		}
		if !found || p.Size > best.Size {
			best = p
			found = true
		}
	}
	return best, found
}

// Find looks up a profile by name.
func Find(profiles []Profile, name string) (Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}
