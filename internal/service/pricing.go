package service

import (
	"strings"

	"github.com/punchamoorthee/pointledger/internal/domain"
)

// Point prices per download.
const (
	CostAPK         int64 = 3
	CostAPKRegional int64 = 10
	CostIPA         int64 = 5
	CostIPARegional int64 = 30
)

// ResolveCost returns the point cost of one download.
func ResolveCost(platform domain.Platform, regional bool) (int64, error) {
	if !platform.Valid() {
		return 0, domain.ErrInvalidPlatform
	}
	if platform == domain.PlatformIPA {
		if regional {
			return CostIPARegional, nil
		}
		return CostIPA, nil
	}
	if regional {
		return CostAPKRegional, nil
	}
	return CostAPK, nil
}

// ParsePlatform accepts apk/ipa case-insensitively plus the android/ios aliases.
func ParsePlatform(raw string) (domain.Platform, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "apk", "android":
		return domain.PlatformAPK, nil
	case "ipa", "ios":
		return domain.PlatformIPA, nil
	default:
		return "", domain.ErrInvalidPlatform
	}
}
