// Package version carries the runtime's semantic version and the
// compatibility check used by configuration files.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the runtime release.
const Version = "0.4.0"

// Runtime returns the parsed runtime version.
func Runtime() *semver.Version {
	return semver.MustParse(Version)
}

// CheckMin verifies that the runtime satisfies a minimum-version
// requirement such as "0.3.0".
func CheckMin(required string) error {
	if required == "" {
		return nil
	}
	req, err := semver.NewVersion(required)
	if err != nil {
		return fmt.Errorf("version: bad requirement %q: %w", required, err)
	}
	if Runtime().LessThan(req) {
		return fmt.Errorf("version: runtime %s is older than required %s", Version, required)
	}
	return nil
}
