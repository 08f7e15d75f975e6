package protocol

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the protocol version spoken by this core.
const Version = "1.0.0"

// CompatibleVersion checks that a caller-declared protocol version can
// interoperate with this core: same major, not newer than ours.
func CompatibleVersion(v string) error {
	if v == "" {
		return nil
	}
	theirs, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: protocol version %q: %v", ErrValidation, v, err)
	}
	ours := semver.MustParse(Version)
	if theirs.Major() != ours.Major() || theirs.GreaterThan(ours) {
		return fmt.Errorf("%w: protocol version %s incompatible with %s", ErrValidation, v, Version)
	}
	return nil
}
