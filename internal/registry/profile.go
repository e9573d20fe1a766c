package registry

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidProfile is returned for profile ids that cannot be used as keys.
var ErrInvalidProfile = errors.New("invalid profile id")

var profilePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidateProfile checks that a profile id is safe to embed in storage keys.
func ValidateProfile(profile string) error {
	if !profilePattern.MatchString(profile) {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}
	return nil
}
