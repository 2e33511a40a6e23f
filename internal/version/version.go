// Package version holds the sync protocol version and the compatibility
// rules both participants apply while negotiating a scope.
package version

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
)

// Protocol is the wire protocol version spoken by this build. Participants
// with the same major version interoperate.
const Protocol = "1.0.0"

// IsDevelopmentVersion returns true for non-release build versions.
func IsDevelopmentVersion(v string) bool {
	if v == "" || v == "unknown" || v == "dev" || v == "devel" {
		return true
	}
	if strings.HasPrefix(v, "devel+") {
		return true
	}
	return false
}

// validVersionRegex matches valid semver versions (v1.2.3, v1.2.3-beta, etc.)
// Prerelease identifiers must be alphanumeric, separated by dots or hyphens.
var validVersionRegex = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9]+([.-][a-zA-Z0-9]+)*)?$`)

// Valid reports whether v is a well formed release version.
func Valid(v string) bool {
	return validVersionRegex.MatchString(v)
}

// Compatible checks that a peer speaking peer can sync with a participant
// speaking ours. Both must parse and share the major version; an empty peer
// version is treated as Protocol for participants that predate negotiation.
func Compatible(ours, peer string) error {
	if peer == "" {
		peer = Protocol
	}
	a, err := semver.NewVersion(ours)
	if err != nil {
		return errors.Wrapf(err, "parse protocol version %q", ours)
	}
	b, err := semver.NewVersion(peer)
	if err != nil {
		return errors.Wrapf(err, "parse peer protocol version %q", peer)
	}

	if a.Major() != b.Major() {
		return errors.Newf("protocol %s is incompatible with %s", peer, ours)
	}
	return nil
}

// Newer reports whether a is a higher version than b. Unparseable versions
// compare as not newer.
func Newer(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.GreaterThan(vb)
}
