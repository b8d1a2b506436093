// Package buildinfo holds version metadata stamped in at link time via
// -ldflags, in the manner of getployz-ployz's main packages.
package buildinfo

// Version, Commit and Date are overridden at build time with:
//
//	-ldflags "-X mixvpn/internal/buildinfo.Version=... -X mixvpn/internal/buildinfo.Commit=... -X mixvpn/internal/buildinfo.Date=..."
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String renders a one-line version string for --version flags.
func String() string {
	return Version + " (" + Commit + ", " + Date + ")"
}
