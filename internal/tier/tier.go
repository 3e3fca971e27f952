// Package tier decides the collaboration mode of a session.
package tier

type Tier string

const (
	LocalOnly Tier = "local-only"
	Networked Tier = "networked"
)

// Provenance describes where a document lives. A document without an owner
// and slug has no remote identity.
type Provenance struct {
	Owner string
	Slug  string
}

func (p Provenance) HasRemote() bool {
	return p.Owner != "" && p.Slug != ""
}

// Decide is evaluated once when a session opens. An invalid or expired
// authentication degrades a remote document to local-only; it never fails the
// open.
func Decide(p Provenance, authValid bool) Tier {
	if !p.HasRemote() {
		return LocalOnly
	}
	if !authValid {
		return LocalOnly
	}
	return Networked
}
