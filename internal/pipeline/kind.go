package pipeline

import "strings"

// Kind identifies which insurance pipeline a trigger message belongs to.
type Kind string

const (
	KindViajeros Kind = "viajeros"
	KindSI       Kind = "si"
	KindUnknown  Kind = ""
)

// subject keyword -> pipeline kind routing. Matching is case-insensitive
// substring match, most specific keyword first.
var subjectRoutes = []struct {
	keyword string
	kind    Kind
}{
	{"asegurados salud internacional", KindSI},
	{"asegurados viajeros", KindViajeros},
}

// KindFromSubject routes a message subject to a pipeline kind. Returns
// KindUnknown when no keyword matches.
func KindFromSubject(subject string) Kind {
	s := strings.ToLower(subject)
	for _, r := range subjectRoutes {
		if strings.Contains(s, r.keyword) {
			return r.kind
		}
	}
	return KindUnknown
}

// Known reports whether k is a recognized pipeline kind.
func (k Kind) Known() bool { return k == KindViajeros || k == KindSI }

// Display returns the human-facing name used in reports.
func (k Kind) Display() string {
	switch k {
	case KindViajeros:
		return "Asegurados Viajeros"
	case KindSI:
		return "Asegurados Salud Internacional"
	default:
		return "Unknown"
	}
}
