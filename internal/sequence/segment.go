package sequence

import "strings"

// Segment is the closed set of audience segments a contact can be tagged with.
type Segment string

const (
	UnsuccessfulUnaware Segment = "unsuccessful_unaware"
	SuccessfulUnaware   Segment = "successful_unaware"
	AwareNotHedging     Segment = "aware_not_hedging"
	ActiveHedger        Segment = "active_hedger"
)

// AllSegments lists every segment in display order.
var AllSegments = []Segment{UnsuccessfulUnaware, SuccessfulUnaware, AwareNotHedging, ActiveHedger}

// ParseSegment maps a free-form CRM tag onto a Segment. Tags are matched
// case-insensitively and spaces or dashes are treated as underscores.
func ParseSegment(tag string) (Segment, bool) {
	norm := strings.ToLower(strings.TrimSpace(tag))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for _, s := range AllSegments {
		if string(s) == norm {
			return s, true
		}
	}
	return "", false
}

func (s Segment) String() string { return string(s) }
