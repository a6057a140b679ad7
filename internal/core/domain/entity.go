package domain

type EntityType string

const (
	EntityIdentifier EntityType = "identifier"
	EntityAmount     EntityType = "amount"
	EntityDate       EntityType = "date"
	EntityPercentage EntityType = "percentage"
	EntityAccount    EntityType = "account"
	EntityCorrection EntityType = "correction"
)

// Entity is one matched financial value. Start and End are byte offsets into the
// page text; Original is set when a correction rewrote Value.
type Entity struct {
	Type            EntityType `json:"type"`
	Value           string     `json:"value"`
	Original        string     `json:"original,omitempty"`
	Start           int        `json:"start"`
	End             int        `json:"end"`
	Confidence      float64    `json:"confidence"`
	AppliedPatterns []string   `json:"applied_patterns,omitempty"`
}

// HasPattern reports whether the pattern id was already applied to the entity.
func (e Entity) HasPattern(id string) bool {
	for _, applied := range e.AppliedPatterns {
		if applied == id {
			return true
		}
	}
	return false
}
