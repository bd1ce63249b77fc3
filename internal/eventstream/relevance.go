package eventstream

import (
	"math"
	"time"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// baseRelevance is the goal independent importance of each kind.
var baseRelevance = map[Kind]float64{
	KindError:       0.9,
	KindInteraction: 0.8,
	KindNavigation:  0.7,
	KindDOM:         0.6,
	KindIntent:      0.5,
	KindNetwork:     0.4,
	KindLog:         0.2,
}

// affinity scales kinds by how much they matter to a goal type. Missing
// entries default to 1.
var affinity = map[schemas.IntentType]map[Kind]float64{
	schemas.IntentNavigation: {
		KindNavigation: 1.3, KindNetwork: 1.3, KindDOM: 0.8, KindInteraction: 0.7,
	},
	schemas.IntentFormFill: {
		KindInteraction: 1.2, KindError: 1.1, KindDOM: 1.0, KindNetwork: 0.8, KindLog: 0.5,
	},
	schemas.IntentInteraction: {
		KindInteraction: 1.2, KindDOM: 1.1, KindNetwork: 0.7,
	},
	schemas.IntentExtraction: {
		KindDOM: 1.3, KindNetwork: 1.2, KindInteraction: 0.6, KindNavigation: 0.8,
	},
	schemas.IntentSearch: {
		KindInteraction: 1.1, KindDOM: 1.2, KindNetwork: 1.1,
	},
}

// halfLife is the age at which an event's relevance has decayed by half.
const halfLife = 2 * time.Minute

// Relevance scores an event for a consumer with the given goal type, in [0,1].
// Errors never decay below their base score; everything else halves every
// halfLife.
func Relevance(e Event, goal schemas.IntentType, now time.Time) float64 {
	base, ok := baseRelevance[e.Kind]
	if !ok {
		base = 0.5
	}
	mult := 1.0
	if m, ok := affinity[goal][e.Kind]; ok {
		mult = m
	}
	score := base * mult

	if e.Kind != KindError {
		if age := now.Sub(e.Timestamp); age > 0 {
			score *= math.Pow(0.5, float64(age)/float64(halfLife))
		}
	}
	return math.Max(0, math.Min(1, score))
}
