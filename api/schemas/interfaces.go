package schemas

import (
	"context"
	"time"
)

// -- Collaborator Interfaces --

// SemanticOracle provides natural-language understanding. Implementations may
// fail with ErrRateLimited or return partially malformed text; callers parse
// the raw output best-effort.
//
//go:generate mockery --name SemanticOracle --output ../../internal/mocks --outpkg mocks
type SemanticOracle interface {
	// Decompose returns structured (JSON-ish) intent data for a task.
	Decompose(ctx context.Context, task string, taskContext map[string]string) (string, error)
	// AnalyzeReference resolves a pronoun ("it", "that") against recent tasks.
	AnalyzeReference(ctx context.Context, pronoun string, history []string) (string, error)
	// RankCandidates scores snapshot candidates against a target description.
	RankCandidates(ctx context.Context, description string, candidates []Candidate) ([]Ranking, error)
}

// VisionOracle grounds a description in a screenshot.
//
//go:generate mockery --name VisionOracle --output ../../internal/mocks --outpkg mocks
type VisionOracle interface {
	Ground(ctx context.Context, image []byte, description string) ([]Region, error)
}

// ConditionKind enumerates what WaitForCondition can wait on.
type ConditionKind string

const (
	ConditionURLMatches     ConditionKind = "url_matches"
	ConditionElementVisible ConditionKind = "element_visible"
	ConditionTextPresent    ConditionKind = "text_present"
	ConditionNetworkIdle    ConditionKind = "network_idle"
)

// Condition is a predicate over the surface state.
type Condition struct {
	Kind  ConditionKind `json:"kind"`
	Value string        `json:"value"`
}

// SurfaceController provides low-level page control. Only the read-only
// queries (QueryElements, Screenshot, CurrentURL) are idempotent.
//
//go:generate mockery --name SurfaceController --output ../../internal/mocks --outpkg mocks
type SurfaceController interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, target ResolvedElement) error
	Type(ctx context.Context, target ResolvedElement, text string) error
	PressKey(ctx context.Context, key string) error
	Hover(ctx context.Context, target ResolvedElement) error
	Select(ctx context.Context, target ResolvedElement, value string) error
	Scroll(ctx context.Context, direction string, amount int) error
	Evaluate(ctx context.Context, script string) (any, error)
	QueryElements(ctx context.Context) (CandidateSet, error)
	Screenshot(ctx context.Context) ([]byte, error)
	WaitForCondition(ctx context.Context, cond Condition, timeout time.Duration) error
	CurrentURL(ctx context.Context) (string, error)
}

// IntentArchive persists completed intents. Values must already be redacted.
type IntentArchive interface {
	ArchiveIntent(ctx context.Context, intent *Intent, result *ExecutionResult) error
}
