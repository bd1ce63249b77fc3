// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Cache() config.CacheConfig {
	args := m.Called()
	return args.Get(0).(config.CacheConfig)
}

func (m *MockConfig) Backoff() config.BackoffConfig {
	args := m.Called()
	return args.Get(0).(config.BackoffConfig)
}

func (m *MockConfig) Resolver() config.ResolverConfig {
	args := m.Called()
	return args.Get(0).(config.ResolverConfig)
}

func (m *MockConfig) Orchestrator() config.OrchestratorConfig {
	args := m.Called()
	return args.Get(0).(config.OrchestratorConfig)
}

func (m *MockConfig) Events() config.EventsConfig {
	args := m.Called()
	return args.Get(0).(config.EventsConfig)
}

func (m *MockConfig) Intent() config.IntentConfig {
	args := m.Called()
	return args.Get(0).(config.IntentConfig)
}

func (m *MockConfig) Oracle() config.OracleConfig {
	args := m.Called()
	return args.Get(0).(config.OracleConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetOrchestratorTaskTimeout(d time.Duration) {
	m.Called(d)
}

// -- Oracle Mocks --

// MockSemanticOracle mocks schemas.SemanticOracle.
type MockSemanticOracle struct {
	mock.Mock
}

func (m *MockSemanticOracle) Decompose(ctx context.Context, task string, taskContext map[string]string) (string, error) {
	args := m.Called(ctx, task, taskContext)
	return args.String(0), args.Error(1)
}

func (m *MockSemanticOracle) AnalyzeReference(ctx context.Context, pronoun string, history []string) (string, error) {
	args := m.Called(ctx, pronoun, history)
	return args.String(0), args.Error(1)
}

func (m *MockSemanticOracle) RankCandidates(ctx context.Context, description string, candidates []schemas.Candidate) ([]schemas.Ranking, error) {
	args := m.Called(ctx, description, candidates)
	var rankings []schemas.Ranking
	if r := args.Get(0); r != nil {
		rankings = r.([]schemas.Ranking)
	}
	return rankings, args.Error(1)
}

// MockVisionOracle mocks schemas.VisionOracle.
type MockVisionOracle struct {
	mock.Mock
}

func (m *MockVisionOracle) Ground(ctx context.Context, image []byte, description string) ([]schemas.Region, error) {
	args := m.Called(ctx, image, description)
	var regions []schemas.Region
	if r := args.Get(0); r != nil {
		regions = r.([]schemas.Region)
	}
	return regions, args.Error(1)
}

// -- Surface Mock --

// MockSurfaceController mocks schemas.SurfaceController. Every call is also
// appended to a journal so tests can assert on ordering across goroutines.
type MockSurfaceController struct {
	mock.Mock

	mu      sync.Mutex
	journal []Call
}

// Call is one recorded surface invocation.
type Call struct {
	Method string
	Arg    string
	Start  time.Time
	End    time.Time
}

func (m *MockSurfaceController) record(method, arg string, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, Call{Method: method, Arg: arg, Start: start, End: time.Now()})
}

// Journal returns a copy of the recorded calls in completion order.
func (m *MockSurfaceController) Journal() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.journal))
	copy(out, m.journal)
	return out
}

func (m *MockSurfaceController) Navigate(ctx context.Context, url string) error {
	start := time.Now()
	defer m.record("Navigate", url, start)
	return m.Called(ctx, url).Error(0)
}

func (m *MockSurfaceController) Click(ctx context.Context, target schemas.ResolvedElement) error {
	start := time.Now()
	defer m.record("Click", target.Handle, start)
	return m.Called(ctx, target).Error(0)
}

func (m *MockSurfaceController) Type(ctx context.Context, target schemas.ResolvedElement, text string) error {
	start := time.Now()
	defer m.record("Type", target.Handle, start)
	return m.Called(ctx, target, text).Error(0)
}

func (m *MockSurfaceController) PressKey(ctx context.Context, key string) error {
	start := time.Now()
	defer m.record("PressKey", key, start)
	return m.Called(ctx, key).Error(0)
}

func (m *MockSurfaceController) Hover(ctx context.Context, target schemas.ResolvedElement) error {
	start := time.Now()
	defer m.record("Hover", target.Handle, start)
	return m.Called(ctx, target).Error(0)
}

func (m *MockSurfaceController) Select(ctx context.Context, target schemas.ResolvedElement, value string) error {
	start := time.Now()
	defer m.record("Select", target.Handle, start)
	return m.Called(ctx, target, value).Error(0)
}

func (m *MockSurfaceController) Scroll(ctx context.Context, direction string, amount int) error {
	start := time.Now()
	defer m.record("Scroll", direction, start)
	return m.Called(ctx, direction, amount).Error(0)
}

func (m *MockSurfaceController) Evaluate(ctx context.Context, script string) (any, error) {
	start := time.Now()
	defer m.record("Evaluate", script, start)
	args := m.Called(ctx, script)
	return args.Get(0), args.Error(1)
}

func (m *MockSurfaceController) QueryElements(ctx context.Context) (schemas.CandidateSet, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.CandidateSet), args.Error(1)
}

func (m *MockSurfaceController) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	var img []byte
	if b := args.Get(0); b != nil {
		img = b.([]byte)
	}
	return img, args.Error(1)
}

func (m *MockSurfaceController) WaitForCondition(ctx context.Context, cond schemas.Condition, timeout time.Duration) error {
	return m.Called(ctx, cond, timeout).Error(0)
}

func (m *MockSurfaceController) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// -- Archive Mock --

// MockIntentArchive mocks schemas.IntentArchive.
type MockIntentArchive struct {
	mock.Mock
}

func (m *MockIntentArchive) ArchiveIntent(ctx context.Context, intent *schemas.Intent, result *schemas.ExecutionResult) error {
	return m.Called(ctx, intent, result).Error(0)
}

var (
	_ config.Interface          = (*MockConfig)(nil)
	_ schemas.SemanticOracle    = (*MockSemanticOracle)(nil)
	_ schemas.VisionOracle      = (*MockVisionOracle)(nil)
	_ schemas.SurfaceController = (*MockSurfaceController)(nil)
	_ schemas.IntentArchive     = (*MockIntentArchive)(nil)
)
