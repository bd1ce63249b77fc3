package surface

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/eventstream"
	"github.com/xkilldash9x/pilot-cli/internal/perception"
)

// hasOption inspects an option's printed form, which is enough to tell flags
// apart without launching a browser.
func hasOption(opts []chromedp.ExecAllocatorOption, substring string) bool {
	for _, opt := range opts {
		if strings.Contains(fmt.Sprintf("%#v", opt), substring) {
			return true
		}
	}
	return false
}

func TestAllocatorOptions(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Headless: true})
		assert.NotEmpty(t, opts)
		assert.False(t, hasOption(opts, "ignore-certificate-errors"))
	})

	t.Run("IgnoreTLSErrors", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{IgnoreTLSErrors: true})
		assert.True(t, hasOption(opts, "ignore-certificate-errors"))
	})

	t.Run("CustomArgs", func(t *testing.T) {
		base := len(AllocatorOptions(config.BrowserConfig{}))
		opts := AllocatorOptions(config.BrowserConfig{Args: []string{"--lang=de", "--mute-audio", "--"}})
		assert.Len(t, opts, base+2, "empty flags are skipped")
	})

	t.Run("Viewport", func(t *testing.T) {
		base := len(AllocatorOptions(config.BrowserConfig{}))
		assert.Len(t, AllocatorOptions(config.BrowserConfig{Viewport: map[string]int{"width": 1280, "height": 720}}), base+1)
		assert.Len(t, AllocatorOptions(config.BrowserConfig{Viewport: map[string]int{"width": 1280}}), base)
	})
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		spec string
		key  string
		mods []input.Modifier
	}{
		{"Enter", kb.Enter, nil},
		{" escape ", kb.Escape, nil},
		{"a", "a", nil},
		{"Control+a", "a", []input.Modifier{input.ModifierCtrl}},
		{"Ctrl+Shift+Tab", kb.Tab, []input.Modifier{input.ModifierCtrl, input.ModifierShift}},
		{"+", "+", nil},
		{"Control++", "+", []input.Modifier{input.ModifierCtrl}},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			key, mods, err := parseKey(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.mods, mods)
		})
	}

	for _, bad := range []string{"", "Hyper+a", "NotAKey"} {
		_, _, err := parseKey(bad)
		assert.ErrorIs(t, err, schemas.ErrValidation, bad)
	}
}

func TestScrollScript(t *testing.T) {
	s, err := scrollScript("down", 0)
	require.NoError(t, err)
	assert.Equal(t, "window.scrollBy(0, 600)", s)

	s, err = scrollScript("UP", 250)
	require.NoError(t, err)
	assert.Equal(t, "window.scrollBy(0, -250)", s)

	s, err = scrollScript("bottom", 10)
	require.NoError(t, err)
	assert.Contains(t, s, "scrollTo")

	_, err = scrollScript("sideways", 10)
	assert.ErrorIs(t, err, schemas.ErrValidation)
}

func TestURLMatches(t *testing.T) {
	assert.True(t, urlMatches("https://shop.example/cart?x=1", "/cart"))
	assert.True(t, urlMatches("https://shop.example/orders/42", `/orders/\d+$`))
	assert.False(t, urlMatches("https://shop.example/", "/cart"))
	assert.False(t, urlMatches("https://shop.example/", ""))
	assert.False(t, urlMatches("https://shop.example/", "[unclosed"))
}

func TestSelectorFor_EscapesHandle(t *testing.T) {
	assert.Equal(t, `[data-pilot-id="id:login"]`, selectorFor("id:login"))
	assert.Equal(t, `[data-pilot-id="a\"b\\c"]`, selectorFor(`a"b\c`))
}

func TestScripts_QuoteValues(t *testing.T) {
	script := conditionScript(schemas.Condition{Kind: schemas.ConditionTextPresent, Value: `it's "done"`})
	assert.Contains(t, script, `"it's \"done\""`)

	script = conditionScript(schemas.Condition{Kind: schemas.ConditionElementVisible, Value: "#results"})
	assert.Contains(t, script, `querySelector(want)`)
	assert.Contains(t, script, `("#results")`)

	assert.Contains(t, selectScript(selectorFor("id:country"), "Germany"), `"Germany"`)
	assert.Contains(t, snapshotScript, HandleAttribute)
}

func TestReports_FuseIntoCandidates(t *testing.T) {
	nodes := []domNode{
		{ID: "id:q", Tag: "input", Attrs: map[string]string{"type": "search", "placeholder": "Search"}, X: 10, Y: 10, W: 200, H: 30, Visible: true, Enabled: true},
		{ID: "node:1", Tag: "p", Text: "Welcome back", X: 10, Y: 60, W: 300, H: 20, Visible: true, Enabled: true},
		{ID: "node:2", Tag: "div", Text: "Go", Attrs: map[string]string{"role": "button"}, X: 220, Y: 10, W: 40, H: 30, Visible: true, Enabled: true, Interactive: true},
	}

	rs := reports(nodes)
	require.Len(t, rs, 2)
	assert.Len(t, rs[0].Candidates, 3)
	require.Len(t, rs[1].Candidates, 2, "text-only paragraph has no accessibility node")
	assert.Equal(t, "Search", rs[1].Candidates[0].Text, "accessible name comes from the placeholder")

	set := perception.NewFuser(zap.NewNop()).Fuse("https://example.com", rs...)
	require.Len(t, set.Candidates, 3)
	q, ok := set.ByID("id:q")
	require.True(t, ok)
	assert.Equal(t, "searchbox", q.Role)
	assert.True(t, q.Interactive)
	assert.Contains(t, q.Sources, schemas.SourceDOM)
	assert.Contains(t, q.Sources, schemas.SourceAccessibility)

	p, _ := set.ByID("node:1")
	assert.False(t, p.Interactive)
	assert.NotEmpty(t, set.Fingerprint)
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("could not find node with given id (-32000)"), schemas.ErrStaleTarget},
		{errors.New("Node is detached from document"), schemas.ErrStaleTarget},
		{errors.New("target closed"), schemas.ErrSessionLost},
		{&runtime.ExceptionDetails{Text: "Uncaught"}, schemas.ErrValidation},
		{errors.New("something odd"), schemas.ErrTransient},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, classifyMessage(tt.err), tt.want, tt.err.Error())
	}
}

func TestListener_ForwardsEvents(t *testing.T) {
	stream := eventstream.New(zap.NewNop(), eventstream.DefaultConfig())
	t.Cleanup(stream.Close)
	l := newListener(stream, zap.NewNop())

	l.handle(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeError,
		Args: []*runtime.RemoteObject{{Type: "string", Value: []byte(`"boom"`)}, {Type: "number", Value: []byte(`42`)}},
	})
	l.handle(&runtime.EventExceptionThrown{ExceptionDetails: &runtime.ExceptionDetails{
		Text: "Uncaught", Exception: &runtime.RemoteObject{Description: "TypeError: x is undefined"},
	}})
	l.handle(&network.EventResponseReceived{Response: &network.Response{URL: "https://example.com/api", Status: 500}})

	console := stream.Recent(eventstream.CategoryConsole, 0)
	require.Len(t, console, 2)
	assert.Equal(t, "TypeError: x is undefined", console[0].Message)
	assert.Equal(t, "boom 42", console[1].Message)
	assert.Equal(t, eventstream.KindError, console[1].Kind)

	netEvents := stream.Recent(eventstream.CategoryNetwork, 0)
	require.Len(t, netEvents, 1)
	assert.Equal(t, eventstream.KindError, netEvents[0].Kind)
	assert.Equal(t, "surface", netEvents[0].Source)
}

func TestListener_NetworkIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newListener(nil, zap.NewNop())
	l.now = func() time.Time { return now }
	l.lastActive = now

	l.handle(&network.EventRequestWillBeSent{RequestID: "r1", Request: &network.Request{URL: "https://example.com/a"}})
	now = now.Add(time.Second)
	assert.False(t, l.idleFor(networkQuietPeriod), "request in flight")

	l.handle(&network.EventLoadingFailed{RequestID: "r1", ErrorText: "net::ERR_ABORTED", Canceled: true})
	assert.False(t, l.idleFor(networkQuietPeriod), "quiet period has not elapsed")

	now = now.Add(networkQuietPeriod)
	assert.True(t, l.idleFor(networkQuietPeriod))
}
