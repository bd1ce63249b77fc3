// internal/surface/events.go
package surface

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/internal/eventstream"
)

// networkQuietPeriod is how long no request may be in flight before the
// network counts as idle.
const networkQuietPeriod = 500 * time.Millisecond

// listener tracks in-flight requests and forwards console and network
// activity to the event stream.
type listener struct {
	events *eventstream.Stream
	logger *zap.Logger

	mu         sync.Mutex
	inflight   map[network.RequestID]string
	lastActive time.Time
	now        func() time.Time
}

func newListener(events *eventstream.Stream, logger *zap.Logger) *listener {
	return &listener{
		events:     events,
		logger:     logger,
		inflight:   make(map[network.RequestID]string),
		lastActive: time.Now(),
		now:        time.Now,
	}
}

// enable turns on the protocol domains the listener consumes.
func (l *listener) enable() chromedp.Action {
	return chromedp.Tasks{network.Enable(), runtime.Enable()}
}

func (l *listener) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		url := ""
		if e.Request != nil {
			url = e.Request.URL
		}
		l.mu.Lock()
		l.inflight[e.RequestID] = url
		l.lastActive = l.now()
		l.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Response != nil {
			l.emitNetwork(e.Response)
		}
	case *network.EventLoadingFinished:
		l.settle(e.RequestID)
	case *network.EventLoadingFailed:
		url := l.settle(e.RequestID)
		if !e.Canceled {
			l.emit(eventstream.CategoryNetwork, eventstream.KindError, "Request failed: "+e.ErrorText,
				map[string]any{"url": url, "error": e.ErrorText})
		}
	case *runtime.EventConsoleAPICalled:
		kind := eventstream.KindLog
		if e.Type == runtime.APITypeError || e.Type == runtime.APITypeAssert {
			kind = eventstream.KindError
		}
		l.emit(eventstream.CategoryConsole, kind, consoleText(e.Args), map[string]any{"level": string(e.Type)})
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails == nil {
			return
		}
		text := e.ExceptionDetails.Text
		if exc := e.ExceptionDetails.Exception; exc != nil && exc.Description != "" {
			text = exc.Description
		}
		l.emit(eventstream.CategoryConsole, eventstream.KindError, text, map[string]any{"level": "exception"})
	}
}

func (l *listener) settle(id network.RequestID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	url := l.inflight[id]
	delete(l.inflight, id)
	l.lastActive = l.now()
	return url
}

// idleFor reports whether nothing has been in flight for at least d.
func (l *listener) idleFor(d time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight) == 0 && l.now().Sub(l.lastActive) >= d
}

func (l *listener) emitNetwork(resp *network.Response) {
	kind := eventstream.KindNetwork
	if resp.Status >= 400 {
		kind = eventstream.KindError
	}
	l.emit(eventstream.CategoryNetwork, kind, fmt.Sprintf("%d %s", resp.Status, resp.URL),
		map[string]any{"url": resp.URL, "status": resp.Status, "mime_type": resp.MimeType})
}

func (l *listener) emit(cat eventstream.Category, kind eventstream.Kind, msg string, data map[string]any) {
	if l.events == nil {
		return
	}
	l.events.Emit(eventstream.Event{
		Category: cat,
		Kind:     kind,
		Source:   "surface",
		Message:  msg,
		Data:     data,
	})
}

// consoleText joins console arguments the way the console prints them.
func consoleText(args []*runtime.RemoteObject) string {
	var sb strings.Builder
	for i, arg := range args {
		if arg == nil {
			continue
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		var val interface{}
		switch {
		case arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil:
			fmt.Fprintf(&sb, "%v", val)
		case arg.Description != "":
			sb.WriteString(arg.Description)
		default:
			fmt.Fprintf(&sb, "[%s]", arg.Type)
		}
	}
	return sb.String()
}
