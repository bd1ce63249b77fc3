// internal/surface/keys.go
package surface

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"up":         kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"down":       kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"left":       kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"right":      kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"space":      " ",
}

var modifierKeys = map[string]input.Modifier{
	"ctrl":    input.ModifierCtrl,
	"control": input.ModifierCtrl,
	"alt":     input.ModifierAlt,
	"option":  input.ModifierAlt,
	"shift":   input.ModifierShift,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
}

// parseKey splits a key spec such as "Enter" or "Control+a" into the key
// sequence and its modifiers.
func parseKey(spec string) (string, []input.Modifier, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", nil, fmt.Errorf("%w: empty key", schemas.ErrValidation)
	}
	key, modPart := spec, ""
	if i := strings.LastIndex(spec[:len(spec)-1], "+"); i >= 0 {
		modPart, key = spec[:i], spec[i+1:]
	}
	var mods []input.Modifier
	if modPart != "" {
		for _, p := range strings.Split(modPart, "+") {
			m, ok := modifierKeys[strings.ToLower(strings.TrimSpace(p))]
			if !ok {
				return "", nil, fmt.Errorf("%w: unknown modifier %q in %q", schemas.ErrValidation, p, spec)
			}
			mods = append(mods, m)
		}
	}
	if named, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return named, mods, nil
	}
	if len([]rune(key)) != 1 {
		return "", nil, fmt.Errorf("%w: unknown key %q", schemas.ErrValidation, key)
	}
	return key, mods, nil
}
