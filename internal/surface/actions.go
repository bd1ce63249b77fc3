// internal/surface/actions.go
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// evalOpts returns values by value, awaits promises and keeps exceptions out
// of the page console.
func evalOpts(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
}

// Navigate loads url and waits for the load event.
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("%w: empty url", schemas.ErrValidation)
	}
	c.logger.Debug("Navigating.", zap.String("url", url))
	navCtx, cancel := context.WithTimeout(ctx, c.cfg.NavigationTimeout)
	defer cancel()
	if err := c.run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// present fails with ErrStaleTarget when the handle no longer resolves. The
// query actions would otherwise wait for the node until the deadline.
func (c *Chrome) present(ctx context.Context, target schemas.ResolvedElement) (string, error) {
	if target.Handle == "" {
		return "", fmt.Errorf("%w: empty handle", schemas.ErrValidation)
	}
	sel := selectorFor(target.Handle)
	var found bool
	if err := c.run(ctx, chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s) !== null", jsString(sel)), &found)); err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s is no longer on the page", schemas.ErrStaleTarget, target.Handle)
	}
	return sel, nil
}

// Click scrolls the target into view and clicks its center.
func (c *Chrome) Click(ctx context.Context, target schemas.ResolvedElement) error {
	sel, err := c.present(ctx, target)
	if err != nil {
		return err
	}
	return c.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible),
	)
}

// Type replaces the target's value with text, typed key by key.
func (c *Chrome) Type(ctx context.Context, target schemas.ResolvedElement, text string) error {
	sel, err := c.present(ctx, target)
	if err != nil {
		return err
	}
	return c.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.SetValue(sel, "", chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	)
}

// PressKey sends a key or a modifier chord such as "Control+a" to the
// focused element.
func (c *Chrome) PressKey(ctx context.Context, key string) error {
	keys, mods, err := parseKey(key)
	if err != nil {
		return err
	}
	var opts []chromedp.KeyOption
	if len(mods) > 0 {
		opts = append(opts, chromedp.KeyModifiers(mods...))
	}
	return c.run(ctx, chromedp.KeyEvent(keys, opts...))
}

// Hover moves the pointer to the target's center.
func (c *Chrome) Hover(ctx context.Context, target schemas.ResolvedElement) error {
	sel, err := c.present(ctx, target)
	if err != nil {
		return err
	}
	var pt struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  el.scrollIntoView({block: 'center', inline: 'center'});
  const r = el.getBoundingClientRect();
  return {x: r.left + r.width / 2, y: r.top + r.height / 2};
})()`, jsString(sel))
	return c.run(ctx,
		chromedp.Evaluate(script, &pt, evalOpts),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, pt.X, pt.Y).Do(ctx)
		}),
	)
}

// Select picks the option whose value or visible text equals value.
func (c *Chrome) Select(ctx context.Context, target schemas.ResolvedElement, value string) error {
	sel, err := c.present(ctx, target)
	if err != nil {
		return err
	}
	var outcome string
	if err := c.run(ctx, chromedp.Evaluate(selectScript(sel, value), &outcome, evalOpts)); err != nil {
		return err
	}
	switch outcome {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("%w: %s is no longer on the page", schemas.ErrStaleTarget, target.Handle)
	default:
		return fmt.Errorf("%w: %s has no option %q", schemas.ErrValidation, target.Handle, value)
	}
}

func selectScript(sel, value string) string {
	return fmt.Sprintf(`((sel, want) => {
  const el = document.querySelector(sel);
  if (!el) return 'missing';
  const norm = s => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
  const opts = Array.from(el.options || []);
  const opt = opts.find(o => o.value === want) || opts.find(o => norm(o.text) === norm(want));
  if (!opt) return 'no-option';
  el.value = opt.value;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
  return 'ok';
})(%s, %s)`, jsString(sel), jsString(value))
}

// Scroll moves the viewport by amount pixels, or to an edge for "top" and
// "bottom".
func (c *Chrome) Scroll(ctx context.Context, direction string, amount int) error {
	script, err := scrollScript(direction, amount)
	if err != nil {
		return err
	}
	_, err = c.Evaluate(ctx, script)
	return err
}

const defaultScrollAmount = 600

func scrollScript(direction string, amount int) (string, error) {
	if amount <= 0 {
		amount = defaultScrollAmount
	}
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "down", "":
		return fmt.Sprintf("window.scrollBy(0, %d)", amount), nil
	case "up":
		return fmt.Sprintf("window.scrollBy(0, -%d)", amount), nil
	case "right":
		return fmt.Sprintf("window.scrollBy(%d, 0)", amount), nil
	case "left":
		return fmt.Sprintf("window.scrollBy(-%d, 0)", amount), nil
	case "top":
		return "window.scrollTo(0, 0)", nil
	case "bottom":
		return "window.scrollTo(0, document.body.scrollHeight)", nil
	}
	return "", fmt.Errorf("%w: unknown scroll direction %q", schemas.ErrValidation, direction)
}

// Evaluate runs script in the page and returns its JSON-decoded value.
// undefined and null both come back as nil.
func (c *Chrome) Evaluate(ctx context.Context, script string) (any, error) {
	var res any
	err := c.run(ctx, chromedp.Evaluate(script, &res, evalOpts))
	if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Screenshot captures the viewport as PNG.
func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// CurrentURL returns the tab's location.
func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := c.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// WaitForCondition polls until cond holds or timeout elapses. Evaluation
// errors other than a lost session are retried on the next tick.
func (c *Chrome) WaitForCondition(ctx context.Context, cond schemas.Condition, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.NavigationTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		ok, err := c.check(waitCtx, cond)
		switch {
		case err == nil && ok:
			return nil
		case errors.Is(err, schemas.ErrSessionLost), errors.Is(err, schemas.ErrValidation):
			return err
		case err != nil:
			lastErr = err
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if lastErr != nil {
				return fmt.Errorf("%w: %s %q not met within %s (last error: %v)", schemas.ErrTimeout, cond.Kind, cond.Value, timeout, lastErr)
			}
			return fmt.Errorf("%w: %s %q not met within %s", schemas.ErrTimeout, cond.Kind, cond.Value, timeout)
		case <-ticker.C:
		}
	}
}

func (c *Chrome) check(ctx context.Context, cond schemas.Condition) (bool, error) {
	switch cond.Kind {
	case schemas.ConditionURLMatches:
		url, err := c.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return urlMatches(url, cond.Value), nil
	case schemas.ConditionNetworkIdle:
		var ready bool
		if err := c.run(ctx, chromedp.Evaluate(`document.readyState === 'complete'`, &ready)); err != nil {
			return false, err
		}
		return ready && c.listener.idleFor(networkQuietPeriod), nil
	case schemas.ConditionElementVisible, schemas.ConditionTextPresent:
		var ok bool
		if err := c.run(ctx, chromedp.Evaluate(conditionScript(cond), &ok, evalOpts)); err != nil {
			return false, err
		}
		return ok, nil
	}
	return false, fmt.Errorf("%w: unsupported condition %q", schemas.ErrValidation, cond.Kind)
}

// urlMatches accepts a substring or a regular expression.
func urlMatches(url, pattern string) bool {
	if pattern == "" {
		return false
	}
	if strings.Contains(url, pattern) {
		return true
	}
	re, err := regexp.Compile(pattern)
	return err == nil && re.MatchString(url)
}

// conditionScript builds the predicate for element and text conditions. An
// element condition accepts a CSS selector or, failing that, visible text or
// a label of the element.
func conditionScript(cond schemas.Condition) string {
	if cond.Kind == schemas.ConditionTextPresent {
		return fmt.Sprintf(`((want) => (document.body ? document.body.innerText : '').toLowerCase().includes(want.toLowerCase()))(%s)`,
			jsString(cond.Value))
	}
	return fmt.Sprintf(`((want) => {
  const visible = el => {
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.display !== 'none' && s.visibility !== 'hidden';
  };
  try {
    const el = document.querySelector(want);
    if (el) return visible(el);
  } catch (e) {}
  const needle = want.toLowerCase();
  for (const el of document.querySelectorAll('body *')) {
    const label = [el.getAttribute('aria-label'), el.getAttribute('data-testid'), el.getAttribute('title'), el.children.length === 0 ? el.innerText : '']
      .filter(Boolean).join(' ').toLowerCase();
    if (label.includes(needle) && visible(el)) return true;
  }
  return false;
})(%s)`, jsString(cond.Value))
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
