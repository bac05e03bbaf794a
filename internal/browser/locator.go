package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"chatpilot/internal/config"
)

// staleRetries bounds transparent re-resolution of a chain after a stale
// reference before ErrNotFound surfaces.
const staleRetries = 3

// Handle is a live reference to a resolved DOM element. Operations may fail
// with a stale error at any time; use Locator.Do to absorb that.
type Handle interface {
	Text() (string, error)
	Visible() (bool, error)
	Click() error
	ClickJS() error
	Input(text string) error
	Clear() error
	PressEnter() error
	Attribute(name string) (string, bool, error)
	// ClosestAttribute walks up to the nearest ancestor carrying name and
	// returns its value.
	ClosestAttribute(name string) (string, bool, error)
}

// Locator resolves a logical selector chain into a live handle. One
// implementation exists per automation binding; everything above this
// interface is driver-free.
type Locator interface {
	// Locate tries each selector in order and returns the first visible hit.
	Locate(ctx context.Context, chain config.Chain) (Handle, error)
	// LocateAll returns every visible hit of the first selector that matches
	// anything.
	LocateAll(ctx context.Context, chain config.Chain) ([]Handle, error)
	// Do resolves the chain and runs fn against the handle, re-resolving and
	// retrying when the element goes stale mid-operation.
	Do(ctx context.Context, chain config.Chain, fn func(Handle) error) error
}

// PageLocator is the rod binding of Locator.
type PageLocator struct {
	page *rod.Page
	log  *zap.Logger
}

// NewPageLocator wraps a rod page.
func NewPageLocator(page *rod.Page, log *zap.Logger) *PageLocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageLocator{page: page, log: log}
}

// Locate implements Locator.
func (l *PageLocator) Locate(ctx context.Context, chain config.Chain) (Handle, error) {
	for attempt := 0; attempt <= staleRetries; attempt++ {
		h, err := l.locateOnce(ctx, chain)
		if err == nil {
			return h, nil
		}
		if !IsStale(err) {
			return nil, err
		}
		l.log.Debug("stale reference during locate, re-resolving",
			zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("chain kept going stale after %d retries: %w", staleRetries, ErrNotFound)
}

func (l *PageLocator) locateOnce(ctx context.Context, chain config.Chain) (Handle, error) {
	page := l.page.Context(ctx)
	for _, sel := range chain {
		el, err := l.resolve(page, sel)
		if err != nil {
			if IsStale(err) {
				return nil, err
			}
			l.log.Debug("selector failed, trying next",
				zap.String("by", sel.By), zap.String("value", sel.Value), zap.Error(err))
			continue
		}
		if el == nil {
			continue
		}
		visible, err := el.Visible()
		if err != nil {
			if IsStale(err) {
				return nil, err
			}
			continue
		}
		if !visible {
			continue
		}
		l.log.Debug("selector resolved",
			zap.String("by", sel.By), zap.String("value", sel.Value))
		return &rodHandle{el: el}, nil
	}
	return nil, ErrNotFound
}

// LocateAll implements Locator.
func (l *PageLocator) LocateAll(ctx context.Context, chain config.Chain) ([]Handle, error) {
	page := l.page.Context(ctx)
	for _, sel := range chain {
		els, err := l.resolveAll(page, sel)
		if err != nil || len(els) == 0 {
			continue
		}
		handles := make([]Handle, 0, len(els))
		for _, el := range els {
			if visible, err := el.Visible(); err == nil && visible {
				handles = append(handles, &rodHandle{el: el})
			}
		}
		if len(handles) > 0 {
			return handles, nil
		}
	}
	return nil, ErrNotFound
}

// Do implements Locator.
func (l *PageLocator) Do(ctx context.Context, chain config.Chain, fn func(Handle) error) error {
	var lastErr error
	for attempt := 0; attempt <= staleRetries; attempt++ {
		h, err := l.Locate(ctx, chain)
		if err != nil {
			return err
		}
		if err := fn(h); err != nil {
			if IsStale(err) {
				lastErr = err
				l.log.Debug("handle went stale mid-operation, re-resolving",
					zap.Int("attempt", attempt+1))
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("operation kept hitting stale references: %w", lastErr)
}

// resolve maps one selector strategy to a rod lookup. Has/HasX probe the
// current DOM without waiting, which is what a chain scan needs.
func (l *PageLocator) resolve(page *rod.Page, sel config.Selector) (*rod.Element, error) {
	switch sel.By {
	case "css":
		ok, el, err := page.Has(sel.Value)
		if err != nil || !ok {
			return nil, err
		}
		return el, nil
	case "id":
		ok, el, err := page.Has(fmt.Sprintf("[id=%q]", sel.Value))
		if err != nil || !ok {
			return nil, err
		}
		return el, nil
	case "xpath":
		ok, el, err := page.HasX(sel.Value)
		if err != nil || !ok {
			return nil, err
		}
		return el, nil
	case "text":
		ok, el, err := page.HasX(fmt.Sprintf("//*[contains(text(), %s)]", xpathLiteral(sel.Value)))
		if err != nil || !ok {
			return nil, err
		}
		return el, nil
	default:
		return nil, fmt.Errorf("unknown selector strategy %q", sel.By)
	}
}

func (l *PageLocator) resolveAll(page *rod.Page, sel config.Selector) (rod.Elements, error) {
	switch sel.By {
	case "css":
		return page.Elements(sel.Value)
	case "id":
		return page.Elements(fmt.Sprintf("[id=%q]", sel.Value))
	case "xpath":
		return page.ElementsX(sel.Value)
	case "text":
		return page.ElementsX(fmt.Sprintf("//*[contains(text(), %s)]", xpathLiteral(sel.Value)))
	default:
		return nil, fmt.Errorf("unknown selector strategy %q", sel.By)
	}
}

// xpathLiteral quotes s for embedding in an XPath expression. XPath 1.0 has
// no escape sequence, so strings containing both quote kinds need concat().
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// rodHandle adapts *rod.Element to Handle.
type rodHandle struct {
	el *rod.Element
}

func (h *rodHandle) Text() (string, error) {
	return h.el.Text()
}

func (h *rodHandle) Visible() (bool, error) {
	return h.el.Visible()
}

func (h *rodHandle) Click() error {
	return h.el.Click(proto.InputMouseButtonLeft, 1)
}

// ClickJS dispatches a programmatic click, bypassing hit-testing. Used when
// the standard click fails because an overlay intercepts the pointer.
func (h *rodHandle) ClickJS() error {
	_, err := h.el.Eval(`() => this.click()`)
	return err
}

func (h *rodHandle) Input(text string) error {
	return h.el.Input(text)
}

func (h *rodHandle) Clear() error {
	if err := h.el.SelectAllText(); err != nil {
		return err
	}
	return h.el.Input("")
}

func (h *rodHandle) PressEnter() error {
	return h.el.Type(input.Enter)
}

func (h *rodHandle) Attribute(name string) (string, bool, error) {
	val, err := h.el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if val == nil {
		return "", false, nil
	}
	return *val, true, nil
}

func (h *rodHandle) ClosestAttribute(name string) (string, bool, error) {
	res, err := h.el.Eval(`(attr) => {
		const container = this.closest('[' + CSS.escape(attr) + ']')
		return container ? container.getAttribute(attr) : null
	}`, name)
	if err != nil {
		return "", false, err
	}
	if res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}
