package browser

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chatpilot/internal/config"
)

// Composer types prompts into the chat input and drives the submit and
// regenerate controls. It only knows selector chains; the Locator absorbs
// stale references underneath it. Chains are read through the live config
// so selector edits apply to the next operation.
type Composer struct {
	loc  Locator
	live *config.Live
	log  *zap.Logger
}

// NewComposer builds a Composer over a locator.
func NewComposer(loc Locator, live *config.Live, log *zap.Logger) *Composer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composer{loc: loc, live: live, log: log}
}

func (c *Composer) site() config.SiteConfig {
	return c.live.Get().Site
}

// SubmitPrompt clears the input, types message, and fires submission.
// Submission falls through three strategies: click the submit control,
// programmatic click on it, then Enter in the input field. A failure of all
// three means the message likely never left the page.
func (c *Composer) SubmitPrompt(ctx context.Context, message string) error {
	site := c.site()
	err := c.loc.Do(ctx, site.PromptInput, func(h Handle) error {
		if err := h.Clear(); err != nil {
			return err
		}
		return h.Input(message)
	})
	if err != nil {
		return fmt.Errorf("type prompt: %w", err)
	}

	if err := c.clickSubmit(ctx, site.SubmitControl); err == nil {
		c.log.Debug("prompt submitted via submit control")
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		c.log.Debug("submit control click failed, falling back to enter", zap.Error(err))
	}

	err = c.loc.Do(ctx, site.PromptInput, func(h Handle) error {
		return h.PressEnter()
	})
	if err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	c.log.Debug("prompt submitted via enter key")
	return nil
}

func (c *Composer) clickSubmit(ctx context.Context, chain config.Chain) error {
	return c.loc.Do(ctx, chain, func(h Handle) error {
		if err := h.Click(); err == nil {
			return nil
		}
		return h.ClickJS()
	})
}

// ClickRegenerate finds and clicks the regenerate control. Returns
// ErrNotFound when the page offers none, which the recovery engine treats
// as reason to escalate to the fallback path.
func (c *Composer) ClickRegenerate(ctx context.Context) error {
	err := c.loc.Do(ctx, c.site().RegenerateControl, func(h Handle) error {
		if err := h.Click(); err == nil {
			return nil
		}
		return h.ClickJS()
	})
	if err != nil {
		return fmt.Errorf("click regenerate: %w", err)
	}
	c.log.Debug("regenerate clicked")
	return nil
}
