package browser

import (
	"context"
	"fmt"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatpilot/internal/config"
)

// Session owns one Chrome instance and the single page the driver works in.
// The profile directory persists login cookies between runs, so the operator
// authenticates once by hand and every later run reuses the session.
type Session struct {
	ID       string
	cfg      config.BrowserConfig
	log      *zap.Logger
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
}

// NewSession launches (or attaches to) Chrome and opens a blank page.
func NewSession(cfg config.BrowserConfig, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		ID:  uuid.New().String(),
		cfg: cfg,
		log: log,
	}

	controlURL := cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().
			Headless(cfg.Headless).
			Leakless(true)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		if cfg.ProfileDir != "" {
			if err := os.MkdirAll(cfg.ProfileDir, 0755); err != nil {
				return nil, fmt.Errorf("create profile dir: %w", err)
			}
			l = l.UserDataDir(cfg.ProfileDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		s.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	s.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	s.page = page

	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  cfg.ViewportWidth,
			Height: cfg.ViewportHeight,
		})
		if err != nil {
			log.Warn("failed to set viewport", zap.Error(err))
		}
	}

	log.Info("browser session started",
		zap.String("session_id", s.ID),
		zap.Bool("headless", cfg.Headless))
	return s, nil
}

// Page returns the session's working page.
func (s *Session) Page() *rod.Page {
	return s.page
}

// Navigate loads url and waits for the DOM to settle.
func (s *Session) Navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout())
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait for %s to load: %w", url, err)
	}
	s.log.Info("navigated", zap.String("url", url))
	return nil
}

// Close shuts the browser down. Safe to call more than once.
func (s *Session) Close() error {
	var firstErr error
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			firstErr = err
		}
		s.browser = nil
	}
	if s.launcher != nil {
		s.launcher.Cleanup()
		s.launcher = nil
	}
	if firstErr != nil {
		s.log.Warn("browser close reported error", zap.Error(firstErr))
	} else {
		s.log.Info("browser session closed", zap.String("session_id", s.ID))
	}
	return firstErr
}
