package driver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
)

// hideAutomationScript runs before every document load. The portal's
// bot detection checks navigator.webdriver and a couple of chrome-only
// globals; a headless session without these gets a captcha wall.
const hideAutomationScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
window.chrome = window.chrome || { runtime: {} };
Object.defineProperty(navigator, 'languages', { get: () => ['es-CL', 'es'] });
`

// session owns one browser for the lifetime of one order. Nothing is shared
// between invocations: no cookies, no storage, no network state.
type session struct {
	ctx           context.Context
	cancels       []context.CancelFunc
	config        *common.BrowserConfig
	screenshotDir string
	logger        arbor.ILogger
}

// newSession launches a fresh browser with the portal emulation profile.
func newSession(parent context.Context, config *common.BrowserConfig, screenshotDir string, logger arbor.ILogger) (*session, error) {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("lang", config.Locale),
		chromedp.WindowSize(1366, 768),
		chromedp.UserAgent(config.UserAgent),
	)
	if config.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(config.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &session{
		ctx:           browserCtx,
		cancels:       []context.CancelFunc{browserCancel, allocCancel},
		config:        config,
		screenshotDir: screenshotDir,
		logger:        logger,
	}

	init := chromedp.Tasks{
		chromedp.EmulateViewport(1366, 768),
		emulation.SetTimezoneOverride(config.Timezone),
		emulation.SetLocaleOverride().WithLocale(config.Locale),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideAutomationScript).Do(ctx)
			return err
		}),
	}

	startCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx, init); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to start browser session: %w", err)
	}

	return s, nil
}

func (s *session) close() {
	for _, cancel := range s.cancels {
		cancel()
	}
}

// pace applies the optional slow-mo delay between portal interactions.
func (s *session) pace() {
	if s.config.SlowMo > 0 {
		time.Sleep(s.config.SlowMo)
	}
}

func (s *session) stepTimeout() time.Duration {
	if s.config.StepTimeout > 0 {
		return s.config.StepTimeout
	}
	return 60 * time.Second
}

// navigate loads a URL, retrying transient failures up to 3 times.
func (s *session) navigate(url string) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, s.stepTimeout())
		err := chromedp.Run(ctx, chromedp.Navigate(url))
		cancel()
		if err == nil {
			s.pace()
			return nil
		}
		lastErr = err
		s.logger.Warn().
			Err(err).
			Str("url", url).
			Int("attempt", attempt).
			Msg("Navigation failed, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("navigation to %s failed after 3 attempts: %w", url, lastErr)
}

func (s *session) reload() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.stepTimeout())
	defer cancel()
	return chromedp.Run(ctx, chromedp.Reload())
}

func (s *session) currentURL() (string, error) {
	var loc string
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// origin returns scheme://host of the current page.
func (s *session) origin() (string, error) {
	loc, err := s.currentURL()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

func queryOpts(l Locator) chromedp.QueryOption {
	if l.IsXPath() {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// resolve walks the selector list repeatedly until one locator is visible or
// the timeout elapses. Each individual probe is short so a dead first
// strategy cannot starve its fallbacks.
func (s *session) resolve(list SelectorList, timeout time.Duration) (Locator, error) {
	deadline := time.Now().Add(timeout)
	probe := 800 * time.Millisecond

	for {
		for _, loc := range list {
			ctx, cancel := context.WithTimeout(s.ctx, probe)
			err := chromedp.Run(ctx, chromedp.WaitVisible(loc.Query(), queryOpts(loc)))
			cancel()
			if err == nil {
				return loc, nil
			}
			if s.ctx.Err() != nil {
				return Locator{}, s.ctx.Err()
			}
		}
		if time.Now().After(deadline) {
			return Locator{}, fmt.Errorf("no locator matched within %s (tried %d strategies)", timeout, len(list))
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// visible is a single-pass, non-blocking variant of resolve used by the
// popup handlers, which must swallow their own expected timeouts.
func (s *session) visible(list SelectorList, timeout time.Duration) bool {
	_, err := s.resolve(list, timeout)
	return err == nil
}

func (s *session) waitVisible(list SelectorList, timeout time.Duration) error {
	_, err := s.resolve(list, timeout)
	return err
}

func (s *session) click(list SelectorList, timeout time.Duration) error {
	loc, err := s.resolve(list, timeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Click(loc.Query(), queryOpts(loc))); err != nil {
		return fmt.Errorf("click failed on %s: %w", loc.Query(), err)
	}
	s.pace()
	return nil
}

func (s *session) fill(list SelectorList, value string, timeout time.Duration) error {
	loc, err := s.resolve(list, timeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	tasks := chromedp.Tasks{
		chromedp.Clear(loc.Query(), queryOpts(loc)),
		chromedp.SendKeys(loc.Query(), value, queryOpts(loc)),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return fmt.Errorf("fill failed on %s: %w", loc.Query(), err)
	}
	s.pace()
	return nil
}

// selectByValue picks an option of a combobox by its value attribute.
func (s *session) selectByValue(list SelectorList, value string, timeout time.Duration) error {
	loc, err := s.resolve(list, timeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.SetValue(loc.Query(), value, queryOpts(loc))); err != nil {
		return fmt.Errorf("select failed on %s: %w", loc.Query(), err)
	}
	s.pace()
	return nil
}

// text extracts the visible text of the first matching element.
func (s *session) text(list SelectorList, timeout time.Duration) (string, error) {
	loc, err := s.resolve(list, timeout)
	if err != nil {
		return "", err
	}
	var out string
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Text(loc.Query(), &out, queryOpts(loc))); err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// setFiles attaches a file to the first matching input. The input only has
// to be attached to the DOM, not visible; import widgets keep it hidden.
func (s *session) setFiles(list SelectorList, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		for _, loc := range list {
			ctx, cancel := context.WithTimeout(s.ctx, 800*time.Millisecond)
			err := chromedp.Run(ctx, chromedp.WaitReady(loc.Query(), queryOpts(loc)))
			cancel()
			if err != nil {
				lastErr = err
				continue
			}
			ctx, cancel = context.WithTimeout(s.ctx, 10*time.Second)
			err = chromedp.Run(ctx, chromedp.SetUploadFiles(loc.Query(), []string{path}, queryOpts(loc)))
			cancel()
			if err != nil {
				return fmt.Errorf("set files failed on %s: %w", loc.Query(), err)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("file input not attached within %s: %w", timeout, lastErr)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// screenshot captures a full-page screenshot and returns its path. Failure
// to capture is reported but never masks the error being diagnosed.
func (s *session) screenshot(step string) string {
	if !s.config.ScreenshotOnError || s.screenshotDir == "" {
		return ""
	}

	if err := os.MkdirAll(s.screenshotDir, 0755); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to create screenshot directory")
		return ""
	}

	var buf []byte
	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		s.logger.Warn().Err(err).Str("step", step).Msg("Failed to capture screenshot")
		return ""
	}

	path := filepath.Join(s.screenshotDir, common.NewScreenshotName(step))
	if err := os.WriteFile(path, buf, 0644); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to write screenshot")
		return ""
	}

	s.logger.Debug().Str("step", step).Str("path", path).Msg("Screenshot captured")
	return path
}
