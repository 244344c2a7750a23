package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserUseTool drives a headless Chromium for pages that need script
// execution to render. One browser per process, launched lazily; not safe
// under concurrent calls, so the engine runs it on the serial IO lane.
type BrowserUseTool struct {
	env *Env

	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserUseTool() *BrowserUseTool { return &BrowserUseTool{} }

func (t *BrowserUseTool) Configure(env *Env) { t.env = env }
func (t *BrowserUseTool) Name() string       { return "browser_use" }
func (t *BrowserUseTool) Description() string {
	return "Open a URL in a headless browser and return the rendered page text, or capture a screenshot. Use for JavaScript-heavy pages web_reader cannot handle."
}
func (t *BrowserUseTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string"},
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"text", "screenshot"},
				"description": "text returns the rendered page text (default); screenshot saves a PNG and returns its path",
			},
		},
		"required": []string{"url"},
	}
}

func (t *BrowserUseTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	action, _ := args["action"].(string)
	if action == "" {
		action = "text"
	}

	browser, err := t.connect()
	if err != nil {
		return ErrorResult("browser launch failed: " + err.Error())
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return ErrorResult("open page: " + err.Error())
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(45 * time.Second)
	if err := page.WaitLoad(); err != nil {
		return ErrorResult("page load: " + err.Error())
	}

	switch action {
	case "screenshot":
		data, err := page.Screenshot(false, nil)
		if err != nil {
			return ErrorResult("screenshot: " + err.Error())
		}
		dir := os.TempDir()
		if t.env != nil && t.env.RootPath != "" {
			dir = t.env.RootPath
		}
		path := filepath.Join(dir, fmt.Sprintf("screenshot_%d.png", time.Now().UnixMilli()))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ErrorResult("save screenshot: " + err.Error())
		}
		return NewResult("Screenshot saved: " + path)
	default:
		obj, err := page.Eval(`() => document.body.innerText`)
		if err != nil {
			return ErrorResult("extract text: " + err.Error())
		}
		return NewResult(obj.Value.Str())
	}
}

func (t *BrowserUseTool) connect() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}
	u, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, err
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	t.browser = b
	return b, nil
}

// Close shuts the shared browser down; called at agent exit.
func (t *BrowserUseTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		_ = t.browser.Close()
		t.browser = nil
	}
}
