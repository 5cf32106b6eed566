package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jaystack/device-megatest/internal/browser"
)

type Config struct {
	// URL is the DevTools HTTP endpoint, e.g. http://127.0.0.1:9222.
	URL        string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Factory opens one fresh tab per session and closes it on Quit.
type Factory struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

type targetResponse struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func NewFactory(cfg Config) *Factory {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		base = "http://127.0.0.1:9222"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Factory{baseURL: base, client: client, logger: logger}
}

// Open ignores device capabilities: a local Chrome renders every job with the
// same engine.
func (f *Factory) Open(ctx context.Context, capabilities map[string]any) (browser.Session, error) {
	target, err := f.newTarget(ctx)
	if err != nil {
		return nil, err
	}
	client, err := DialTarget(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		f.closeTarget(context.Background(), target.ID)
		return nil, err
	}
	session := &Session{factory: f, client: client, targetID: target.ID}
	if err := client.Call(ctx, "Page.enable", nil, nil); err != nil {
		_ = session.Quit(context.Background())
		return nil, err
	}
	f.logger.Printf("cdp session opened target=%s capabilities=%v", target.ID, capabilities)
	return session, nil
}

func (f *Factory) newTarget(ctx context.Context) (targetResponse, error) {
	endpoint := f.baseURL + "/json/new?" + url.QueryEscape("about:blank")
	var target targetResponse
	var lastErr error
	// Chrome 111+ requires PUT; older builds only answer GET.
	for _, method := range []string{http.MethodPut, http.MethodGet} {
		lastErr = f.getJSON(ctx, method, endpoint, &target)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return targetResponse{}, fmt.Errorf("create cdp target: %w", lastErr)
	}
	if strings.TrimSpace(target.WebSocketDebuggerURL) == "" {
		return targetResponse{}, errors.New("create cdp target: no websocket url in response")
	}
	return target, nil
}

func (f *Factory) closeTarget(ctx context.Context, targetID string) {
	if targetID == "" {
		return
	}
	if err := f.getJSON(ctx, http.MethodGet, f.baseURL+"/json/close/"+url.PathEscape(targetID), nil); err != nil {
		f.logger.Printf("warn: close cdp target %s: %v", targetID, err)
	}
}

func (f *Factory) getJSON(ctx context.Context, method, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned status %d", method, endpoint, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

type element struct {
	objectID string
}

func (e element) Handle() string { return e.objectID }

// Session is a DevTools tab. Element handles are Runtime object ids.
type Session struct {
	factory  *Factory
	client   *Client
	targetID string
}

func (s *Session) ID() string { return s.targetID }

func (s *Session) Navigate(ctx context.Context, target string) error {
	var result struct {
		ErrorText string `json:"errorText"`
	}
	if err := s.client.Call(ctx, "Page.navigate", map[string]any{"url": target}, &result); err != nil {
		return err
	}
	if result.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", target, result.ErrorText)
	}
	return nil
}

// finder runs with `this` bound to the search root.
const finder = `function(using, value) {
	if (using === "xpath") {
		return document.evaluate(value, this, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	}
	return this.querySelector(value);
}`

type remoteObject struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	ObjectID string `json:"objectId"`
}

type callResult struct {
	Result           remoteObject `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

func (s *Session) FindElement(ctx context.Context, loc browser.Locator, root browser.Element) (browser.Element, error) {
	rootID := ""
	if root != nil {
		rootID = root.Handle()
	} else {
		var doc callResult
		if err := s.client.Call(ctx, "Runtime.evaluate", map[string]any{"expression": "document"}, &doc); err != nil {
			return nil, err
		}
		rootID = doc.Result.ObjectID
	}

	var found callResult
	err := s.client.Call(ctx, "Runtime.callFunctionOn", map[string]any{
		"objectId":            rootID,
		"functionDeclaration": finder,
		"arguments":           []map[string]any{{"value": string(loc.Using)}, {"value": loc.Value}},
	}, &found)
	if err != nil {
		return nil, err
	}
	if found.ExceptionDetails != nil {
		return nil, fmt.Errorf("locate %s: %s", loc, found.ExceptionDetails.Text)
	}
	if found.Result.ObjectID == "" || found.Result.Subtype == "null" {
		return nil, fmt.Errorf("%w: %s", browser.ErrNoSuchElement, loc)
	}
	return element{objectID: found.Result.ObjectID}, nil
}

func (s *Session) Click(ctx context.Context, el browser.Element) error {
	if el == nil {
		return errors.New("click: element is required")
	}
	var result struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	err := s.client.Call(ctx, "Runtime.callFunctionOn", map[string]any{
		"objectId": el.Handle(),
		"functionDeclaration": `function() {
	this.scrollIntoView({block: "center", inline: "center"});
	if (typeof this.focus === "function") this.focus();
	this.click();
	return "ok";
}`,
		"returnByValue": true,
	}, &result)
	if err != nil {
		return err
	}
	if result.Result.Value != "ok" {
		return fmt.Errorf("click failed: %q", result.Result.Value)
	}
	return nil
}

func (s *Session) Screenshot(ctx context.Context) (string, error) {
	var response struct {
		Data string `json:"data"`
	}
	if err := s.client.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"}, &response); err != nil {
		return "", err
	}
	return response.Data, nil
}

func (s *Session) Quit(ctx context.Context) error {
	err := s.client.Close()
	s.factory.closeTarget(ctx, s.targetID)
	if err != nil {
		return fmt.Errorf("close cdp session: %w", err)
	}
	return nil
}
