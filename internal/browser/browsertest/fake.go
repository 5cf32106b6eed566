// Package browsertest provides an in-memory browser.Factory for tests.
package browsertest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/jaystack/device-megatest/internal/browser"
)

// PNG is a tiny payload returned by Screenshot when none is configured.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

type element struct {
	handle string
}

func (e element) Handle() string { return e.handle }

// Factory hands out Sessions that share its page model.
type Factory struct {
	mu sync.Mutex

	// OpenErr, when set, fails every Open call.
	OpenErr error
	// Elements lists locator values that resolve. A value of the form
	// "<root handle>>selector" only resolves under that root.
	Elements map[string]bool
	// AppearAfter delays an element: it resolves only after that many misses.
	AppearAfter map[string]int
	// ScreenshotErr, when set, fails every Screenshot call.
	ScreenshotErr error
	// Screenshot overrides the base64 screenshot payload.
	Screenshot string

	opens    int
	sessions []*Session
}

func NewFactory(elements ...string) *Factory {
	f := &Factory{Elements: make(map[string]bool), AppearAfter: make(map[string]int)}
	for _, value := range elements {
		f.Elements[value] = true
	}
	return f
}

func (f *Factory) Open(ctx context.Context, capabilities map[string]any) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	s := &Session{
		factory:      f,
		id:           fmt.Sprintf("fake-%d", f.opens),
		Capabilities: capabilities,
		misses:       make(map[string]int),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Opens counts Open calls, failed ones included.
func (f *Factory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// Session records every call made against it.
type Session struct {
	factory      *Factory
	id           string
	Capabilities map[string]any

	mu      sync.Mutex
	Visited []string
	Clicked []string
	Finds   int
	quit    bool
	misses  map[string]int
}

func (s *Session) ID() string { return s.id }

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.Visited = append(s.Visited, url)
	s.mu.Unlock()
	return nil
}

func (s *Session) FindElement(ctx context.Context, loc browser.Locator, root browser.Element) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := loc.Value
	if root != nil {
		key = root.Handle() + ">" + loc.Value
	}

	s.factory.mu.Lock()
	known := s.factory.Elements[key]
	delay := s.factory.AppearAfter[key]
	s.factory.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Finds++
	if !known {
		return nil, browser.ErrNoSuchElement
	}
	if s.misses[key] < delay {
		s.misses[key]++
		return nil, browser.ErrNoSuchElement
	}
	return element{handle: loc.Value}, nil
}

func (s *Session) Click(ctx context.Context, el browser.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if el == nil {
		return errors.New("click: nil element")
	}
	s.mu.Lock()
	s.Clicked = append(s.Clicked, el.Handle())
	s.mu.Unlock()
	return nil
}

func (s *Session) Screenshot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	if s.factory.ScreenshotErr != nil {
		return "", s.factory.ScreenshotErr
	}
	if s.factory.Screenshot != "" {
		return s.factory.Screenshot, nil
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(PNG), nil
}

func (s *Session) Quit(context.Context) error {
	s.mu.Lock()
	s.quit = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Quit was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quit
}
