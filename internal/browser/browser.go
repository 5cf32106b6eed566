// Package browser defines the contract between the step interpreter and a remote
// automation backend. Implementations live in internal/webdriver and internal/cdp.
package browser

import (
	"context"
	"errors"
)

// ErrNoSuchElement is returned by FindElement when the locator matched nothing.
var ErrNoSuchElement = errors.New("no such element")

// Strategy is a W3C locator strategy.
type Strategy string

const (
	StrategyCSS   Strategy = "css selector"
	StrategyXPath Strategy = "xpath"
)

type Locator struct {
	Using Strategy
	Value string
}

func (l Locator) String() string {
	return string(l.Using) + "=" + l.Value
}

// Element is an opaque handle to a live element inside one session.
type Element interface {
	Handle() string
}

// Session is one live browser session. Sessions are not safe for concurrent use.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	// FindElement returns the first element matching loc. A nil root searches the
	// whole document; otherwise the search is scoped to root's subtree.
	FindElement(ctx context.Context, loc Locator, root Element) (Element, error)
	Click(ctx context.Context, el Element) error
	// Screenshot returns a base64 PNG, possibly carrying a data-URI prefix.
	Screenshot(ctx context.Context) (string, error)
	Quit(ctx context.Context) error
}

// Factory opens sessions for a capability set.
type Factory interface {
	Open(ctx context.Context, capabilities map[string]any) (Session, error)
}
