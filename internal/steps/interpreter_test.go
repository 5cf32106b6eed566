package steps

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaystack/device-megatest/internal/browser"
	"github.com/jaystack/device-megatest/internal/browser/browsertest"
	"github.com/jaystack/device-megatest/internal/capture"
)

func newTestInterpreter(store capture.Store, logs io.Writer) *Interpreter {
	if logs == nil {
		logs = io.Discard
	}
	return NewInterpreter(store, Options{
		PollInterval: 5 * time.Millisecond,
		Logger:       log.New(logs, "", 0),
	})
}

func openSession(t *testing.T, factory *browsertest.Factory) *browsertest.Session {
	t.Helper()
	session, err := factory.Open(context.Background(), nil)
	require.NoError(t, err)
	return session.(*browsertest.Session)
}

func readManifest(t *testing.T, store *capture.MemoryStore, testID, deviceID string) []*capture.Record {
	t.Helper()
	raw, err := store.Get(context.Background(), capture.ManifestKey(testID, deviceID))
	require.NoError(t, err)
	records, err := capture.DecodeManifest(raw)
	require.NoError(t, err)
	return records
}

func TestRunNavigatesAndCaptures(t *testing.T) {
	store := capture.NewMemoryStore()
	factory := browsertest.NewFactory()
	session := openSession(t, factory)

	program := Program{
		Navigate{URL: "https://x"},
		Capture{Name: "open"},
	}
	result, err := newTestInterpreter(store, nil).Run(context.Background(), session, "T", "Device_0", program)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://x"}, session.Visited)
	require.Len(t, result.Captures, 1)
	assert.Equal(t, "T/Device_0/open.png", result.Captures[0].Key)

	png, err := store.Get(context.Background(), "T/Device_0/open.png")
	require.NoError(t, err)
	assert.Equal(t, browsertest.PNG, png)

	records := readManifest(t, store, "T", "Device_0")
	assert.Equal(t, []string{"T/Device_0/open.png"}, capture.Keys(records))
	assert.Equal(t, capture.ContentTypePNG, records[0].Upload.ContentType)
	assert.Equal(t, int64(len(browsertest.PNG)), records[0].Upload.Size)
}

func TestRunSkipsUnknownSteps(t *testing.T) {
	store := capture.NewMemoryStore()
	var logs bytes.Buffer
	session := openSession(t, browsertest.NewFactory())

	program := Program{
		Unknown{Cmd: "scrollTo"},
		Capture{Name: "after"},
	}
	result, err := newTestInterpreter(store, &logs).Run(context.Background(), session, "T", "Device_0", program)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, []string{"T/Device_0/after.png"}, capture.Keys(result.Captures))
	assert.Contains(t, logs.String(), `warn: test=T device=Device_0 skipping unsupported step cmd="scrollTo"`)
}

func TestLocateTimeoutIsRecoverable(t *testing.T) {
	store := capture.NewMemoryStore()
	var logs bytes.Buffer
	session := openSession(t, browsertest.NewFactory())

	program := Program{
		Locate{By: Selector{CSS: "#never"}, BindAs: "ghost", WaitTimeout: 60 * time.Millisecond},
		Click{By: Selector{Ref: "ghost"}},
		Capture{Name: "still-running"},
	}
	started := time.Now()
	result, err := newTestInterpreter(store, &logs).Run(context.Background(), session, "T", "Device_0", program)
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Greater(t, session.Finds, 1)
	assert.Empty(t, session.Clicked)

	_, bound := result.Bound("ghost")
	assert.False(t, bound)
	assert.Contains(t, logs.String(), "locate css selector=#never failed")
	assert.Contains(t, logs.String(), `no element bound as "ghost"`)
	assert.Equal(t, []string{"T/Device_0/still-running.png"}, capture.Keys(result.Captures))
}

func TestLocatePollsUntilElementAppears(t *testing.T) {
	store := capture.NewMemoryStore()
	factory := browsertest.NewFactory("#late")
	factory.AppearAfter["#late"] = 3
	session := openSession(t, factory)

	program := Program{
		Locate{By: Selector{CSS: "#late"}, BindAs: "late", WaitTimeout: time.Second},
		Click{By: Selector{Ref: "late"}},
	}
	result, err := newTestInterpreter(store, nil).Run(context.Background(), session, "T", "Device_0", program)
	require.NoError(t, err)

	el, ok := result.Bound("late")
	require.True(t, ok)
	assert.Equal(t, "#late", el.Handle())
	assert.Equal(t, []string{"#late"}, session.Clicked)
	assert.Equal(t, 4, session.Finds)
}

func TestLocateUnderScopesSearch(t *testing.T) {
	store := capture.NewMemoryStore()
	factory := browsertest.NewFactory("form", "form>.submit")
	var logs bytes.Buffer
	session := openSession(t, factory)

	program := Program{
		Locate{By: Selector{CSS: "form"}, BindAs: "form"},
		Click{By: Selector{ClassName: "submit", Under: "form"}},
		Click{By: Selector{ClassName: "submit", Under: "missing"}},
	}
	_, err := newTestInterpreter(store, &logs).Run(context.Background(), session, "T", "Device_0", program)
	require.NoError(t, err)

	assert.Equal(t, []string{".submit"}, session.Clicked)
	assert.Contains(t, logs.String(), `no element bound as "missing" to search under`)
}

func TestCaptureFailureRecordsNull(t *testing.T) {
	store := capture.NewMemoryStore()
	factory := browsertest.NewFactory()
	session := openSession(t, factory)

	factory.ScreenshotErr = errors.New("renderer crashed")
	program := Program{Capture{Name: "broken"}}
	result, err := newTestInterpreter(store, nil).Run(context.Background(), session, "T", "Device_0", program)
	require.NoError(t, err)

	require.Len(t, result.Captures, 1)
	assert.Nil(t, result.Captures[0])

	raw, err := store.Get(context.Background(), capture.ManifestKey("T", "Device_0"))
	require.NoError(t, err)
	assert.JSONEq(t, `[null]`, string(raw))
}

func TestRerunLeavesIdenticalStoreState(t *testing.T) {
	store := capture.NewMemoryStore()
	factory := browsertest.NewFactory("#a")
	program := Program{
		Navigate{URL: "https://x"},
		Capture{Name: "one"},
		Click{By: Selector{CSS: "#a"}},
		Capture{Name: "two"},
	}
	interp := newTestInterpreter(store, nil)

	_, err := interp.Run(context.Background(), openSession(t, factory), "T", "Device_0", program)
	require.NoError(t, err)
	first := store.Snapshot()

	_, err = interp.Run(context.Background(), openSession(t, factory), "T", "Device_0", program)
	require.NoError(t, err)
	assert.Equal(t, first, store.Snapshot())

	records := readManifest(t, store, "T", "Device_0")
	assert.Equal(t, []string{"T/Device_0/one.png", "T/Device_0/two.png"}, capture.Keys(records))
}

func TestRunStopsOnCancellation(t *testing.T) {
	store := capture.NewMemoryStore()
	session := openSession(t, browsertest.NewFactory())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	program := Program{Wait{Seconds: 5}, Capture{Name: "never"}}
	_, err := newTestInterpreter(store, nil).Run(ctx, session, "T", "Device_0", program)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = store.Get(context.Background(), capture.ManifestKey("T", "Device_0"))
	assert.ErrorIs(t, err, capture.ErrNotFound)
}

func TestWaitUsesLargerDuration(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Wait{Milliseconds: 1500, Seconds: 1}.Duration())
	assert.Equal(t, 2*time.Second, Wait{Milliseconds: 10, Seconds: 2}.Duration())
	assert.Equal(t, time.Duration(0), Wait{}.Duration())
}

func TestWaitDurationIsCapped(t *testing.T) {
	assert.Equal(t, MaxWait, Wait{Seconds: 1e10}.Duration())
	assert.Equal(t, MaxWait, Wait{Milliseconds: 9223372036854775}.Duration())
	assert.Equal(t, MaxWait, Wait{Milliseconds: 1, Seconds: 1e300}.Duration())
}

func TestLocatorEscapesClassAndID(t *testing.T) {
	page := `<html><body>
<div class="md:flex" id="a"></div>
<div class="w-1/2" id="b"></div>
<div id="user.name:1"></div>
<div id="1st"></div>
<div id="-"></div>
<div id="tab	here"></div>
<div class="t" id="decoy"></div>
</body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)

	cases := []struct {
		by   Selector
		want string
	}{
		{Selector{ClassName: "md:flex"}, "a"},
		{Selector{ClassName: "w-1/2"}, "b"},
		{Selector{ID: "user.name:1"}, "user.name:1"},
		{Selector{ID: "1st"}, "1st"},
		{Selector{ID: "-"}, "-"},
		{Selector{ID: "tab\there"}, "tab\there"},
	}
	for _, tc := range cases {
		locator := locatorFor(tc.by)
		assert.Equal(t, browser.StrategyCSS, locator.Using)
		found := doc.Find(locator.Value)
		if assert.Equal(t, 1, found.Length(), "selector %q", locator.Value) {
			id, _ := found.Attr("id")
			assert.Equal(t, tc.want, id)
		}
	}

	assert.Equal(t, ".md\\:flex", locatorFor(Selector{ClassName: "md:flex"}).Value)
	assert.Equal(t, "#\\31 st", locatorFor(Selector{ID: "1st"}).Value)
	assert.Equal(t, "#tab\\9 here", locatorFor(Selector{ID: "tab\there"}).Value)
}
