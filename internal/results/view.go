package results

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/jaystack/device-megatest/internal/testdef"
)

//go:embed templates/view.html.tmpl
var templateFS embed.FS

var viewTemplate = template.Must(template.New("view.html.tmpl").Funcs(template.FuncMap{
	"captureName": captureName,
}).ParseFS(templateFS, "templates/view.html.tmpl"))

// Renderer writes the HTML viewer for a TestResult. Capture keys are resolved
// against CaptureBaseURL, which may be the local capture proxy or a CDN.
type Renderer struct {
	CaptureBaseURL string
}

type viewData struct {
	Result  testdef.TestResult
	Devices []deviceView
}

type deviceView struct {
	testdef.DeviceResult
	Captures []captureView
}

type captureView struct {
	Key    string
	URL    string
	Anchor string
}

func (r Renderer) Render(w io.Writer, result testdef.TestResult) error {
	data := viewData{Result: result, Devices: make([]deviceView, 0, len(result.Devices))}
	for i, device := range result.Devices {
		view := deviceView{DeviceResult: device}
		for j, key := range device.Captures {
			view.Captures = append(view.Captures, captureView{
				Key:    key,
				URL:    r.URL(key),
				Anchor: fmt.Sprintf("zoom-%d-%d", i, j),
			})
		}
		data.Devices = append(data.Devices, view)
	}
	if err := viewTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render test view: %w", err)
	}
	return nil
}

// URL returns the public address of a capture key.
func (r Renderer) URL(key string) string {
	base := strings.TrimRight(strings.TrimSpace(r.CaptureBaseURL), "/")
	if base == "" {
		base = "/captures"
	}
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return base + "/" + strings.Join(segments, "/")
}

func captureName(key string) string {
	return strings.TrimSuffix(path.Base(key), path.Ext(key))
}
