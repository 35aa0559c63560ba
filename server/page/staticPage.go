package page

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"fedilace/server/telemetry"
)

// StaticPage configures a page that is rendered once at startup and
// served unchanged afterwards. Actor documents, nodeinfo, and the other
// discovery endpoints all fit this shape.
type StaticPage struct {
	Path        string // server path the page responds at
	Accept      string // Accept header required to receive this page
	ContentType string // Content-Type of the response
	Template    string // Go template producing the page body
}

// internalStaticPage holds the rendered body behind StaticPageHandler.
type internalStaticPage struct {
	source   StaticPage
	rendered []byte
}

// NewStaticPage wraps a StaticPage configuration in a handler. Init
// must run before the page can serve.
func NewStaticPage(page StaticPage) StaticPageHandler {
	return &internalStaticPage{
		source: page,
	}
}

// StaticPageHandler is an http.Handler plus the setup hooks the service
// uses when registering routes.
type StaticPageHandler interface {
	http.Handler
	Init(any) error // render the template against site metadata
	Path() string   // path at which the page should respond
	Accept() string // Accept header required to respond
}

func (s internalStaticPage) Path() string {
	return s.source.Path
}

func (s internalStaticPage) Accept() string {
	return s.source.Accept
}

func (s *internalStaticPage) Init(meta any) error {
	t, err := template.New("").Parse(strings.TrimSpace(s.source.Template))
	if err != nil {
		s.rendered = []byte(fmt.Sprintf("template error: %s", err))
		return err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, meta); err != nil {
		s.rendered = []byte(fmt.Sprintf("executing template: %s", err))
		return err
	}
	s.rendered = buf.Bytes()
	return nil
}

func (s internalStaticPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "StaticPage.ServeHTTP")
	if s.rendered == nil {
		telemetry.Warn("static page [%s] served before Init", s.source.Path)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.source.ContentType)
	w.Write(s.rendered)
}
