package resolve

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

const cspHeader = "Content-Security-Policy"

// Finalize normalizes a handler response before it reaches the adapter:
// a nil response becomes a handler failure, a zero status becomes 200, a
// missing Content-Type is detected, and on engines without document-start
// scripts the init scripts are injected into HTML documents.
func (r *Resolver) Finalize(resp *types.Response, req *types.Request, caps platform.Capabilities) *types.Response {
	if resp == nil {
		resp = types.ErrorResponse(http.StatusInternalServerError,
			fmt.Errorf("%w: handler returned no response", types.ErrHandlerFailure))
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.ContentType() == "" {
		if ct := detectContentType(req, resp.Body.Bytes()); ct != "" {
			resp.Header.Set("Content-Type", ct)
		}
	}

	if !caps.DocumentStartScripts && r.initScripts != nil && isHTML(resp.ContentType()) {
		if scripts := r.initScripts(); len(scripts) > 0 {
			if err := InjectScripts(resp, scripts); err != nil {
				r.logger.Warn("init script injection failed", zap.Error(err))
			}
		}
	}

	resp.SetContentLength()
	return resp
}

func detectContentType(req *types.Request, body []byte) string {
	if req != nil && req.URL != nil {
		if ext := path.Ext(req.URL.Path); ext != "" {
			if ct := mime.TypeByExtension(ext); ct != "" {
				return ct
			}
		}
	}
	if len(body) == 0 {
		return ""
	}
	return mimetype.Detect(body).String()
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "text/html")
	}
	return mt == "text/html"
}

// InjectScripts prepends scripts, in order, as inline <script> elements at
// the start of <head>, creating it if the document has none. When the
// response carries a Content-Security-Policy each script's sha256 hash is
// added to script-src so the injected code is allowed to run.
func InjectScripts(resp *types.Response, scripts []string) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body.Bytes()))
	if err != nil {
		return err
	}

	head := doc.Find("head").First()
	if head.Length() == 0 {
		doc.Find("html").First().PrependHtml("<head></head>")
		head = doc.Find("head").First()
	}

	var (
		markup strings.Builder
		hashes = make([]string, 0, len(scripts))
	)
	for _, s := range scripts {
		s = escapeScript(s)
		markup.WriteString("<script>")
		markup.WriteString(s)
		markup.WriteString("</script>")
		hashes = append(hashes, ScriptHash(s))
	}
	head.PrependHtml(markup.String())

	out, err := doc.Html()
	if err != nil {
		return err
	}
	resp.Body = types.OwnedBody([]byte(out))

	if csp := resp.Header.Get(cspHeader); csp != "" {
		resp.Header.Set(cspHeader, AddScriptHashes(csp, hashes))
	}
	return nil
}

// escapeScript keeps inline script text from closing its element early
func escapeScript(s string) string {
	return strings.ReplaceAll(s, "</script", `<\/script`)
}

// ScriptHash returns the CSP source expression for an inline script
func ScriptHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return "'sha256-" + base64.StdEncoding.EncodeToString(sum[:]) + "'"
}

// AddScriptHashes allows hashes under script-src, adding the directive when
// the policy has none.
func AddScriptHashes(csp string, hashes []string) string {
	if len(hashes) == 0 {
		return csp
	}
	list := strings.Join(hashes, " ")
	if strings.Contains(csp, "script-src") {
		return strings.Replace(csp, "script-src", "script-src "+list, 1)
	}
	csp = strings.TrimRight(strings.TrimSpace(csp), ";")
	return csp + "; script-src " + list
}
