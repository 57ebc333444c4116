package shadowguard

import (
	"fmt"
	"html/template"
	"strings"
	"time"
)

// BlockPage renders the HTML body shown for blocked requests.
type BlockPage struct {
	template *template.Template
}

// BlockPageData is the data passed to the block page template.
type BlockPageData struct {
	URL       string
	Host      string
	Reason    string
	Timestamp string
}

// DefaultBlockPageHTML is the built-in block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Blocked - ShadowGuard</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #16213e;
            color: #e0e0e0;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
            margin: 0;
        }
        .card {
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            padding: 36px 44px;
            max-width: 520px;
            width: 90%;
        }
        h1 { color: #fff; font-size: 24px; margin: 0 0 10px; }
        .sub { color: #9a9a9a; margin-bottom: 24px; }
        .row { display: flex; margin-bottom: 10px; font-size: 14px; }
        .label { color: #888; min-width: 70px; }
        .value { color: #fff; word-break: break-all; }
        .badge {
            background: rgba(231, 76, 60, 0.2);
            color: #e74c3c;
            border-radius: 14px;
            padding: 2px 10px;
            font-size: 13px;
        }
    </style>
</head>
<body>
    <div class="card">
        <h1>Request Blocked</h1>
        <p class="sub">ShadowGuard stopped this request before it left your device.</p>
        <div class="row"><span class="label">URL</span><span class="value">{{.URL}}</span></div>
        <div class="row"><span class="label">Host</span><span class="value">{{.Host}}</span></div>
        <div class="row"><span class="label">Rule</span><span class="value"><span class="badge">{{.Reason}}</span></span></div>
        <div class="row"><span class="label">Time</span><span class="value">{{.Timestamp}}</span></div>
    </div>
</body>
</html>`

// NewBlockPage creates a BlockPage with the built-in template.
func NewBlockPage() *BlockPage {
	tmpl := template.Must(template.New("block").Parse(DefaultBlockPageHTML))
	return &BlockPage{template: tmpl}
}

// NewBlockPageFromTemplate creates a BlockPage from a custom template.
func NewBlockPageFromTemplate(templateStr string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// RenderBody returns the rendered HTML for one blocked request.
func (bp *BlockPage) RenderBody(url, host, reason string, now time.Time) ([]byte, error) {
	var sb strings.Builder
	err := bp.template.Execute(&sb, BlockPageData{
		URL:       url,
		Host:      host,
		Reason:    reason,
		Timestamp: now.Format(time.RFC1123),
	})
	if err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// BlockedResponse wraps an HTML body in the stable 403 envelope the
// platform shells and tests key on. The header set and ordering do not
// change between releases.
func BlockedResponse(body []byte) []byte {
	head := fmt.Sprintf("HTTP/1.1 403 Forbidden\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"X-Blocked: true\r\n"+
		"\r\n", len(body))
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	return append(out, body...)
}

// redirectStubs maps $redirect= targets to neutral payloads served in
// place of the real resource.
var redirectStubs = map[string]struct {
	contentType string
	body        string
}{
	"noopjs":   {"application/javascript", "(function(){})();"},
	"nooptext": {"text/plain", ""},
	"noopcss":  {"text/css", ""},
}

// redirectResponse builds the response for a $redirect rule. Unknown
// targets degrade to an empty 200 so a stale list cannot break pages.
func redirectResponse(target string) []byte {
	stub, ok := redirectStubs[target]
	if !ok {
		stub.contentType = "text/plain"
	}
	head := fmt.Sprintf("HTTP/1.1 200 OK\r\n"+
		"Content-Type: %s\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n", stub.contentType, len(stub.body))
	return append([]byte(head), stub.body...)
}
