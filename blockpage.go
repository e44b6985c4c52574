package paygate

import (
	"bytes"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"
)

// BlockPage renders the page returned in place of a denied payment.
type BlockPage struct {
	template *template.Template
}

// BlockPageData is passed to the block page template.
type BlockPageData struct {
	FlowID    string
	URL       string
	Host      string
	Title     string
	Reason    string
	Outcome   Outcome
	Timestamp string
}

// DefaultBlockPageHTML is the built-in block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Payment Blocked</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f4f5f7;
            color: #222;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
            margin: 0;
        }
        .card {
            background: #fff;
            border-radius: 12px;
            padding: 36px 44px;
            max-width: 560px;
            width: 90%;
            box-shadow: 0 10px 30px rgba(0, 0, 0, 0.08);
        }
        h1 {
            color: #c0392b;
            font-size: 26px;
            margin: 0 0 12px;
        }
        p {
            line-height: 1.5;
        }
        dl {
            display: grid;
            grid-template-columns: 90px 1fr;
            gap: 8px 12px;
            font-size: 14px;
            background: #fafafa;
            border-radius: 8px;
            padding: 16px;
        }
        dt {
            color: #888;
        }
        dd {
            margin: 0;
            word-break: break-all;
        }
        .footer {
            color: #999;
            font-size: 12px;
            margin-top: 20px;
        }
    </style>
</head>
<body>
    <div class="card">
        <h1>{{.Title}}</h1>
        <p>This payment request was held for approval and has not been sent.</p>
        <dl>
            <dt>Reason</dt><dd>{{.Reason}}</dd>
            <dt>Host</dt><dd>{{.Host}}</dd>
            <dt>URL</dt><dd>{{.URL}}</dd>
            <dt>Request</dt><dd>{{.FlowID}}</dd>
            <dt>Time</dt><dd>{{.Timestamp}}</dd>
        </dl>
        <p class="footer">If you expected this payment to go through, contact your approver and retry.</p>
    </div>
</body>
</html>`

// NewBlockPage creates a BlockPage with the default template.
func NewBlockPage() *BlockPage {
	return &BlockPage{template: template.Must(template.New("block").Parse(DefaultBlockPageHTML))}
}

// NewBlockPageFromTemplate parses a custom template.
func NewBlockPageFromTemplate(text string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(text)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// NewBlockPageFromFile parses a custom template file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// BlockPageDataFor builds template data for a refused flow.
func BlockPageDataFor(d *Descriptor, res Resolution) BlockPageData {
	title := "Payment Blocked"
	if res.Outcome == OutcomeTimeout {
		title = "Payment Approval Timed Out"
	}
	reason := res.Reason
	if reason == "" {
		reason = "payment not approved"
	}
	return BlockPageData{
		FlowID:    d.ID,
		URL:       d.URL,
		Host:      d.Host,
		Title:     title,
		Reason:    reason,
		Outcome:   res.Outcome,
		Timestamp: time.Now().Format(time.RFC1123),
	}
}

// Render writes the page to w.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	return bp.template.Execute(w, data)
}

// RenderString returns the rendered page.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var sb strings.Builder
	if err := bp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Response builds the synthesized 403 written to an intercepted connection.
func (bp *BlockPage) Response(req *http.Request, data BlockPageData) *http.Response {
	var buf bytes.Buffer
	if err := bp.template.Execute(&buf, data); err != nil {
		buf.Reset()
		buf.WriteString("Payment Blocked: " + data.Reason)
	}
	return &http.Response{
		StatusCode:    http.StatusForbidden,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        http.Header{"Content-Type": {"text/html; charset=utf-8"}, "Cache-Control": {"no-store"}},
		Body:          io.NopCloser(&buf),
		ContentLength: int64(buf.Len()),
	}
}
