package templates

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"strings"
	texttemplate "text/template"

	"golang.org/x/net/html"
)

type compiled struct {
	fingerprint string
	subject     *texttemplate.Template
	html        *htmltemplate.Template
	text        *texttemplate.Template
	declared    []string
}

func fingerprint(t Template) string {
	h := sha256.New()
	for _, part := range []string{t.Subject, t.HTMLBody, t.TextBody, strings.Join(t.Variables, ",")} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func compile(t Template) (*compiled, error) {
	var errs []error

	subject, err := texttemplate.New("subject").Option("missingkey=error").Parse(t.Subject)
	if err != nil {
		errs = append(errs, fmt.Errorf("subject: %w", err))
	}
	body, err := htmltemplate.New("html").Option("missingkey=error").Parse(t.HTMLBody)
	if err != nil {
		errs = append(errs, fmt.Errorf("html body: %w", err))
	}

	var text *texttemplate.Template
	if strings.TrimSpace(t.TextBody) != "" {
		text, err = texttemplate.New("text").Option("missingkey=error").Parse(t.TextBody)
		if err != nil {
			errs = append(errs, fmt.Errorf("text body: %w", err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, errors.Join(errs...))
	}

	return &compiled{
		fingerprint: fingerprint(t),
		subject:     subject,
		html:        body,
		text:        text,
		declared:    append([]string(nil), t.Variables...),
	}, nil
}

func (c *compiled) execute(vars map[string]any) (Rendered, error) {
	data := make(map[string]any, len(vars)+len(c.declared))
	for _, name := range c.declared {
		data[name] = ""
	}
	for k, v := range vars {
		data[k] = v
	}

	var out Rendered
	var buf bytes.Buffer

	if err := c.subject.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("%w: subject: %w", ErrRender, err)
	}
	out.Subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := c.html.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("%w: html body: %w", ErrRender, err)
	}
	out.HTML = buf.String()

	if c.text != nil {
		buf.Reset()
		if err := c.text.Execute(&buf, data); err != nil {
			return Rendered{}, fmt.Errorf("%w: text body: %w", ErrRender, err)
		}
		out.Text = buf.String()
	} else {
		out.Text = StripHTML(out.HTML)
	}

	return out, nil
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "td": true, "th": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "section": true, "header": true, "footer": true,
}

// StripHTML returns the visible text of an HTML fragment, one line per
// block element, with runs of whitespace collapsed.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))

	var (
		lines []string
		cur   strings.Builder
		skip  int
	)
	flush := func() {
		line := strings.Join(strings.Fields(cur.String()), " ")
		if line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			flush()
			return strings.Join(lines, "\n")
		case html.TextToken:
			if skip == 0 {
				cur.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if blockTags[tag] {
				flush()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				flush()
			}
		}
	}
}
