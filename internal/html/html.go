// Package html renders the entry document: the project template with the
// build's stylesheets and scripts injected, or a default shell when the
// project has no template.
package html

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/output"
)

//go:generate templ generate -f shell.templ

// Renderer injects manifest files into a template.
type Renderer struct {
	template []byte
	title    string
}

// New creates a renderer. A nil template renders the default shell titled
// title.
func New(template []byte, title string) *Renderer {
	return &Renderer{template: template, title: title}
}

// Render returns the entry document for m. Stylesheets go at the end of
// <head>, scripts with defer at the end of <body>, both in load order.
func (r *Renderer) Render(ctx context.Context, m *output.Manifest) ([]byte, error) {
	src := r.template
	if src == nil {
		var buf bytes.Buffer
		if err := Shell(r.title).Render(ctx, &buf); err != nil {
			return nil, perrors.NewInternalError("HTML_SHELL", "cannot render default document", err)
		}
		src = buf.Bytes()
	}

	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, perrors.NewConfigError("INVALID_TEMPLATE", fmt.Sprintf("cannot parse HTML template: %v", err))
	}

	head := findElement(doc, atom.Head)
	body := findElement(doc, atom.Body)
	if head == nil || body == nil {
		return nil, perrors.NewConfigError("INVALID_TEMPLATE", "HTML template has no head or body")
	}

	for _, href := range m.Styles() {
		head.AppendChild(element(atom.Link, []html.Attribute{
			{Key: "href", Val: "/" + href},
			{Key: "rel", Val: "stylesheet"},
		}))
	}
	for _, src := range m.Scripts() {
		body.AppendChild(element(atom.Script, []html.Attribute{
			{Key: "defer"},
			{Key: "src", Val: "/" + src},
		}))
	}

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return nil, perrors.NewInternalError("HTML_RENDER", "cannot render document", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func element(a atom.Atom, attrs []html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
