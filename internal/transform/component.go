package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/conneroisu/assetpipe/internal/rules"
)

// sfcBlock is a top level block of a single file component.
type sfcBlock struct {
	tag     string
	attrs   map[string]string
	content string
}

// splitComponent returns the top level <template>, <script> and <style>
// blocks of src with their content copied verbatim.
func splitComponent(src []byte) ([]sfcBlock, error) {
	z := html.NewTokenizer(bytes.NewReader(src))

	var (
		blocks []sfcBlock
		offset int
		open   *sfcBlock
		start  int
		depth  int
	)

	for {
		tt := z.Next()
		raw := len(z.Raw())
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				break
			}
			return nil, z.Err()
		}

		switch tt {
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if open == nil {
				if tag == "template" || tag == "script" || tag == "style" {
					attrs := map[string]string{}
					for hasAttr {
						var k, v []byte
						k, v, hasAttr = z.TagAttr()
						attrs[string(k)] = string(v)
					}
					open = &sfcBlock{tag: tag, attrs: attrs}
					start = offset + raw
					depth = 1
				}
			} else if tag == open.tag {
				depth++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if open != nil && string(name) == open.tag {
				depth--
				if depth == 0 {
					open.content = string(src[start:offset])
					blocks = append(blocks, *open)
					open = nil
				}
			}
		}
		offset += raw
	}

	if open != nil {
		return nil, fmt.Errorf("unclosed <%s> block", open.tag)
	}
	return blocks, nil
}

var exportDefault = regexp.MustCompile(`(?m)^\s*export\s+default\s+`)

// ComponentStage splits a single file component. The script block is
// rewritten so the template is attached as the component's template option,
// and every style block becomes a virtual stylesheet module imported by the
// component.
type ComponentStage struct{}

func (ComponentStage) Name() string       { return rules.StageComponent }
func (ComponentStage) ConfigHash() string { return "component/v1" }

func (ComponentStage) Run(_ context.Context, in Input) (Output, error) {
	blocks, err := splitComponent(in.Code)
	if err != nil {
		return Output{}, err
	}

	var (
		script   *sfcBlock
		template *sfcBlock
		styles   []sfcBlock
	)
	for i := range blocks {
		b := &blocks[i]
		switch b.tag {
		case "script":
			if script != nil {
				return Output{}, fmt.Errorf("multiple <script> blocks")
			}
			script = b
		case "template":
			if template != nil {
				return Output{}, fmt.Errorf("multiple <template> blocks")
			}
			template = b
		case "style":
			styles = append(styles, *b)
		}
	}

	base := path.Base(in.File.FilePath())
	var (
		code    strings.Builder
		virtual []SourceFile
		meta    = map[string]string{}
	)

	for i, st := range styles {
		lang := st.attrs["lang"]
		if lang == "" {
			lang = "css"
		}
		query := fmt.Sprintf("?vue&type=style&index=%d&lang.%s", i, lang)
		virtual = append(virtual, NewSourceFile(in.File.FilePath()+query, []byte(st.content)))
		fmt.Fprintf(&code, "import %s;\n", strconv.Quote("./"+base+query))
	}

	body := "const __sfc__ = {};\n"
	if script != nil {
		if lang := script.attrs["lang"]; lang != "" {
			meta["lang"] = lang
		}
		if !exportDefault.MatchString(script.content) {
			body = script.content + "\nconst __sfc__ = {};\n"
		} else {
			body = exportDefault.ReplaceAllString(script.content, "\nconst __sfc__ = ")
		}
	}
	code.WriteString(body)

	if template != nil {
		fmt.Fprintf(&code, "\n__sfc__.template = %s;\n", strconv.Quote(strings.TrimSpace(template.content)))
	}
	fmt.Fprintf(&code, "__sfc__.__file = %s;\n", strconv.Quote(in.File.FilePath()))
	code.WriteString("export default __sfc__;\n")

	return Output{
		Code:    []byte(code.String()),
		Virtual: virtual,
		Meta:    meta,
	}, nil
}
