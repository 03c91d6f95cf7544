package output

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

// indexMap is a version 3 source map made of sections, one per module.
type indexMap struct {
	Version  int       `json:"version"`
	File     string    `json:"file,omitempty"`
	Sections []section `json:"sections"`
}

type section struct {
	Offset offset          `json:"offset"`
	Map    json.RawMessage `json:"map"`
}

type offset struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// writer accumulates generated code and the map sections that describe it.
type writer struct {
	buf      bytes.Buffer
	lines    int
	sections []section
}

func (w *writer) write(s string) {
	w.buf.WriteString(s)
	w.lines += bytes.Count([]byte(s), []byte{'\n'})
}

// writeMapped appends code, which must start at column 0, and records its
// map as a section. Code always ends with a newline afterwards.
func (w *writer) writeMapped(code, sourceMap []byte) {
	if len(sourceMap) > 0 && json.Valid(sourceMap) {
		w.sections = append(w.sections, section{
			Offset: offset{Line: w.lines},
			Map:    json.RawMessage(sourceMap),
		})
	}
	w.buf.Write(code)
	w.lines += bytes.Count(code, []byte{'\n'})
	if len(code) > 0 && code[len(code)-1] != '\n' {
		w.write("\n")
	}
}

func (w *writer) bytes() []byte { return w.buf.Bytes() }

func (w *writer) sourceMap(file string) ([]byte, error) {
	sections := w.sections
	if sections == nil {
		sections = []section{}
	}
	return json.Marshal(indexMap{Version: 3, File: file, Sections: sections})
}

// inlineMapComment returns a trailing comment embedding m as a data URI.
func inlineMapComment(m []byte, css bool) string {
	uri := "data:application/json;charset=utf-8;base64," + base64.StdEncoding.EncodeToString(m)
	return mapComment(uri, css)
}

func mapComment(url string, css bool) string {
	if css {
		return "/*# sourceMappingURL=" + url + " */\n"
	}
	return "//# sourceMappingURL=" + url + "\n"
}
