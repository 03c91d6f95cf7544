package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"ios":     api.EngineIOS,
	"node":    api.EngineNode,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

var targetPattern = regexp.MustCompile(`^([a-z]+)(\d+(?:\.\d+)*)$`)

// ParseTargets turns browserslist style names such as "chrome87" into
// esbuild engines.
func ParseTargets(targets []string) ([]api.Engine, error) {
	engines := make([]api.Engine, 0, len(targets))
	for _, t := range targets {
		m := targetPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(t)))
		if m == nil {
			return nil, fmt.Errorf("invalid target %q", t)
		}
		name, ok := engineNames[m[1]]
		if !ok {
			return nil, fmt.Errorf("unknown engine %q in target %q", m[1], t)
		}
		engines = append(engines, api.Engine{Name: name, Version: m[2]})
	}
	return engines, nil
}

// messagesError converts esbuild messages into a SyntaxError for the first
// one. esbuild lines are 1-based and columns 0-based.
func messagesError(msgs []api.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[0]
	se := &SyntaxError{Text: m.Text}
	if m.Location != nil {
		se.Line = m.Location.Line
		se.Column = m.Location.Column + 1
	}
	if len(msgs) > 1 {
		se.Text = fmt.Sprintf("%s (and %d more)", se.Text, len(msgs)-1)
	}
	return se
}

func messageTexts(msgs []api.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			out = append(out, fmt.Sprintf("%d:%d: %s", m.Location.Line, m.Location.Column+1, m.Text))
		} else {
			out = append(out, m.Text)
		}
	}
	return out
}

func sortedPairs(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m[k])
		sb.WriteByte(';')
	}
	return sb.String()
}
