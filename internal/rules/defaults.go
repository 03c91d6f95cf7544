package rules

import (
	"fmt"
	"os"
	"regexp"

	toml "github.com/pelletier/go-toml/v2"
)

// Stage names registered by the transform package.
const (
	StageComponent = "component"
	StageSass      = "sass"
	StagePostCSS   = "postcss"
	StageCSS       = "css"
	StageScript    = "script"
	StageJSON      = "json"
	StageAsset     = "asset"
)

// Defaults returns the built-in rule list. Project scripts are only
// transformed when they live under srcDir; packages under node_modules are
// lowered to CommonJS by the modules rule.
//
// The images and fonts rules overlap with nothing today, but precedence
// between asset rules is strictly by declaration order; a font extension
// added to the images pattern would be classified as an image.
func Defaults(srcDir string) []Rule {
	return []Rule{
		{Name: "vue", Test: regexp.MustCompile(`\.vue$`), Use: []string{StageComponent, StageScript}, Type: TypeScript},
		{Name: "css", Test: regexp.MustCompile(`\.css$`), Use: []string{StagePostCSS, StageCSS}, Type: TypeStyle},
		{Name: "scss", Test: regexp.MustCompile(`\.s[ac]ss$`), Use: []string{StageSass, StagePostCSS, StageCSS}, Type: TypeStyle},
		{Name: "images", Test: regexp.MustCompile(`\.(jpe?g|png|webp|svg|gif)$`), Use: []string{StageAsset}, Type: TypeAsset},
		{Name: "fonts", Test: regexp.MustCompile(`\.(woff2?|ttf)$`), Use: []string{StageAsset}, Type: TypeResource},
		{Name: "js", Test: regexp.MustCompile(`\.js$`), Include: []string{srcDir}, Use: []string{StageScript}, Type: TypeScript},
		{Name: "modules", Test: regexp.MustCompile(`\.[mc]?js$`), Include: []string{"node_modules"}, Use: []string{StageScript}, Type: TypeScript},
		{Name: "json", Test: regexp.MustCompile(`\.json$`), Use: []string{StageJSON}, Type: TypeScript},
	}
}

// file is the on-disk rule table format:
//
//	[[rule]]
//	name = "images"
//	test = '\.(png|jpe?g)$'
//	use = ["asset"]
//	type = "asset"
type file struct {
	Rules []struct {
		Name    string            `toml:"name"`
		Test    string            `toml:"test"`
		Include []string          `toml:"include"`
		Exclude []string          `toml:"exclude"`
		Use     []string          `toml:"use"`
		Type    string            `toml:"type"`
		Options map[string]string `toml:"options"`
	} `toml:"rule"`
}

// Parse decodes a TOML rule table, keeping declaration order.
func Parse(data []byte) ([]Rule, error) {
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rule table declares no rules")
	}

	out := make([]Rule, 0, len(f.Rules))
	for i, r := range f.Rules {
		re, err := regexp.Compile(r.Test)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		out = append(out, Rule{
			Name:    r.Name,
			Test:    re,
			Include: r.Include,
			Exclude: r.Exclude,
			Use:     r.Use,
			Type:    ModuleType(r.Type),
			Options: r.Options,
		})
	}
	return out, nil
}

// LoadFile reads a rule table from path.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
