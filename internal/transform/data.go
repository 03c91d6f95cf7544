package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/conneroisu/assetpipe/internal/asset"
	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// JSONStage exposes a JSON document as a CommonJS module.
type JSONStage struct {
	policy config.ModePolicy
}

// NewJSONStage creates the json stage.
func NewJSONStage(policy config.ModePolicy) *JSONStage {
	return &JSONStage{policy: policy}
}

func (s *JSONStage) Name() string { return rules.StageJSON }
func (s *JSONStage) ConfigHash() string {
	return "json/v1/" + strconv.FormatBool(s.policy.Minify())
}

func (s *JSONStage) Run(_ context.Context, in Input) (Output, error) {
	if !json.Valid(in.Code) {
		var v interface{}
		err := json.Unmarshal(in.Code, &v)
		return Output{}, fmt.Errorf("invalid JSON: %w", err)
	}

	doc := bytes.TrimSpace(in.Code)
	if s.policy.Minify() {
		var buf bytes.Buffer
		if err := json.Compact(&buf, doc); err != nil {
			return Output{}, err
		}
		doc = buf.Bytes()
	}

	code := make([]byte, 0, len(doc)+20)
	code = append(code, "module.exports = "...)
	code = append(code, doc...)
	code = append(code, ";\n"...)
	return Output{Code: code}, nil
}

// AssetStage classifies binary resources and emits a module exporting their
// URL.
type AssetStage struct {
	classifier *asset.Classifier
}

// NewAssetStage creates the asset stage.
func NewAssetStage(classifier *asset.Classifier) *AssetStage {
	return &AssetStage{classifier: classifier}
}

func (s *AssetStage) Name() string       { return rules.StageAsset }
func (s *AssetStage) ConfigHash() string { return "asset/v1" }

func (s *AssetStage) Run(_ context.Context, in Input) (Output, error) {
	kind := asset.KindImage
	if in.Type == rules.TypeResource {
		kind = asset.KindResource
	}
	rec := s.classifier.Classify(in.File.FilePath(), in.Code, kind)
	code := "module.exports = " + strconv.Quote(rec.URL()) + ";\n"
	return Output{Code: []byte(code), Asset: &rec}, nil
}

// StageOptions configures the default stages.
type StageOptions struct {
	Defines map[string]string
	Targets []string
}

// DefaultRegistry registers every built-in stage.
func DefaultRegistry(policy config.ModePolicy, classifier *asset.Classifier, opts StageOptions) (*Registry, error) {
	script, err := NewScriptStage(policy, DefaultDefines(policy, opts.Defines), opts.Targets)
	if err != nil {
		return nil, err
	}
	postcss, err := NewPostCSSStage(policy, opts.Targets)
	if err != nil {
		return nil, err
	}
	sass, err := NewSassStage(opts.Targets)
	if err != nil {
		return nil, err
	}
	return NewRegistry(
		ComponentStage{},
		script,
		sass,
		postcss,
		CSSStage{},
		NewJSONStage(policy),
		NewAssetStage(classifier),
	), nil
}
