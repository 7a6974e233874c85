package manifest

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"edge-cd/pkg/constants"
	"edge-cd/pkg/utils"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := utils.NewJSONValidator()
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return v
}

// VectorPreset 预置 embedding 模型对应的维度和距离
type VectorPreset struct {
	Dimensions int
	Metric     string
}

var vectorPresets = map[string]VectorPreset{
	"@cf/baai/bge-small-en-v1.5":    {Dimensions: 384, Metric: "cosine"},
	"@cf/baai/bge-base-en-v1.5":     {Dimensions: 768, Metric: "cosine"},
	"@cf/baai/bge-large-en-v1.5":    {Dimensions: 1024, Metric: "cosine"},
	"openai/text-embedding-ada-002": {Dimensions: 1536, Metric: "cosine"},
}

// Shape 返回索引维度和距离, preset 优先, 显式字段覆盖
func (v VectorizeBinding) Shape() (int, string, bool) {
	dims, metric := v.Dimensions, v.Metric
	if v.Preset != "" {
		p, ok := vectorPresets[v.Preset]
		if !ok {
			return 0, "", false
		}
		if dims == 0 {
			dims = p.Dimensions
		}
		if metric == "" {
			metric = p.Metric
		}
	}
	if metric == "" {
		metric = "cosine"
	}
	return dims, metric, dims > 0
}

// Validate 返回全部校验错误, 为空表示通过
func Validate(m *Manifest) []string {
	var problems []string
	if err := validate.Struct(m); err != nil {
		problems = append(problems, utils.ValidationMessages(err)...)
	}

	for _, key := range m.unknownBindings {
		problems = append(problems, fmt.Sprintf("bindings.%s: unknown binding type", key))
	}

	if m.Bindings != nil {
		problems = append(problems, checkBindings(m)...)
	}
	problems = append(problems, checkMigrations(m.Migrations)...)
	return problems
}

func checkBindings(m *Manifest) []string {
	var problems []string
	b := m.Bindings
	seen := map[string]string{}

	claim := func(path, name string) {
		if name == "" {
			return
		}
		if name == constants.BindingProjectID || strings.HasPrefix(name, constants.ReservedPrefix) {
			problems = append(problems, fmt.Sprintf("%s: binding name '%s' is reserved", path, name))
			return
		}
		if prev, ok := seen[name]; ok {
			problems = append(problems, fmt.Sprintf("%s: binding name '%s' already used by %s", path, name, prev))
			return
		}
		seen[name] = path
	}

	if b.D1 != nil {
		claim("bindings.d1", b.D1.Binding)
	}
	if b.AI != nil {
		claim("bindings.ai", b.AI.Binding)
	}
	for i, r := range b.R2 {
		claim(fmt.Sprintf("bindings.r2[%d]", i), r.Binding)
	}
	for i, kv := range b.KV {
		claim(fmt.Sprintf("bindings.kv[%d]", i), kv.Binding)
	}
	for i, v := range b.Vectorize {
		path := fmt.Sprintf("bindings.vectorize[%d]", i)
		claim(path, v.Binding)
		if v.Preset != "" {
			if _, ok := vectorPresets[v.Preset]; !ok {
				problems = append(problems, fmt.Sprintf("%s: unknown preset '%s'", path, v.Preset))
				continue
			}
		}
		if _, _, ok := v.Shape(); !ok {
			problems = append(problems, fmt.Sprintf("%s: either preset or dimensions is required", path))
		}
	}
	if b.Assets != nil {
		name := b.Assets.Binding
		if name == "" {
			name = constants.DefaultAssetsBinding
		}
		claim("bindings.assets", name)
	}
	for i, do := range b.DurableObjects {
		path := fmt.Sprintf("bindings.durable_objects[%d]", i)
		claim(path, do.Binding)
		if strings.HasPrefix(do.ClassName, constants.ReservedPrefix) {
			problems = append(problems, fmt.Sprintf("%s: class name '%s' is reserved", path, do.ClassName))
		}
	}
	for _, key := range sortedKeys(b.Vars) {
		if !identifierPattern.MatchString(key) {
			problems = append(problems, fmt.Sprintf("bindings.vars.%s: must be a valid identifier", key))
			continue
		}
		claim("bindings.vars."+key, key)
	}

	if len(b.DurableObjects) > 0 && !m.HasCompatibilityFlag(constants.RequiredDOCompatFlag) {
		problems = append(problems, fmt.Sprintf("compatibility_flags: durable objects require '%s'", constants.RequiredDOCompatFlag))
	}
	return problems
}

func checkMigrations(migrations []Migration) []string {
	var problems []string
	tags := map[string]int{}
	for i, mig := range migrations {
		if mig.Tag == "" {
			continue
		}
		if prev, ok := tags[mig.Tag]; ok {
			problems = append(problems, fmt.Sprintf("migrations[%d]: tag '%s' duplicates migrations[%d]", i, mig.Tag, prev))
			continue
		}
		tags[mig.Tag] = i
	}
	return problems
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
