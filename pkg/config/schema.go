package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// ConfigSchema is the name of the built-in configuration schema.
const ConfigSchema = "config"

// SchemaRegistry manages CUE schemas used to check CUE configuration sources.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(ConfigSchema, builtinConfigSchema, "#Config"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate compiles a CUE source and unifies it with the named schema.
func (sr *SchemaRegistry) Evaluate(schemaName string, src []byte, filename string) (cue.Value, error) {
	sr.mu.RLock()
	schema, ok := sr.schemas[schemaName]
	sr.mu.RUnlock()
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	val := sr.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, engine.NewConfigError(fmt.Sprintf("failed to compile %s", filename), err).
			WithCode(engine.ErrCodeParse)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, engine.NewConfigError(fmt.Sprintf("%s does not match the %s schema", filename, schemaName), err).
			WithCode(engine.ErrCodeValidation)
	}
	return unified, nil
}

// Normalize evaluates a CUE configuration against the config schema and
// re-encodes it as YAML, so both formats share one decoding path.
func (sr *SchemaRegistry) Normalize(src []byte, filename string) ([]byte, error) {
	val, err := sr.Evaluate(ConfigSchema, src, filename)
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := val.Decode(&doc); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to decode %s", filename), err).
			WithCode(engine.ErrCodeParse)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to re-encode %s", filename), err).
			WithCode(engine.ErrCodeInternal)
	}
	return out, nil
}

const builtinConfigSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Severity: "CRITICAL" | "HIGH" | "MEDIUM" | "LOW" | "INFO"

#Config: {
	repo_root?: string
	graph?:     string
	rules?:     string
	fail_on?:   #Severity

	engine?: {
		max_workers?:           int & >=0 & <=4096
		adaptive?:              bool
		show_progress?:         bool
		cache_ttl?:             #Duration
		default_rule_estimate?: #Duration
		min_work_per_worker?:   #Duration
		profile_window?:        int & >=0 & <=10000
		watch?:                 bool
	}

	profile?: {
		path?: string
		keep?: int & >=0
	}

	telemetry?: {
		service_name?:    string
		service_version?: string
		environment?:     string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			...
		}
		tracing?: {
			enabled?:  bool
			exporter?: "otlp" | "stdout" | "none"
			...
		}
		metrics?: {...}
		...
	}
}
`
