// Package rules turns declarative rule manifests into engine rules.
//
// A manifest is a YAML file listing rule definitions. Each definition has a
// kind that selects its implementation:
//
//   - path_exists and path_absent check for files or globs
//   - content_match applies a regular expression to file contents
//   - rego evaluates an OPA policy whose deny set holds violations
//   - starlark runs a script that assigns the global passed
//
// All kinds observe the repository through engine.ExecutionContext, so
// rules in a run share the observation cache. Build compiles every
// definition before registering any of them:
//
//	m, err := rules.LoadManifest("rulecheck-rules.yaml")
//	if err != nil {
//		return err
//	}
//	reg := engine.NewRegistry()
//	if err := rules.RegisterBuiltins(reg); err != nil {
//		return err
//	}
//	if err := rules.Build(ctx, m, reg, rules.BuildOptions{Logger: logger}); err != nil {
//		return err
//	}
//
// The depends_on lists of a manifest feed engine.DAGBuilder through
// Manifest.Dependencies.
package rules
