// Package steps provides small generic steps and routers for graph files.
package steps

import "github.com/deepnoodle-ai/stategraph"

// Register adds the built-in steps and routers to a registry.
//
// Steps: set, sleep, fail, read_file, print, script.
// Routers: threshold, field_value.
func Register(registry *stategraph.Registry) {
	compiler := registry.Compiler()
	registry.RegisterStep("set", newSet)
	registry.RegisterStep("sleep", newSleep)
	registry.RegisterStep("fail", newFail)
	registry.RegisterStep("read_file", newReadFile)
	registry.RegisterStep("print", newPrint(compiler))
	registry.RegisterStep("script", newScript(compiler))
	registry.RegisterRouter("threshold", newThreshold)
	registry.RegisterRouter("field_value", newFieldValue)
}

// NewRegistry returns a registry with the built-ins registered.
func NewRegistry() *stategraph.Registry {
	registry := stategraph.NewRegistry()
	Register(registry)
	return registry
}
