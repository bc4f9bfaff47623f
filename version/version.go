// Package version reports the engine's own version and the module
// dependencies compiled into the binary, read from runtime/debug.
package version

import (
	"runtime/debug"
	"sort"
)

// modulePath is the path the engine is built from.
const modulePath = "github.com/caliperml/caliper"

// Dependency is one module compiled into the binary.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// EngineVersion returns the version of the running engine binary, "dev"
// when built from a working tree.
func EngineVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	if info.Path == modulePath {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		return "dev"
	}
	// Built as a dependency of another module.
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}
	return "unknown"
}

// Dependencies lists the compiled-in modules ordered by path.
func Dependencies() []Dependency {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	deps := make([]Dependency, 0, len(info.Deps))
	for _, dep := range info.Deps {
		d := Dependency{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Path < deps[j].Path })
	return deps
}
