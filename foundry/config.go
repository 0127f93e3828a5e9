// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package foundry

import (
	"strings"

	"github.com/gobuffalo/envy"
)

// CompilerConfig controls GLSL compilation and shader bookkeeping.
// It applies to every load until replaced with SetConfig or extended
// with AddIncludeDirectory and AddDefine.
type CompilerConfig struct {
	// Compiler is the external GLSL to SPIR-V compiler binary.
	Compiler string

	// Optimize enables compiler optimization passes.
	Optimize bool

	// Debug keeps debug info in compiled modules.
	Debug bool

	// Reflection populates the reflection table on every load.
	Reflection bool

	// Validate asks the compiler for extra validation diagnostics.
	Validate bool

	// IncludeDirs is an ordered include search path.
	IncludeDirs []string

	// Defines is a preprocessor name to value map.
	Defines map[string]string

	// EntryPoint is used when a load call leaves it empty.
	EntryPoint string
}

// DefaultCompilerConfig returns the baseline configuration with
// reflection on and optimizations off.
func DefaultCompilerConfig() CompilerConfig {
	return CompilerConfig{
		Compiler:   "glslc",
		Reflection: true,
		EntryPoint: "main",
	}
}

// clone deep copies the mutable fields so a snapshot cannot alias
// live configuration.
func (c CompilerConfig) clone() CompilerConfig {
	out := c
	if c.IncludeDirs != nil {
		out.IncludeDirs = append([]string{}, c.IncludeDirs...)
	}
	if c.Defines != nil {
		out.Defines = make(map[string]string, len(c.Defines))
		for k, v := range c.Defines {
			out.Defines[k] = v
		}
	}
	return out
}

// Environment overrides for CompilerConfig.
const (
	EnvCompiler    = "PORTAL_SHADER_COMPILER"
	EnvOptimize    = "PORTAL_SHADER_OPT"
	EnvDebug       = "PORTAL_SHADER_DEBUG"
	EnvReflect     = "PORTAL_SHADER_REFLECT"
	EnvValidate    = "PORTAL_SHADER_VALIDATE"
	EnvIncludeDirs = "PORTAL_SHADER_INCLUDE_DIRS"
)

// ConfigFromEnv layers environment overrides on top of cfg.
// Boolean variables accept "1"/"true" and "0"/"false", the include
// directory list is colon separated.
func ConfigFromEnv(cfg CompilerConfig) CompilerConfig {
	cfg.Compiler = envy.Get(EnvCompiler, cfg.Compiler)
	cfg.Optimize = envBool(EnvOptimize, cfg.Optimize)
	cfg.Debug = envBool(EnvDebug, cfg.Debug)
	cfg.Reflection = envBool(EnvReflect, cfg.Reflection)
	cfg.Validate = envBool(EnvValidate, cfg.Validate)

	if dirs := envy.Get(EnvIncludeDirs, ""); dirs != "" {
		cfg.IncludeDirs = strings.Split(dirs, ":")
	}
	return cfg
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(envy.Get(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
