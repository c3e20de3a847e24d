package step

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/stagehand-ci/stagehand/internal/driver"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// Extract builds the artifact declared by spec from a finished invocation.
// The error reports why extraction failed; the caller decides whether that
// fails the step (Required) or is merely logged.
func Extract(spec types.OutputSpec, stage string, inv *driver.Invocation) (types.Artifact, error) {
	switch spec.Source {
	case types.OutputFromExitCode:
		return types.IntArtifact(spec.Name, stage, inv.ExitCode), nil

	case types.OutputFromStdout:
		return types.StringArtifact(spec.Name, stage, strings.TrimRight(string(inv.Stdout), "\n")), nil

	case types.OutputFromStdoutJSON:
		raw := []byte(strings.TrimSpace(string(inv.Stdout)))
		if !json.Valid(raw) {
			return types.Artifact{}, fmt.Errorf("output %s: stdout is not valid JSON", spec.Name)
		}
		return types.JSONArtifact(spec.Name, stage, json.RawMessage(raw)), nil

	case types.OutputFromRegex:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return types.Artifact{}, fmt.Errorf("output %s: compile pattern: %w", spec.Name, err)
		}
		if re.NumSubexp() < 1 {
			return types.Artifact{}, fmt.Errorf("output %s: pattern %q has no capture group", spec.Name, spec.Pattern)
		}
		m := re.FindSubmatch(inv.Stdout)
		if m == nil {
			return types.Artifact{}, fmt.Errorf("output %s: pattern %q did not match stdout", spec.Name, spec.Pattern)
		}
		return types.StringArtifact(spec.Name, stage, string(m[1])), nil

	case types.OutputFromFile:
		data, err := os.ReadFile(spec.Path)
		if err != nil {
			return types.Artifact{}, fmt.Errorf("output %s: read %s: %w", spec.Name, spec.Path, err)
		}
		return types.StringArtifact(spec.Name, stage, strings.TrimRight(string(data), "\n")), nil

	default:
		return types.Artifact{}, fmt.Errorf("output %s: unknown source %q", spec.Name, spec.Source)
	}
}

// ValidateOutputSpec checks an output declaration statically, so malformed
// patterns and missing fields surface before the run starts.
func ValidateOutputSpec(spec types.OutputSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("output requires a name")
	}
	switch spec.Source {
	case types.OutputFromExitCode, types.OutputFromStdout, types.OutputFromStdoutJSON:
		return nil
	case types.OutputFromRegex:
		if spec.Pattern == "" {
			return fmt.Errorf("output %s: stdout_regex requires a pattern", spec.Name)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return fmt.Errorf("output %s: compile pattern: %w", spec.Name, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("output %s: pattern %q has no capture group", spec.Name, spec.Pattern)
		}
		return nil
	case types.OutputFromFile:
		if spec.Path == "" {
			return fmt.Errorf("output %s: file source requires a path", spec.Name)
		}
		return nil
	default:
		return fmt.Errorf("output %s: unknown source %q", spec.Name, spec.Source)
	}
}
