// Package step executes a stage's steps sequentially: placeholder
// resolution, retries, timeout classification, and artifact extraction.
package step

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// placeholderRe matches ${artifacts.key}, ${trigger.field}, ${params.key}.
var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_][a-zA-Z0-9_.\-]*)\}`)

// Resolver substitutes placeholders in step commands and environments with
// trigger fields and upstream artifact values.
type Resolver struct {
	store artifact.Store
	runID string
	trig  types.Trigger
}

// NewResolver creates a resolver scoped to one run.
func NewResolver(store artifact.Store, runID string, trig types.Trigger) *Resolver {
	return &Resolver{store: store, runID: runID, trig: trig}
}

// ResolveAll substitutes placeholders in every value.
func (r *Resolver) ResolveAll(ctx context.Context, values []string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// ResolveEnv substitutes placeholders in every map value.
func (r *Resolver) ResolveEnv(ctx context.Context, env map[string]string) (map[string]string, error) {
	if env == nil {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// Resolve substitutes all placeholders in one value.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	var resolveErr error
	result := placeholderRe.ReplaceAllStringFunc(value, func(match string) string {
		if resolveErr != nil {
			return match
		}
		path := match[2 : len(match)-1]
		v, err := r.lookup(ctx, path)
		if err != nil {
			resolveErr = err
			return match
		}
		return v
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

func (r *Resolver) lookup(ctx context.Context, path string) (string, error) {
	if key, ok := strings.CutPrefix(path, "artifacts."); ok {
		art, err := r.store.Get(ctx, r.runID, key)
		if err != nil {
			return "", fmt.Errorf("resolve ${artifacts.%s}: %w", key, err)
		}
		return art.Value(), nil
	}
	if key, ok := strings.CutPrefix(path, "params."); ok {
		return r.trig.Param(key), nil
	}
	if field, ok := strings.CutPrefix(path, "trigger."); ok {
		switch field {
		case "event":
			return string(r.trig.Event), nil
		case "action":
			return r.trig.Action, nil
		case "actor":
			return r.trig.Actor, nil
		case "environment":
			return r.trig.Environment, nil
		}
		return "", fmt.Errorf("unknown trigger field %q", field)
	}
	return "", fmt.Errorf("unknown placeholder ${%s}", path)
}
