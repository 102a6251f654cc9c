package cel

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

// NewConditionEnvironment creates the CEL environment used by rule conditions.
//   - Variables: action, target_path, content, content_size, is_mutating
//   - Functions: glob(pattern, path), path_segments(path)
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("action", cel.StringType),
		cel.Variable("target_path", cel.StringType),
		cel.Variable("content", cel.StringType),
		cel.Variable("content_size", cel.IntType),
		cel.Variable("is_mutating", cel.BoolType),

		// glob: doublestar match, same semantics as rule patterns.
		// Usage: glob("**/*.go", target_path)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					n, ok2 := name.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					return types.Bool(policy.MatchPath(p, n))
				}),
			),
		),

		// path_segments: number of non-empty segments in a path.
		// Usage: path_segments(target_path) > 3
		cel.Function("path_segments",
			cel.Overload("path_segments_string",
				[]*cel.Type{cel.StringType},
				cel.IntType,
				cel.UnaryBinding(func(val ref.Val) ref.Val {
					s, ok := val.Value().(string)
					if !ok {
						return types.Int(0)
					}
					var n int64
					for _, seg := range strings.Split(policy.NormalizePath(s), "/") {
						if seg != "" {
							n++
						}
					}
					return types.Int(n)
				}),
			),
		),
	)
}

// BuildActivation creates the CEL activation map for an input.
func BuildActivation(in policy.Input) map[string]any {
	return map[string]any{
		"action":       string(in.Action),
		"target_path":  policy.NormalizePath(in.TargetPath),
		"content":      string(in.Content),
		"content_size": int64(len(in.Content)),
		"is_mutating":  in.Action.IsMutating(),
	}
}
