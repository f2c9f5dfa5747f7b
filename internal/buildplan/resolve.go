package buildplan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/model"
)

var varRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolvedPlan is a Build Plan with every ${NAME} reference substituted
// and every declared build arg bound to a concrete value.
type ResolvedPlan struct {
	BaseRelease  string
	Steps        []model.BuildStep
	Metadata     map[string]string
	ExposedPorts []model.ExposedPort
	Cmd          string
}

// Resolve substitutes ${NAME} references throughout plan against env,
// which is built up as ARG and ENV steps are walked: an ARG takes its
// value from userArgs when the caller supplied one, else its default. A
// userArgs entry with no matching ARG step never enters env. Scenario S6 (spec.md §4.7): a reference
// to a name that is never resolvable — not supplied by the caller, not
// given a default, not previously set by ENV — fails the whole
// resolution before any step is handed to Execute, so no step ever
// runs partway through a bad plan.
func Resolve(plan *model.BuildPlan, userArgs map[string]string) (*ResolvedPlan, error) {
	env := map[string]string{}
	declared := map[string]bool{}
	for _, name := range plan.DeclaredArgs {
		declared[name] = true
	}

	out := &ResolvedPlan{
		BaseRelease:  plan.BaseRelease,
		Metadata:     map[string]string{},
		ExposedPorts: append([]model.ExposedPort(nil), plan.ExposedPorts...),
		Cmd:          plan.Cmd,
	}

	for _, step := range plan.Steps {
		switch step.Kind {
		case model.StepArg:
			val, userSet := userArgs[step.Key]
			switch {
			case userSet:
				env[step.Key] = val
			case step.HasDefault:
				resolved, err := substitute(step.Value, env)
				if err != nil {
					return nil, err
				}
				env[step.Key] = resolved
			default:
				return nil, errs.NewBuildError("arg", fmt.Sprintf("build arg %q has no value and no default", step.Key))
			}
			out.Steps = append(out.Steps, step)

		case model.StepEnv:
			resolved, err := substitute(step.Value, env)
			if err != nil {
				return nil, err
			}
			env[step.Key] = resolved
			out.Steps = append(out.Steps, model.BuildStep{Kind: model.StepEnv, Key: step.Key, Value: resolved})

		case model.StepRun, model.StepCmd:
			resolved, err := substitute(step.Cmd, env)
			if err != nil {
				return nil, err
			}
			s := step
			s.Cmd = resolved
			out.Steps = append(out.Steps, s)
			if step.Kind == model.StepCmd {
				out.Cmd = resolved
			}

		case model.StepWorkdir:
			resolved, err := substitute(step.Path, env)
			if err != nil {
				return nil, err
			}
			s := step
			s.Path = resolved
			out.Steps = append(out.Steps, s)

		case model.StepCopy:
			src, err := substitute(step.Src, env)
			if err != nil {
				return nil, err
			}
			dest, err := substitute(step.Dest, env)
			if err != nil {
				return nil, err
			}
			s := step
			s.Src, s.Dest = src, dest
			out.Steps = append(out.Steps, s)

		case model.StepMetadata:
			resolved, err := substitute(step.Value, env)
			if err != nil {
				return nil, err
			}
			out.Metadata[step.Key] = resolved
			s := step
			s.Value = resolved
			out.Steps = append(out.Steps, s)

		case model.StepExpose:
			out.Steps = append(out.Steps, step)

		default:
			return nil, errs.NewBuildError("resolve", fmt.Sprintf("unhandled build step kind %q", step.Kind))
		}
	}

	for k, v := range plan.Metadata {
		if _, ok := out.Metadata[k]; !ok {
			resolved, err := substitute(v, env)
			if err != nil {
				return nil, err
			}
			out.Metadata[k] = resolved
		}
	}

	return out, nil
}

func substitute(s string, env map[string]string) (string, error) {
	var missing []string
	result := varRE.ReplaceAllStringFunc(s, func(ref string) string {
		name := varRE.FindStringSubmatch(ref)[1]
		val, ok := env[name]
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return val
	})
	if len(missing) > 0 {
		return "", errs.NewBuildError("substitute", fmt.Sprintf("unresolved build arg(s): %s", strings.Join(missing, ", ")))
	}
	return result, nil
}
