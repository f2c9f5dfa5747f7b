// Package buildplan implements the Build Planner (spec.md §4.7): it
// parses either of two Jailfile-style surface syntaxes — an imperative
// instruction list or a structured YAML record — into the same
// ordered sequence of Build Steps, resolves ${NAME} build-arg
// substitutions, and executes the result against a scratch jail.
package buildplan

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/model"
	"gopkg.in/yaml.v3"
)

// ParseImperative parses the line-oriented instruction syntax:
//
//	FROM <release>
//	ARG NAME[=default]
//	ENV KEY=VALUE
//	WORKDIR /path
//	COPY src dest
//	RUN cmd...
//	EXPOSE port/proto
//	CMD cmd...
//	METADATA key=value
//
// Blank lines and lines starting with # are ignored. Unknown verbs are
// a BuildError.
func ParseImperative(text string) (*model.BuildPlan, error) {
	plan := &model.BuildPlan{Metadata: map[string]string{}}
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		verb = strings.ToUpper(verb)

		step, isFrom, fromRelease, err := parseInstruction(verb, rest, lineNo)
		if err != nil {
			return nil, err
		}
		if isFrom {
			plan.BaseRelease = fromRelease
			continue
		}
		applyStep(plan, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading build instructions: %w", err)
	}
	return plan, nil
}

func parseInstruction(verb, rest string, lineNo int) (step model.BuildStep, isFrom bool, fromRelease string, err error) {
	switch verb {
	case "FROM":
		return model.BuildStep{}, true, rest, nil
	case "ARG":
		name, def, hasDefault := strings.Cut(rest, "=")
		return model.BuildStep{Kind: model.StepArg, Key: name, Value: def, HasDefault: hasDefault}, false, "", nil
	case "ENV":
		k, v, ok := strings.Cut(rest, "=")
		if !ok {
			return step, false, "", errs.NewBuildError(fmt.Sprintf("line %d", lineNo), "ENV requires KEY=VALUE")
		}
		return model.BuildStep{Kind: model.StepEnv, Key: k, Value: v}, false, "", nil
	case "WORKDIR":
		return model.BuildStep{Kind: model.StepWorkdir, Path: rest}, false, "", nil
	case "COPY":
		parts := strings.Fields(rest)
		if len(parts) != 2 {
			return step, false, "", errs.NewBuildError(fmt.Sprintf("line %d", lineNo), "COPY requires exactly src and dest")
		}
		return model.BuildStep{Kind: model.StepCopy, Src: parts[0], Dest: parts[1]}, false, "", nil
	case "RUN":
		return model.BuildStep{Kind: model.StepRun, Cmd: rest}, false, "", nil
	case "CMD":
		return model.BuildStep{Kind: model.StepCmd, Cmd: rest}, false, "", nil
	case "EXPOSE":
		portProto := strings.SplitN(rest, "/", 2)
		port, perr := strconv.Atoi(portProto[0])
		if perr != nil {
			return step, false, "", errs.NewBuildError(fmt.Sprintf("line %d", lineNo), fmt.Sprintf("invalid EXPOSE port %q", rest))
		}
		proto := model.ProtoTCP
		if len(portProto) == 2 {
			proto = model.Protocol(portProto[1])
		}
		return model.BuildStep{Kind: model.StepExpose, Port: port, Protocol: proto}, false, "", nil
	case "METADATA":
		k, v, ok := strings.Cut(rest, "=")
		if !ok {
			return step, false, "", errs.NewBuildError(fmt.Sprintf("line %d", lineNo), "METADATA requires KEY=VALUE")
		}
		return model.BuildStep{Kind: model.StepMetadata, Key: k, Value: v}, false, "", nil
	default:
		return step, false, "", errs.NewBuildError(fmt.Sprintf("line %d", lineNo), fmt.Sprintf("unknown instruction %q", verb))
	}
}

func applyStep(plan *model.BuildPlan, step model.BuildStep) {
	switch step.Kind {
	case model.StepArg:
		plan.DeclaredArgs = append(plan.DeclaredArgs, step.Key)
		plan.Steps = append(plan.Steps, step)
	case model.StepExpose:
		plan.ExposedPorts = append(plan.ExposedPorts, model.ExposedPort{InternalPort: step.Port, Protocol: step.Protocol})
		plan.Steps = append(plan.Steps, step)
	case model.StepCmd:
		plan.Cmd = step.Cmd
		plan.Steps = append(plan.Steps, step)
	case model.StepMetadata:
		plan.Metadata[step.Key] = step.Value
		plan.Steps = append(plan.Steps, step)
	default:
		plan.Steps = append(plan.Steps, step)
	}
}

// structuredDoc is the YAML structured-record surface syntax: the same
// semantics as the imperative list, spelled as a document instead of a
// line protocol.
type structuredDoc struct {
	From     string            `yaml:"from"`
	Args     []structuredArg   `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Workdir  string            `yaml:"workdir"`
	Copy     []structuredCopy  `yaml:"copy"`
	Run      []string          `yaml:"run"`
	Expose   []string          `yaml:"expose"`
	Cmd      string            `yaml:"cmd"`
	Metadata map[string]string `yaml:"metadata"`
}

type structuredArg struct {
	Name    string `yaml:"name"`
	Default string `yaml:"default"`
}

type structuredCopy struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
}

// ParseStructured parses the YAML structured record surface syntax.
// The field order above fixes the variant sequence: args, then env,
// then workdir, then copy, then run (each run entry as its own Run
// step, in document order), then expose, then cmd, then metadata —
// the same ordering an equivalent imperative file would declare them
// in, so a plan authored either way behaves identically (spec.md §4.7).
func ParseStructured(data []byte) (*model.BuildPlan, error) {
	var doc structuredDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.WrapBuildError("parse", err)
	}
	plan := &model.BuildPlan{BaseRelease: doc.From, Metadata: map[string]string{}}

	for _, a := range doc.Args {
		applyStep(plan, model.BuildStep{Kind: model.StepArg, Key: a.Name, Value: a.Default, HasDefault: a.Default != ""})
	}
	for _, k := range sortedKeys(doc.Env) {
		applyStep(plan, model.BuildStep{Kind: model.StepEnv, Key: k, Value: doc.Env[k]})
	}
	if doc.Workdir != "" {
		applyStep(plan, model.BuildStep{Kind: model.StepWorkdir, Path: doc.Workdir})
	}
	for _, c := range doc.Copy {
		applyStep(plan, model.BuildStep{Kind: model.StepCopy, Src: c.Src, Dest: c.Dest})
	}
	for _, r := range doc.Run {
		applyStep(plan, model.BuildStep{Kind: model.StepRun, Cmd: r})
	}
	for _, e := range doc.Expose {
		portProto := strings.SplitN(e, "/", 2)
		port, err := strconv.Atoi(portProto[0])
		if err != nil {
			return nil, errs.NewBuildError("expose", fmt.Sprintf("invalid expose entry %q", e))
		}
		proto := model.ProtoTCP
		if len(portProto) == 2 {
			proto = model.Protocol(portProto[1])
		}
		applyStep(plan, model.BuildStep{Kind: model.StepExpose, Port: port, Protocol: proto})
	}
	if doc.Cmd != "" {
		applyStep(plan, model.BuildStep{Kind: model.StepCmd, Cmd: doc.Cmd})
	}
	for _, k := range sortedKeys(doc.Metadata) {
		applyStep(plan, model.BuildStep{Kind: model.StepMetadata, Key: k, Value: doc.Metadata[k]})
	}
	return plan, nil
}

// sortedKeys returns m's keys in sorted order so repeated parses of the
// same document produce byte-identical plans (spec.md §8 invariant 6:
// build determinism) — ranging over a map directly would not.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
