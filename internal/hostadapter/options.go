package hostadapter

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// JailCreateOptions are the flag-struct equivalent of jail(8)'s
// creation parameters. ToArgs renders them into an argv slice, the same
// reflection-driven helper the teacher's options package uses for the
// "container" CLI's flag structs.
type JailCreateOptions struct {
	Name     string `flag:"name"`
	Path     string `flag:"path"`
	Host     string `flag:"host.hostname"`
	IP4Addr  string `flag:"ip4.addr"`
	Vnet     bool   `flag:"vnet"`
	Persist  bool   `flag:"persist"`
}

// ToArgs renders a flag-tagged struct into "key=value" jail(8)
// parameters, skipping zero-valued fields. It mirrors the teacher's
// options.ToArgs, generalized with reflection over any flag-tagged
// struct (kept generic so future adapter options reuse it too).
func ToArgs[T any](s *T) []string {
	if s == nil {
		s = new(T)
	}
	var ret []string
	st := reflect.TypeOf(*s)
	sv := reflect.ValueOf(*s)

	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		fv := sv.Field(i)

		flagTag, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		if fv.IsZero() {
			continue
		}

		switch field.Type.Kind() {
		case reflect.Bool:
			ret = append(ret, flagTag)
		case reflect.Map:
			m := fv.Interface().(map[string]string)
			keys := slices.Sorted(maps.Keys(m))
			var parts []string
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%s", k, m[k]))
			}
			ret = append(ret, fmt.Sprintf("%s=%s", flagTag, strings.Join(parts, ",")))
		default:
			ret = append(ret, fmt.Sprintf("%s=%s", flagTag, fv.Interface()))
		}
	}
	return ret
}
