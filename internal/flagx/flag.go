// Package flagx lets several configuration layers share os.Args without
// tripping over each other's flags.
package flagx

import (
	"flag"
	"io"
	"strings"
)

// FilterArgs returns the subset of args that belongs to the given flags.
//
// Value flags accept "-f value", "-f=value" and "--f=value"; the token after a
// bare value flag is taken as its value unless it looks like another flag.
// Bool flags never consume the following token, so "-once positional" keeps
// "positional" out of the result.
//
// The result is never nil.
func FilterArgs(args []string, valueFlags []string, boolFlags ...string) []string {
	values := make(map[string]struct{}, len(valueFlags))
	for _, f := range valueFlags {
		values[f] = struct{}{}
	}
	bools := make(map[string]struct{}, len(boolFlags))
	for _, f := range boolFlags {
		bools[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if known(name, values) || known(name, bools) {
				filtered = append(filtered, arg)
			}
			continue
		}

		if known(arg, bools) {
			filtered = append(filtered, arg)
			continue
		}

		if known(arg, values) {
			filtered = append(filtered, arg)
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// known reports whether name is in set, accepting both "-x" and "--x".
func known(name string, set map[string]struct{}) bool {
	if _, ok := set[name]; ok {
		return true
	}
	if strings.HasPrefix(name, "--") {
		_, ok := set[name[1:]]
		return ok
	}
	return false
}

// ConfigFileFlag extracts the path given with -c or -config. It returns an
// empty string when neither flag is present.
func ConfigFileFlag(args []string) string {
	var config string

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "-config"}))

	return config
}
