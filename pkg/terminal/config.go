package terminal

import (
	"fmt"
	"strings"

	"github.com/go-delve/wdbg/pkg/config"
)

func configureCmd(t *Term, args string) error {
	switch args {
	case "-list":
		config.ConfigureList(t.stdout, t.conf, "yaml")
		return nil
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	default:
		if err := configureSet(t, args); err != nil {
			return err
		}
		t.applyConfig()
		return nil
	}
}

func configureSet(t *Term, args string) error {
	name, value, hasValue := strings.Cut(strings.TrimSpace(args), " ")
	value = strings.TrimSpace(value)

	switch {
	case name == "alias":
		return configureAlias(t, value)
	case !hasValue:
		line := config.ConfigureListByName(t.conf, name, "yaml")
		if line == "" {
			return fmt.Errorf("unknown configuration key %q", name)
		}
		fmt.Fprint(t.stdout, line)
		return nil
	}
	return config.ConfigureSetSimple(t.conf, name, "yaml", value)
}

// configureAlias adds an alias to a command ("config alias <cmd> <alias>")
// or removes an alias from whichever command owns it ("config alias <alias>").
func configureAlias(t *Term, args string) error {
	fields := config.SplitQuotedFields(args, '"')
	switch len(fields) {
	case 1:
		for cmd, aliases := range t.conf.Aliases {
			t.conf.Aliases[cmd] = removeString(aliases, fields[0])
		}
		return nil
	case 2:
		cmd, ok := t.cmds.canonical(fields[0])
		if !ok {
			return fmt.Errorf("unknown command %q", fields[0])
		}
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], fields[1])
		return nil
	}
	return fmt.Errorf("wrong number of arguments to \"config alias\"")
}

func removeString(v []string, s string) []string {
	r := v[:0]
	for _, x := range v {
		if x != s {
			r = append(r, x)
		}
	}
	return r
}
