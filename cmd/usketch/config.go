package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
)

// applyConfigFile fills every flag that was not set on the command line or
// through the environment with the value found in the --config TOML file.
// Keys are flag names, e.g.
//
//	gutter-size = 128
//	peers = ["node-0:8080", "node-1:8080"]
func applyConfigFile(appCtx *cli.Context) error {
	path := appCtx.String("config")
	if path == "" {
		return nil
	}

	values := make(map[string]interface{})
	md, err := toml.DecodeFile(path, &values)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	known := make(map[string]bool)
	for _, f := range appCtx.App.Flags {
		for _, name := range f.Names() {
			known[name] = true
		}
	}

	for _, key := range md.Keys() {
		name := key.String()
		if !known[name] {
			return fmt.Errorf("config file: unknown setting %q", name)
		}

		if name == "config" || appCtx.IsSet(name) {
			continue
		}

		if err := appCtx.Set(name, flagValue(values[name])); err != nil {
			return fmt.Errorf("config file: setting %q: %w", name, err)
		}
	}

	return nil
}

func flagValue(v interface{}) string {
	list, ok := v.([]interface{})
	if !ok {
		return fmt.Sprint(v)
	}

	items := make([]string, len(list))
	for i, item := range list {
		items[i] = fmt.Sprint(item)
	}

	return strings.Join(items, ",")
}
