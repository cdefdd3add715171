package main

import (
	"fmt"

	"github.com/Velocidex/yaml/v2"
	kingpin "github.com/alecthomas/kingpin/v2"
)

var (
	config_command = app.Command("config", "Configuration commands.")

	config_show = config_command.Command("show",
		"Print the effective config, defaults merged in.")
)

func doConfigShow() {
	config_obj := loadConfig()

	serialized, err := yaml.Marshal(config_obj)
	kingpin.FatalIfError(err, "Serializing config.")
	fmt.Printf("%s", serialized)
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == config_show.FullCommand() {
			doConfigShow()
			return true
		}
		return false
	})
}
