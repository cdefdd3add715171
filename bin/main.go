/*
   Tracesketch - Collaborative Timeline Forensics

   Copyright (C) 2025 Velocidex Innovations.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package main

import (
	"os"

	kingpin "github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/tracesketch/config"
)

type CommandHandler func(command string) bool

var (
	app = kingpin.New("tracesketch",
		"Collaborative forensic timeline analysis.")

	config_path = app.Flag("config", "The configuration file.").
			Short('c').Envar("TRACESKETCH_CONFIG").String()

	command_handlers []CommandHandler
)

func loadConfig() *config.Config {
	if *config_path == "" {
		return config.GetDefaultConfig()
	}

	config_obj, err := config.LoadConfigFromFile(*config_path)
	kingpin.FatalIfError(err, "Unable to load config.")
	return config_obj
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate).DefaultEnvars()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	for _, command_handler := range command_handlers {
		if command_handler(command) {
			return
		}
	}
}
