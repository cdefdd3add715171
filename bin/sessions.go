package main

import (
	"context"
	"fmt"

	kingpin "github.com/alecthomas/kingpin/v2"
)

var (
	sessions_command = app.Command("sessions",
		"Inspect analysis sessions.")

	sessions_show = sessions_command.Command("show",
		"Show one session with per unit outcomes.")

	sessions_show_id = sessions_show.Arg("session_id", "Session id.").
				Required().String()

	sessions_list = sessions_command.Command("list",
		"List sessions of a sketch.")

	sessions_list_sketch = sessions_list.Flag("sketch", "Sketch id.").
				Required().String()
)

func doShowSession() {
	config_obj := loadConfig()

	ctx := context.Background()
	services := startServices(ctx, config_obj)
	defer services.Close()

	session, err := services.sched.GetSession(ctx, *sessions_show_id)
	kingpin.FatalIfError(err, "Loading session.")

	fmt.Println(session.Summary().String())
}

func doListSessions() {
	config_obj := loadConfig()

	ctx := context.Background()
	services := startServices(ctx, config_obj)
	defer services.Close()

	sessions, err := services.datastore.ListSessions(
		ctx, *sessions_list_sketch)
	kingpin.FatalIfError(err, "Listing sessions.")

	for _, session := range sessions {
		state := "running"
		if session.IsTerminal() {
			state = "complete"
		}
		fmt.Printf("%v %v %v units (%v)\n",
			session.CreatedAt.Format("2006-01-02 15:04:05"),
			session.ID, len(session.Units), state)
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case sessions_show.FullCommand():
			doShowSession()
		case sessions_list.FullCommand():
			doListSessions()
		default:
			return false
		}
		return true
	})
}
