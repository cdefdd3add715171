package main

import (
	"context"
	"fmt"

	kingpin "github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/tracesketch/analyzers"
	"www.velocidex.com/golang/tracesketch/scheduler"
)

var (
	analyze_command = app.Command("analyze",
		"Run analyzers over timelines in a sketch.")

	analyze_sketch = analyze_command.Flag("sketch", "Sketch id.").
			Required().String()

	analyze_user = analyze_command.Flag("user", "Acting username.").
			Required().String()

	analyze_timelines = analyze_command.Flag(
		"timeline", "Timeline ids to analyze.").Required().Strings()

	analyze_analyzers = analyze_command.Flag(
		"analyzer", "Analyzer names to run. Defaults to all registered.").
		Strings()

	analyze_wait = analyze_command.Flag(
		"wait", "Block until the session completes.").Default("true").Bool()

	analyzers_command = app.Command("analyzers",
		"List the registered analyzers.")
)

func doAnalyze() {
	config_obj := loadConfig()

	ctx := context.Background()
	services := startServices(ctx, config_obj)
	defer services.Close()

	names := *analyze_analyzers
	if len(names) == 0 {
		for _, analyzer := range analyzers.ListAnalyzers() {
			names = append(names, analyzer.Name())
		}
	}

	request := &scheduler.SessionRequest{
		SketchID: *analyze_sketch,
		UserID:   *analyze_user,
	}
	for _, timeline_id := range *analyze_timelines {
		for _, name := range names {
			request.Units = append(request.Units, scheduler.UnitRequest{
				TimelineID: timeline_id,
				Analyzer:   name,
			})
		}
	}

	session, err := services.sched.CreateSession(ctx, request)
	kingpin.FatalIfError(err, "Creating analysis session.")

	fmt.Printf("Session %v created with %v units.\n",
		session.ID, len(session.Units))

	if !*analyze_wait {
		return
	}

	err = services.sched.Wait(ctx, session.ID)
	kingpin.FatalIfError(err, "Waiting for session.")

	final, err := services.sched.GetSession(ctx, session.ID)
	kingpin.FatalIfError(err, "Loading session.")

	fmt.Println(final.Summary().String())
}

func doListAnalyzers() {
	for _, analyzer := range analyzers.ListAnalyzers() {
		idempotent := ""
		if analyzer.IsIdempotent() {
			idempotent = " (idempotent)"
		}
		fmt.Printf("%v - %v%v\n",
			analyzer.Name(), analyzer.DisplayName(), idempotent)
		if len(analyzer.Dependencies()) > 0 {
			fmt.Printf("  depends on: %v\n", analyzer.Dependencies())
		}
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case analyze_command.FullCommand():
			doAnalyze()
		case analyzers_command.FullCommand():
			doListAnalyzers()
		default:
			return false
		}
		return true
	})
}
