package main

import (
	"context"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/tracesketch/aggregations"
	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/datastore"
	"www.velocidex.com/golang/tracesketch/query"
	"www.velocidex.com/golang/tracesketch/scheduler"
	"www.velocidex.com/golang/tracesketch/scope"
	"www.velocidex.com/golang/tracesketch/store/elastic"
)

// Everything a command needs, wired once.
type services struct {
	config_obj  *config.Config
	datastore   *datastore.Datastore
	event_store *elastic.ElasticStore
	scope_ctx   scope.Context
	builder     *query.Builder
	engine      *aggregations.Engine
	sched       *scheduler.Scheduler
}

func startServices(ctx context.Context,
	config_obj *config.Config) *services {

	ds, err := datastore.NewDatastore(config_obj)
	kingpin.FatalIfError(err, "Unable to open datastore.")

	event_store, err := elastic.NewElasticStore(config_obj)
	kingpin.FatalIfError(err, "Unable to reach the event index.")

	scope_ctx := scope.NewCachedContext(ds, 30*time.Second)
	builder := query.NewBuilder(config_obj, scope_ctx, ds)

	return &services{
		config_obj:  config_obj,
		datastore:   ds,
		event_store: event_store,
		scope_ctx:   scope_ctx,
		builder:     builder,
		engine: aggregations.NewEngine(
			config_obj, builder, event_store),
		sched: scheduler.NewScheduler(ctx, config_obj,
			event_store, scope_ctx, ds),
	}
}

func (self *services) Close() {
	self.sched.Close()
	self.datastore.Close()
}
