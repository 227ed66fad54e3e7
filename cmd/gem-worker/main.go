// Command gem-worker runs the executor daemon: it loads the tool catalog,
// registers the handler modules, connects the queue store and event bus
// (MongoDB and Redis when configured, in-process otherwise), and claims calls
// until SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	buspulse "github.com/callkaidsroofing/gem/features/events/pulse"
	pulseclients "github.com/callkaidsroofing/gem/features/events/pulse/clients/pulse"
	queuemongo "github.com/callkaidsroofing/gem/features/queue/mongo"
	queuemongoclients "github.com/callkaidsroofing/gem/features/queue/mongo/clients/mongo"
	queuemem "github.com/callkaidsroofing/gem/runtime/queue/inmem"

	handlersleads "github.com/callkaidsroofing/gem/handlers/leads"
	handlersos "github.com/callkaidsroofing/gem/handlers/os"
	"github.com/callkaidsroofing/gem/runtime/events"
	"github.com/callkaidsroofing/gem/runtime/handler"
	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/registry"
	"github.com/callkaidsroofing/gem/runtime/telemetry"
	"github.com/callkaidsroofing/gem/runtime/worker"
)

func main() {
	var (
		catalogF = flag.String("catalog", "catalog/tools.yaml", "Path to the tool catalog file")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	reg, err := registry.Load(*catalogF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "catalog", V: *catalogF}, log.KV{K: "tools", V: reg.Len()})

	logger := telemetry.NewClueLogger()

	// Queue store: MongoDB when MONGO_URI is set, in-process otherwise.
	var store queue.Store
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mongoClient, err := mongodriver.Connect(mctx, mongooptions.Client().ApplyURI(uri))
		cancel()
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "mongo disconnect")
			}
		}()
		client, err := queuemongoclients.New(queuemongoclients.Options{
			Client:   mongoClient,
			Database: envOr("MONGO_DB", "gem"),
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		store, err = queuemongo.NewStore(client)
		if err != nil {
			log.Fatal(ctx, err)
		}
		log.Print(ctx, log.KV{K: "queue-store", V: "mongo"})
	} else {
		store = queuemem.New()
		log.Print(ctx, log.KV{K: "queue-store", V: "inmem"})
	}

	// Event bus: Pulse over Redis when REDIS_ADDR is set, in-process otherwise.
	var bus events.Bus
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		pulseClient, err := pulseclients.New(pulseclients.Options{Redis: rdb})
		if err != nil {
			log.Fatal(ctx, err)
		}
		bus, err = buspulse.New(buspulse.Options{Client: pulseClient, Logger: logger})
		if err != nil {
			log.Fatal(ctx, err)
		}
		log.Print(ctx, log.KV{K: "event-bus", V: "pulse"})
	} else {
		bus = events.NewInProcess()
		log.Print(ctx, log.KV{K: "event-bus", V: "inproc"})
	}

	table := handler.NewTable()
	if err := handlersleads.New().Register(table); err != nil {
		log.Fatal(ctx, err)
	}
	if err := handlersos.New().Register(table); err != nil {
		log.Fatal(ctx, err)
	}

	w, err := worker.New(store, reg, table, bus,
		worker.WithLogger(logger),
		worker.WithMetrics(telemetry.NewClueMetrics()),
		worker.WithTracer(telemetry.NewClueTracer()),
		worker.WithPollInterval(time.Duration(envInt("POLL_INTERVAL_MS", 5000))*time.Millisecond),
		worker.WithMaxConcurrent(envInt("WORKER_MAX_CONCURRENT", 1)),
		worker.WithShutdownTimeout(time.Duration(envInt("SHUTDOWN_TIMEOUT_MS", 30000))*time.Millisecond),
	)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if err := w.Start(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "worker", V: w.ID()})

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	if err := w.Stop(ctx); err != nil {
		log.Errorf(ctx, err, "worker shutdown")
	}
	if err := bus.Close(ctx); err != nil {
		log.Errorf(ctx, err, "bus shutdown")
	}
	log.Printf(ctx, "exited")
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
