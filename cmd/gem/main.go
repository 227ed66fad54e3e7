// Command gem embeds the planner: it loads the tool catalog, wires the demo
// handler modules over an in-process stack, runs one planner invocation for
// the given message, and writes the single JSON response to standard output.
// Exit code 0 means the run produced ok=true.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"goa.design/clue/log"

	brainlogmem "github.com/callkaidsroofing/gem/runtime/brain/inmem"
	queuemem "github.com/callkaidsroofing/gem/runtime/queue/inmem"

	handlersleads "github.com/callkaidsroofing/gem/handlers/leads"
	handlersos "github.com/callkaidsroofing/gem/handlers/os"
	"github.com/callkaidsroofing/gem/handlers/rules"
	"github.com/callkaidsroofing/gem/runtime/brain"
	"github.com/callkaidsroofing/gem/runtime/events"
	"github.com/callkaidsroofing/gem/runtime/handler"
	"github.com/callkaidsroofing/gem/runtime/registry"
	"github.com/callkaidsroofing/gem/runtime/telemetry"
	"github.com/callkaidsroofing/gem/runtime/validator"
	"github.com/callkaidsroofing/gem/runtime/worker"
)

func main() {
	var (
		catalogF      = flag.String("catalog", "catalog/tools.yaml", "Path to the tool catalog file")
		messageF      = flag.String("message", "", "Message to plan")
		modeF         = flag.String("mode", string(brain.ModeAnswer), "Planner mode (answer|plan|enqueue|enqueue_and_wait)")
		conversationF = flag.String("conversation", "", "Conversation id")
		waitTimeoutF  = flag.Int("wait-timeout", envInt("WAIT_TIMEOUT_MS", 0), "Receipt wait timeout in milliseconds")
		dbgF          = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *messageF == "" {
		log.Fatal(ctx, fmt.Errorf("-message is required"))
	}

	reg, err := registry.Load(*catalogF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	logger := telemetry.NewClueLogger()
	val := validator.New()
	store := queuemem.New()
	runs := brainlogmem.New()
	bus := events.NewInProcess()

	table := handler.NewTable()
	if err := handlersleads.New().Register(table); err != nil {
		log.Fatal(ctx, err)
	}
	if err := handlersos.New().Register(table); err != nil {
		log.Fatal(ctx, err)
	}

	ruleSet, err := rules.Default()
	if err != nil {
		log.Fatal(ctx, err)
	}

	b, err := brain.New(reg, store, runs, bus, ruleSet,
		brain.WithLogger(logger),
		brain.WithValidator(val),
	)
	if err != nil {
		log.Fatal(ctx, err)
	}

	mode := brain.Mode(*modeF)
	req := brain.Request{
		Message:        *messageF,
		Mode:           mode,
		ConversationID: *conversationF,
	}
	if *waitTimeoutF > 0 {
		req.Limits.WaitTimeoutMS = *waitTimeoutF
	}

	// Enqueue modes need an executor to drain the in-process queue.
	var w *worker.Worker
	if mode.Enqueues() {
		w, err = worker.New(store, reg, table, bus,
			worker.WithLogger(logger),
			worker.WithValidator(val),
			worker.WithPollInterval(time.Duration(envInt("POLL_INTERVAL_MS", 50))*time.Millisecond),
			worker.WithMaxConcurrent(envInt("WORKER_MAX_CONCURRENT", 4)),
			worker.WithShutdownTimeout(time.Duration(envInt("SHUTDOWN_TIMEOUT_MS", 30000))*time.Millisecond),
		)
		if err != nil {
			log.Fatal(ctx, err)
		}
		if err := w.Start(ctx); err != nil {
			log.Fatal(ctx, err)
		}
	}

	resp, err := b.Run(ctx, req)
	if err != nil {
		log.Fatal(ctx, err)
	}

	if w != nil {
		if err := w.Stop(ctx); err != nil {
			log.Errorf(ctx, err, "worker shutdown")
		}
	}
	if err := bus.Close(ctx); err != nil {
		log.Errorf(ctx, err, "bus shutdown")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		log.Fatal(ctx, err)
	}
	if !resp.OK {
		os.Exit(1)
	}
}

// envInt reads an integer environment variable, falling back on def when the
// variable is unset or malformed.
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
