// Command pipelined runs the insight pipeline orchestrator daemon and its
// operator subcommands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/insightengine/pipeline/pkg/pipeline"
	"github.com/insightengine/pipeline/pkg/pipeline/config"
	"github.com/insightengine/pipeline/pkg/pipeline/consumer"
	"github.com/insightengine/pipeline/pkg/pipeline/dlq"
	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "pipelined",
		Usage:   "insight pipeline orchestrator",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML or JSON config file",
				EnvVars: []string{"INSIGHTENGINE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the orchestrator daemon",
				Action: runDaemon,
			},
			{
				Name:  "dlq",
				Usage: "inspect the dead-letter store",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list dead-letter entries, newest first",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Value: 50},
							&cli.StringFlag{Name: "stage", Usage: "filter by stage"},
						},
						Action: dlqList,
					},
					{
						Name:      "show",
						Usage:     "show one dead-letter entry",
						ArgsUsage: "<event-id>",
						Action:    dlqShow,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadRuntime(c *cli.Context) (*pipeline.Runtime, error) {
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	return pipeline.New(settings)
}

func runDaemon(c *cli.Context) error {
	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}

	registerHandlers(rt.Registry())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")
	rt.Stop()
	return nil
}

// registerHandlers binds the pass-through stage handlers. Deployments
// embedding the library register handlers that call the parser,
// extractor, and vector services; the daemon's defaults forward payloads
// unchanged so the flow can be exercised end to end.
func registerHandlers(registry *consumer.Registry) {
	forward := consumer.HandlerFunc(func(_ context.Context, env *envelope.Envelope) (*consumer.Result, error) {
		return &consumer.Result{Payload: env.Payload}, nil
	})
	terminal := consumer.HandlerFunc(func(_ context.Context, _ *envelope.Envelope) (*consumer.Result, error) {
		return &consumer.Result{}, nil
	})

	for _, stage := range []envelope.Stage{
		envelope.StageParsed,
		envelope.StageExtracted,
		envelope.StageCrawlerFetched,
	} {
		if err := registry.Register(stage, forward); err != nil {
			panic(err)
		}
	}
	for _, stage := range []envelope.Stage{
		envelope.StageIndexed,
		envelope.StageCrawlerActivity,
	} {
		if err := registry.Register(stage, terminal); err != nil {
			panic(err)
		}
	}
}

func dlqList(c *cli.Context) error {
	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Stop()

	ctx := c.Context
	var entries []*dlqEntryView

	if stage := c.String("stage"); stage != "" {
		raw, err := rt.DeadLetters().ListByStage(ctx, envelope.Stage(stage), c.Int("limit"))
		if err != nil {
			return err
		}
		entries = toViews(raw)
	} else {
		raw, err := rt.DeadLetters().List(ctx, c.Int("limit"))
		if err != nil {
			return err
		}
		entries = toViews(raw)
	}

	return json.NewEncoder(os.Stdout).Encode(entries)
}

func dlqShow(c *cli.Context) error {
	eventID := c.Args().First()
	if eventID == "" {
		return fmt.Errorf("usage: pipelined dlq show <event-id>")
	}

	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Stop()

	entry, err := rt.DeadLetters().Get(c.Context, eventID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entry)
}

// dlqEntryView is the compact listing row.
type dlqEntryView struct {
	EventID    string `json:"event_id"`
	Tenant     string `json:"tenant"`
	BusinessID string `json:"business_id"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
	MovedAt    string `json:"moved_at"`
	Attempts   int    `json:"attempts"`
}

func toViews(entries []*dlq.Entry) []*dlqEntryView {
	views := make([]*dlqEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, &dlqEntryView{
			EventID:    entry.Envelope.EventID,
			Tenant:     entry.Envelope.Tenant,
			BusinessID: entry.Envelope.BusinessID,
			Stage:      string(entry.Envelope.Stage),
			Reason:     string(entry.Reason),
			MovedAt:    entry.MovedAt.Format(time.RFC3339),
			Attempts:   len(entry.ErrorHistory),
		})
	}
	return views
}
