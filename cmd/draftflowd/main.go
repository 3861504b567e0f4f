// Command draftflowd runs the content-generation orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	draftflow "github.com/draftflow/draftflow-go"
	"github.com/draftflow/draftflow-go/config"
	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/monitor"
	"github.com/draftflow/draftflow-go/pipeline"
	"github.com/draftflow/draftflow-go/store"
	amqptransport "github.com/draftflow/draftflow-go/transports/amqp"
)

var version = "dev"

var (
	configPath  string
	flowMode    string
	keywords    []string
	rejectFirst bool
	verbose     bool
	listenAddr  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "draftflowd",
		Short: "Content-generation pipeline orchestrator",
		Long: `draftflowd orchestrates long-running content-generation processes:
a staged pipeline with human checkpoints, retryable background execution,
and an ordered per-process event stream.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("draftflowd %s\n", version)
		},
	}

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run one process end to end with a scripted generator",
		Long: `Runs a complete generation process against the built-in scripted
generator, answering every checkpoint automatically and printing the event
stream. Useful for seeing the stage machine, checkpoints, and event ordering
without any external integration.`,
		RunE: runDemo,
	}
	demoCmd.Flags().StringVar(&flowMode, "mode", string(contracts.FlowResearchFirst), "flow mode: research_first or outline_first")
	demoCmd.Flags().StringSliceVar(&keywords, "keywords", []string{"go concurrency"}, "seed keywords")
	demoCmd.Flags().BoolVar(&rejectFirst, "reject-first", false, "reject the first final draft to exercise the review loop")
	demoCmd.Flags().StringVar(&listenAddr, "listen", "", "address to serve /healthz and /metrics on (e.g. :9090)")

	rootCmd.AddCommand(versionCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stdoutChannel prints the event stream as an attached observer
type stdoutChannel struct{}

func (stdoutChannel) Send(envelope contracts.EventEnvelope) error {
	if envelope.Sequence == 0 {
		fmt.Printf("  [replay] %s\n", envelope.Type)
		return nil
	}
	fmt.Printf("  [%3d] %-24s %s\n", envelope.Sequence, envelope.Type, string(envelope.Payload))
	return nil
}

func (stdoutChannel) Ping() error { return nil }

func (stdoutChannel) Close() error { return nil }

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	st := store.NewMemoryStore()
	client, err := draftflow.NewClient(
		draftflow.WithStore(st),
		draftflow.WithGenerator(&pipeline.ScriptedGenerator{}),
		draftflow.WithSearcher(pipeline.StaticSearcher{}),
		draftflow.WithConfig(cfg),
		draftflow.WithLogger(logger),
		draftflow.WithMetrics(monitor.Default()),
	)
	if err != nil {
		return err
	}

	if listenAddr != "" {
		serveObservability(listenAddr, st, logger)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	}()

	ctx := cmd.Context()

	proc, err := client.CreateProcess(ctx, "demo", contracts.FlowMode(flowMode), keywords)
	if err != nil {
		return err
	}
	fmt.Printf("process %s started (%s)\n", proc.ID, flowMode)

	if err := client.Attach(ctx, proc.ID, stdoutChannel{}, 0); err != nil {
		return err
	}

	var relay *amqptransport.Relay
	if cfg.AMQP.Enabled {
		relay = amqptransport.NewRelay(cfg.AMQP.URL, cfg.AMQP.Exchange, client.EventLog(),
			amqptransport.WithRelayLogger(logger))
		if err := relay.Connect(ctx); err != nil {
			return err
		}
		defer relay.Close()
		if err := relay.Follow(proc.ID); err != nil {
			return err
		}
	}

	rejected := false
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		current, err := client.Process(ctx, proc.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return printResult(current)
		}

		if current.WaitingForInput {
			if err := answerCheckpoint(ctx, client, current, &rejected); err != nil {
				return err
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("demo timed out waiting for the process to finish")
}

// serveObservability exposes the health checks and the Prometheus metrics
// over HTTP for the lifetime of the command
func serveObservability(addr string, st *store.MemoryStore, logger *slog.Logger) {
	health := monitor.NewHealthRegistry()
	health.Register(monitor.StoreChecker(st))

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger.Info("serving health and metrics", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("observability listener failed", "addr", addr, "error", err)
		}
	}()
}

// answerCheckpoint supplies a canned response for whatever the process asks
func answerCheckpoint(ctx context.Context, client *draftflow.Client, proc *contracts.Process, rejected *bool) error {
	req, err := client.PendingRequest(ctx, proc.ID)
	if err != nil {
		// The runner may have resolved the wait between our load and this call.
		return nil
	}

	var response any
	switch req.RequestKind {
	case contracts.RequestSelectOption:
		var request contracts.SelectOptionRequest
		if err := json.Unmarshal(req.Data, &request); err != nil {
			return err
		}
		if len(request.Options) == 0 {
			return fmt.Errorf("checkpoint offered no options")
		}
		fmt.Printf("  -> selecting %q\n", request.Options[0].Label)
		response = contracts.SelectOptionResponse{OptionID: request.Options[0].ID}

	case contracts.RequestApproveEdit:
		fmt.Println("  -> approving outline")
		response = contracts.ApproveEditResponse{Approved: true}

	case contracts.RequestApproveReject:
		if rejectFirst && !*rejected {
			*rejected = true
			fmt.Println("  -> rejecting draft with feedback")
			response = contracts.ApproveRejectResponse{Approved: false, Feedback: "tighten the introduction"}
		} else {
			fmt.Println("  -> approving draft")
			response = contracts.ApproveRejectResponse{Approved: true}
		}

	default:
		return fmt.Errorf("unexpected request kind: %s", req.RequestKind)
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return client.SubmitResponse(ctx, proc.ID, req.RequestKind, payload)
}

func printResult(proc *contracts.Process) error {
	switch proc.Status {
	case contracts.ProcessCompleted:
		fmt.Println("\nprocess completed; final draft:")
		fmt.Println(proc.Context.FinalDraft)
		return nil
	default:
		return fmt.Errorf("process ended with status %s: %s", proc.Status, proc.ErrorMessage)
	}
}
