package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/app"
	"github.com/nidhogg/nuka-flow/internal/config"
	"github.com/nidhogg/nuka-flow/internal/orchestrator"
	"github.com/nidhogg/nuka-flow/internal/progress"
)

var (
	runJSON         bool
	runPersist      bool
	runContext      string
	runConversation string
	runVerbose      bool
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run a request in this process",
	Long: `Build the pipeline from the config file and run one request.

Clarification questions and human-input tasks are asked on stdin; an empty
line skips a question. Progress is printed as tasks move.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full result as JSON")
	runCmd.Flags().BoolVar(&runPersist, "persist", false, "Use the configured databases")
	runCmd.Flags().StringVar(&runContext, "context", "", "Extra context for the request")
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "Conversation id to continue")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Log pipeline internals")
}

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	if runVerbose {
		if logger, err = app.NewLogger("debug"); err != nil {
			return err
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	ask := newPrompter(cmd.InOrStdin(), out)
	pipeline, err := app.Build(ctx, cfg, app.Options{Persist: runPersist, Ask: ask.Ask}, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer pipeline.Close(context.Background())

	if !runJSON {
		events, unsubscribe := pipeline.Tracker.Subscribe(256)
		defer unsubscribe()
		go printProgress(out, events)
	}

	res := pipeline.Orchestrator.Process(ctx, orchestrator.Request{
		Text:           strings.Join(args, " "),
		Context:        runContext,
		ConversationID: runConversation,
		Input:          ask.Ask,
	})
	return printResult(out, res, runJSON)
}

// prompter asks questions on a terminal, one at a time.
type prompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) Ask(ctx context.Context, question string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(p.out, "\n? %s\n> ", question)
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func printProgress(w io.Writer, events <-chan progress.Event) {
	for ev := range events {
		switch ev.Type {
		case progress.EventStageChanged:
			fmt.Fprintf(w, "== %s\n", ev.Workflow.Stage)
		case progress.EventTasksAdded:
			fmt.Fprintf(w, "== %d tasks planned\n", len(ev.Workflow.Tasks))
		case progress.EventTaskUpdated:
			for _, t := range ev.Workflow.Tasks {
				if t.TaskID == ev.TaskID {
					fmt.Fprintf(w, "   [%3d%%] %s %s (%s)\n", ev.Workflow.ProgressPercent, t.TaskID, t.Title, t.Status)
				}
			}
		}
	}
}

func printResult(w io.Writer, res *orchestrator.Result, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	} else {
		fmt.Fprintf(w, "\n%s\n", res.Summary())
		for _, warn := range res.Warnings {
			fmt.Fprintf(w, "warning: %s\n", warn)
		}
		if res.FinalOutput != "" {
			fmt.Fprintf(w, "\n%s\n", res.FinalOutput)
		}
	}
	if !res.Success {
		return fmt.Errorf("workflow %s failed", res.WorkflowID)
	}
	return nil
}
