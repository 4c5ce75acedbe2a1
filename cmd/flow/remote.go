package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-flow/internal/orchestrator"
	"github.com/nidhogg/nuka-flow/internal/progress"
)

var (
	submitAnswers      []string
	submitContext      string
	submitConversation string
	submitWait         bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <request>",
	Short: "Submit a request to a server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(serverURL)
		id, err := c.Submit(cmd.Context(), submission{
			Request:        strings.Join(args, " "),
			Context:        submitContext,
			ConversationID: submitConversation,
			Answers:        submitAnswers,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		if !submitWait {
			return nil
		}
		return c.Watch(cmd.Context(), id, cmd.OutOrStdout())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := newClient(serverURL).Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printWorkflow(cmd.OutOrStdout(), wf)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <workflow-id>",
	Short: "Follow a workflow until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(serverURL).Watch(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <workflow-id>",
	Short: "Print a finished workflow's result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient(serverURL).Result(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res, runJSON)
	},
}

func init() {
	submitCmd.Flags().StringArrayVar(&submitAnswers, "answer", nil, "Answer to a clarification question, in order (repeatable)")
	submitCmd.Flags().StringVar(&submitContext, "context", "", "Extra context for the request")
	submitCmd.Flags().StringVar(&submitConversation, "conversation", "", "Conversation id to continue")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Watch the workflow after submitting")
	resultCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full result as JSON")
}

type submission struct {
	Request        string   `json:"request"`
	Context        string   `json:"context,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Answers        []string `json:"answers,omitempty"`
}

// client talks to the nuka-flow REST API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) Submit(ctx context.Context, s submission) (string, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/workflows", body, &out); err != nil {
		return "", err
	}
	return out.WorkflowID, nil
}

func (c *client) Status(ctx context.Context, id string) (progress.Workflow, error) {
	var wf progress.Workflow
	err := c.do(ctx, http.MethodGet, "/api/workflows/"+id, nil, &wf)
	return wf, err
}

func (c *client) Result(ctx context.Context, id string) (*orchestrator.Result, error) {
	var res orchestrator.Result
	if err := c.do(ctx, http.MethodGet, "/api/results/"+id, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Watch prints server-sent progress events until the workflow completes.
func (c *client) Watch(ctx context.Context, id string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/workflows/"+id+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The stream outlives the client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("watch %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var last progress.Workflow
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev progress.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		last = ev.Workflow
		fmt.Fprintf(w, "[%3d%%] %s %s\n", ev.Workflow.ProgressPercent, ev.Workflow.Stage, ev.TaskID)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if last.Stage == progress.StageFailed {
		return fmt.Errorf("workflow %s failed: %s", id, last.Error)
	}
	if last.FinalOutput != "" {
		fmt.Fprintf(w, "\n%s\n", last.FinalOutput)
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func printWorkflow(w io.Writer, wf progress.Workflow) {
	fmt.Fprintf(w, "Workflow %s: %s (%d%%)\n", wf.ID, wf.Stage, wf.ProgressPercent)
	if wf.PendingQuestion != "" {
		fmt.Fprintf(w, "Waiting for: %s\n", wf.PendingQuestion)
	}
	for _, t := range wf.Tasks {
		fmt.Fprintf(w, "  %-8s %-12s %3d%%  %s\n", t.TaskID, t.Status, t.Percent(), t.Title)
	}
	if wf.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", wf.Error)
	}
}
