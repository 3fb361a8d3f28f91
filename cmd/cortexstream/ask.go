package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexstream/internal/transport"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	modelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

type askOptions struct {
	server  string
	chatID  string
	model   string
	user    string
	noThink bool
	render  bool
}

func askCmd() *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a running server a question",
		Long: `Send one message to a running cortexstream server and stream the answer.

Examples:
  cortexstream ask "What is a token bucket?"
  cortexstream ask --model auto "Summarize the plot of Hamlet"
  cortexstream ask --chat 3f2c... "And what happens next?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.server == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				opts.server = serverURL(cfg.Server.Addr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := &askClient{base: strings.TrimRight(opts.server, "/"), http: http.DefaultClient, user: opts.user}
			res, err := c.ask(ctx, opts, strings.Join(args, " "), cmd.OutOrStdout())
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("error: "+err.Error()))
				return err
			}

			if opts.render && res.Content != "" {
				out, err := renderMarkdown(res.Content)
				if err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), res.Content)
				} else {
					fmt.Fprint(cmd.OutOrStdout(), out)
				}
			}
			fmt.Fprintln(cmd.ErrOrStderr(), statusLine(res))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "server base URL (default from server.addr)")
	cmd.Flags().StringVar(&opts.chatID, "chat", "", "continue an existing chat")
	cmd.Flags().StringVar(&opts.model, "model", "", `model id, or "auto" to let the router pick`)
	cmd.Flags().StringVar(&opts.user, "user", os.Getenv("USER"), "user id sent to the server")
	cmd.Flags().BoolVar(&opts.noThink, "no-think", false, "ask reasoning models to skip thinking")
	cmd.Flags().BoolVar(&opts.render, "render", false, "render the final answer as markdown instead of streaming it")
	return cmd
}

// serverURL turns a listen address such as ":8080" into a dialable URL.
func serverURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// askResult is what the client learned from one generation.
type askResult struct {
	ChatID   string
	StreamID string
	Content  string
	Model    string
	Tokens   int
	TPS      float64
	Elapsed  time.Duration
}

type askClient struct {
	base string
	http *http.Client
	user string
}

func (c *askClient) ask(ctx context.Context, opts askOptions, question string, live io.Writer) (*askResult, error) {
	res := &askResult{ChatID: opts.chatID}
	if res.ChatID == "" {
		id, err := c.createChat(ctx)
		if err != nil {
			return nil, err
		}
		res.ChatID = id
	}

	body, _ := json.Marshal(map[string]any{
		"content": question,
		"model":   opts.model,
		"noThink": opts.noThink,
	})
	// The generation outlives ctx so a cancel request can be sent on Ctrl-C.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost,
		c.base+"/api/chats/"+res.ChatID+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.headers(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var streamID atomic.Value
	stopWatch := context.AfterFunc(ctx, func() {
		if id, _ := streamID.Load().(string); id != "" {
			c.cancel(id)
		}
		resp.Body.Close()
	})
	defer stopWatch()

	var streamErr error
	err = readSSE(resp.Body, func(name, payload string) error {
		switch transport.EventName(name) {
		case transport.EventConnected:
			var ev transport.Connected
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return err
			}
			res.StreamID, res.Model = ev.StreamID, ev.Model
			streamID.Store(ev.StreamID)
		case transport.EventChunk:
			var ev transport.Chunk
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return err
			}
			if !opts.render && ev.Chunk != "" {
				fmt.Fprint(live, ev.Chunk)
			}
			res.Content, res.Tokens, res.TPS = ev.FullText, ev.TokenCount, ev.TPS
		case transport.EventComplete:
			var ev transport.Complete
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return err
			}
			final := ev.FinalMessage
			res.Content, res.Model = final.Content, final.Model
			res.Tokens, res.TPS = final.TokenCount, final.TPS
			res.Elapsed = time.Duration(final.ElapsedMS) * time.Millisecond
			if !opts.render {
				fmt.Fprintln(live)
			}
		case transport.EventError:
			var ev transport.Error
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return err
			}
			streamErr = fmt.Errorf("%s (%s)", ev.Error, ev.Code)
		case transport.EventDone:
			return errStreamDone
		}
		return nil
	})
	if ctx.Err() != nil {
		return res, fmt.Errorf("interrupted")
	}
	if err != nil && !errors.Is(err, errStreamDone) {
		return res, fmt.Errorf("read stream: %w", err)
	}
	return res, streamErr
}

func (c *askClient) createChat(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/chats", strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	c.headers(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", responseError(resp)
	}
	var conv struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return "", fmt.Errorf("decode chat: %w", err)
	}
	return conv.ID, nil
}

func (c *askClient) cancel(streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/streams/"+streamID+"/cancel", nil)
	if err != nil {
		return
	}
	c.headers(req)
	if resp, err := c.http.Do(req); err == nil {
		resp.Body.Close()
	}
}

func (c *askClient) headers(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s (%s)", resp.Status, body.Error, body.Code)
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
}

// ───────────────────────────────────────────────────────────────────────────────
// SSE + RENDERING
// ───────────────────────────────────────────────────────────────────────────────

var errStreamDone = errors.New("stream done")

// readSSE calls fn for each complete event until fn returns an error or
// the body ends.
func readSSE(r io.Reader, fn func(name, data string) error) error {
	var (
		name string
		data []string
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == "" && len(data) == 0 {
				continue
			}
			if err := fn(name, strings.Join(data, "\n")); err != nil {
				return err
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

func renderMarkdown(content string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return renderer.Render(content)
}

func statusLine(res *askResult) string {
	parts := []string{
		fmt.Sprintf("%d tokens", res.Tokens),
		fmt.Sprintf("%.1f tok/s", res.TPS),
	}
	if res.Elapsed > 0 {
		parts = append(parts, res.Elapsed.Round(10*time.Millisecond).String())
	}
	parts = append(parts, "chat "+res.ChatID)
	return modelStyle.Render(res.Model) + statusStyle.Render(" · "+strings.Join(parts, " · "))
}
