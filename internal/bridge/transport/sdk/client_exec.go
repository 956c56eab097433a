package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/hapihub/codex-bridge/internal/bridge/shared"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
)

// ExecClient implements Client by driving `codex exec --json`: the same
// line-delimited event dialect the native SDK wraps. Each turn runs one
// subprocess; threads continue across turns through `codex exec resume`.
type ExecClient struct {
	log      *logger.Logger
	codexBin string

	mu       sync.Mutex
	threadID string
	cmd      *exec.Cmd
}

// NewExecClient creates an SDK client over codexBin.
func NewExecClient(codexBin string, log *logger.Logger) *ExecClient {
	return &ExecClient{
		log:      log.WithFields(zap.String("component", "sdk-exec-client")),
		codexBin: codexBin,
	}
}

// Connect is a no-op; the subprocess is spawned per turn.
func (c *ExecClient) Connect(context.Context) error { return nil }

// StartThread clears any bound thread; the backend allocates the id with the
// first turn and reports it through a thread.started event.
func (c *ExecClient) StartThread(_ context.Context, _ ThreadOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = ""
	return "", nil
}

// ResumeThread binds an existing thread id for subsequent turns.
func (c *ExecClient) ResumeThread(_ context.Context, threadID string, _ ThreadOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = threadID
	return threadID, nil
}

// StartTurn spawns the subprocess and returns an iterator over its event
// stream.
func (c *ExecClient) StartTurn(ctx context.Context, input string, opts ThreadOptions) (EventIterator, error) {
	c.mu.Lock()
	threadID := c.threadID
	c.mu.Unlock()

	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if opts.Cwd != "" {
		args = append(args, "-C", opts.Cwd)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Sandbox != "" {
		args = append(args, "--sandbox", opts.Sandbox)
	}
	if opts.ApprovalPolicy != "" {
		args = append(args, "-c", "approval_policy="+opts.ApprovalPolicy)
	}
	if opts.ReasoningEffort != "" {
		args = append(args, "-c", "model_reasoning_effort="+opts.ReasoningEffort)
	}
	for name, url := range opts.MCPServers {
		args = append(args, "-c", fmt.Sprintf("mcp_servers.%s.url=%s", name, url))
	}
	if threadID != "" {
		args = append(args, "resume", threadID)
	}
	args = append(args, input)

	cmd := exec.CommandContext(ctx, c.codexBin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s exec: %w", c.codexBin, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &execIterator{
		client:  c,
		cmd:     cmd,
		scanner: scanner,
	}, nil
}

// InterruptTurn terminates the in-flight subprocess.
func (c *ExecClient) InterruptTurn(context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// ClearThread forgets the bound thread.
func (c *ExecClient) ClearThread() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = ""
}

// Disconnect kills any in-flight subprocess.
func (c *ExecClient) Disconnect() error {
	return c.InterruptTurn(context.Background())
}

// bindThread records the thread id surfaced by a thread.started event so
// follow-up turns resume it.
func (c *ExecClient) bindThread(threadID string) {
	if threadID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = threadID
}

// execIterator reads one JSON event per line from the subprocess.
type execIterator struct {
	client  *ExecClient
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	waited  bool
}

// Next returns the next event, io.EOF at stream end, or the context error
// when cancelled.
func (it *execIterator) Next(ctx context.Context) (map[string]any, error) {
	for {
		if err := ctx.Err(); err != nil {
			it.finish()
			return nil, err
		}
		if !it.scanner.Scan() {
			it.finish()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := it.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		line := it.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			it.client.log.Debug("skipping unparseable event line", zap.Error(err))
			continue
		}
		if shared.GetString(ev, "type") == "thread.started" {
			it.client.bindThread(shared.GetString(ev, "thread_id", "threadId"))
		}
		return ev, nil
	}
}

func (it *execIterator) finish() {
	if it.waited {
		return
	}
	it.waited = true
	_ = it.cmd.Wait()
}
