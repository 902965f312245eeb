package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

// Config points the client at a Browserbase-style session API.
type Config struct {
	BaseURL   string
	APIKey    string
	ProjectID string
}

// Client drives remote browser sessions over HTTP: create a session, submit
// the script, collect logs and artifact handles, close the session.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 0},
	}
}

type Session struct {
	ID string `json:"sessionId"`
}

type createSessionBody struct {
	ProjectID string           `json:"projectId"`
	Browser   string           `json:"browser"`
	Headless  bool             `json:"headless"`
	Viewport  runtime.Viewport `json:"viewport"`
	Proxy     string           `json:"proxy,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, cfg runtime.BrowserConfig) (Session, error) {
	body := createSessionBody{
		ProjectID: c.cfg.ProjectID,
		Browser:   string(cfg.Kind),
		Headless:  cfg.Headless,
		Viewport:  cfg.Viewport,
		Proxy:     cfg.Proxy,
	}
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &sess); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(sess.ID) == "" {
		return Session{}, &SessionUnavailableError{Message: "create session: empty session id"}
	}
	return sess, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil)
}

type executeBody struct {
	Script    string `json:"script"`
	TimeoutMS int    `json:"timeout_ms"`
}

type executeResponse struct {
	Status    string   `json:"status"`
	Logs      []string `json:"logs"`
	Artifacts []string `json:"artifacts"`
	Error     string   `json:"error"`
}

// RunScript acquires a session, submits the script, and normalizes the
// outcome into an ExecutionResult. Infrastructure failures surface as typed
// errors; a script that ran but failed its assertions is a normal result.
func (c *Client) RunScript(ctx context.Context, script string, cfg runtime.BrowserConfig) (*runtime.ExecutionResult, error) {
	started := time.Now()

	sess, err := c.CreateSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.CloseSession(closeCtx, sess.ID)
	}()

	var out executeResponse
	err = c.do(ctx, http.MethodPost, "/sessions/"+sess.ID+"/execute", executeBody{
		Script:    script,
		TimeoutMS: cfg.TimeoutMS,
	}, &out)
	if err != nil {
		return nil, err
	}

	status, perr := runtime.ParseExecStatus(out.Status)
	if perr != nil {
		return nil, &SessionUnavailableError{Message: fmt.Sprintf("execute: %v", perr)}
	}

	res := &runtime.ExecutionResult{
		Status:       status,
		Logs:         out.Logs,
		ArtifactRefs: out.Artifacts,
		Error:        strings.TrimSpace(out.Error),
		DurationMS:   time.Since(started).Milliseconds(),
		SessionID:    sess.ID,
	}

	// Best-effort artifact harvest; never fails the run.
	if refs, aerr := c.sessionArtifacts(ctx, sess.ID); aerr == nil {
		res.ArtifactRefs = append(res.ArtifactRefs, refs...)
	}
	return res, nil
}

type artifactsResponse struct {
	Screenshots  []string `json:"screenshots"`
	RecordingURL string   `json:"recordingUrl"`
}

func (c *Client) sessionArtifacts(ctx context.Context, sessionID string) ([]string, error) {
	var doc artifactsResponse
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/artifacts", nil, &doc); err != nil {
		return nil, err
	}
	refs := append([]string{}, doc.Screenshots...)
	if strings.TrimSpace(doc.RecordingURL) != "" {
		refs = append(refs, doc.RecordingURL)
	}
	return refs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return &SessionUnavailableError{Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Message: err.Error()}
		}
		return &SessionUnavailableError{Message: err.Error()}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &SessionUnavailableError{Message: fmt.Sprintf("read response: %v", err)}
	}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return &TimeoutError{Message: strings.TrimSpace(string(b))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &SessionUnavailableError{Message: fmt.Sprintf("%s %s: status=%d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))}
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &SessionUnavailableError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
