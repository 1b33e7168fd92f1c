// Package dashboard is the engine-side client for the hosted dashboard
// service. The service's wire protocol is opaque to the rest of the engine:
// backends talk to runs and tables, this package owns HTTP and WebSocket
// details.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rankfold/rankfold/internal/logging"
	"github.com/rankfold/rankfold/internal/tracing"
)

const (
	defaultTimeout  = 15 * time.Second
	streamQueueSize = 256
)

// Options configures a Client.
type Options struct {
	Endpoint string // base URL, e.g. https://dash.example.com
	APIKey   string
	Timeout  time.Duration
}

// Client issues requests against one dashboard service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewClient builds a Client for the given service.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(opts.Endpoint, "/"),
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// RunParams describes the run to create or attach to.
type RunParams struct {
	Project string
	Group   string
	Name    string
	RunID   string // attach to an existing shared run when set
	Shared  bool   // run accepts multiple writers
	Primary bool   // this writer owns the shared run
}

// Run is a handle on one dashboard run.
type Run struct {
	c  *Client
	id string

	streamCh chan []byte
	group    *errgroup.Group
}

// CreateRun creates a new run, or attaches to an existing one when
// params.RunID is set.
func (c *Client) CreateRun(ctx context.Context, params RunParams) (*Run, error) {
	body, err := c.post(ctx, "/api/v1/runs", map[string]any{
		"project": params.Project,
		"group":   params.Group,
		"name":    params.Name,
		"id":      params.RunID,
		"shared":  params.Shared,
		"primary": params.Primary,
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	id := gjson.GetBytes(body, "run.id").String()
	if id == "" {
		return nil, fmt.Errorf("create run: response missing run.id")
	}
	return &Run{c: c, id: id}, nil
}

// ID returns the service-assigned run identifier.
func (r *Run) ID() string { return r.id }

// Log posts one payload of scalar values to the run.
func (r *Run) Log(ctx context.Context, payload map[string]any) error {
	_, err := r.c.post(ctx, "/api/v1/runs/"+r.id+"/log", payload)
	if err != nil {
		return fmt.Errorf("run %s: log: %w", r.id, err)
	}
	return nil
}

// AppendTable appends rows to the named incremental table and republishes it.
func (r *Run) AppendTable(ctx context.Context, name string, columns []string, rows []map[string]any) error {
	_, err := r.c.post(ctx, "/api/v1/runs/"+r.id+"/tables/"+url.PathEscape(name)+"/rows", map[string]any{
		"columns": columns,
		"rows":    rows,
	})
	if err != nil {
		return fmt.Errorf("run %s: append table %q: %w", r.id, name, err)
	}
	return nil
}

// FinalizeTable converts the named incremental table into an immutable one.
func (r *Run) FinalizeTable(ctx context.Context, name string) error {
	_, err := r.c.post(ctx, "/api/v1/runs/"+r.id+"/tables/"+url.PathEscape(name)+"/finalize", nil)
	if err != nil {
		return fmt.Errorf("run %s: finalize table %q: %w", r.id, name, err)
	}
	return nil
}

// Finish closes the run on the service. The stream channel, if open, must be
// closed first via CloseStream.
func (r *Run) Finish(ctx context.Context) error {
	_, err := r.c.post(ctx, "/api/v1/runs/"+r.id+"/finish", nil)
	if err != nil {
		return fmt.Errorf("run %s: finish: %w", r.id, err)
	}
	return nil
}

// OpenStream dials the run's WebSocket channel and starts the writer pump.
// Stream payloads submitted after a successful OpenStream are delivered best
// effort: the queue drops when full rather than blocking the recording path.
func (r *Run) OpenStream(ctx context.Context) error {
	wsURL := httpToWS(r.c.baseURL) + "/api/v1/runs/" + r.id + "/stream"
	header := http.Header{}
	if r.c.apiKey != "" {
		header.Set("Authorization", "Bearer "+r.c.apiKey)
	}

	conn, resp, err := r.c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("run %s: dial stream: %w", r.id, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	r.streamCh = make(chan []byte, streamQueueSize)
	r.group = &errgroup.Group{}
	r.group.Go(func() error {
		defer conn.Close()
		for msg := range r.streamCh {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logging.L().Warn("dashboard stream write failed",
					zap.String("run_id", r.id), zap.Error(err))
				return err
			}
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return nil
	})
	return nil
}

// Stream enqueues one payload on the WebSocket channel. No-op before
// OpenStream; drops silently when the queue is full.
func (r *Run) Stream(payload map[string]any) {
	if r.streamCh == nil {
		return
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case r.streamCh <- msg:
	default:
		logging.WarnLimited("dashboard-stream-drop/"+r.id,
			"dashboard stream queue full, dropping payload", zap.String("run_id", r.id))
	}
}

// CloseStream stops accepting stream payloads and waits for queued writes to
// land.
func (r *Run) CloseStream() error {
	if r.streamCh == nil {
		return nil
	}
	close(r.streamCh)
	err := r.group.Wait()
	r.streamCh = nil
	r.group = nil
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectHTTPHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, msg)
	}
	return raw, nil
}

func httpToWS(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
