package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReconnectDelay = time.Second
	maxEventSize          = 8 << 20
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingToken   = errors.New("remote: access token is required")
)

// ClientConfig configures the API clients.
type ClientConfig struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

func (cfg ClientConfig) normalize() (ClientConfig, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return ClientConfig{}, errMissingBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return ClientConfig{}, fmt.Errorf("remote: parse base url: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return ClientConfig{}, errMissingToken
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg, nil
}

// ShapeClient is a shape repository backed by the HTTP API. Lock calls act on
// behalf of the token holder; the userID arguments are not sent.
type ShapeClient struct {
	cfg ClientConfig
}

// NewShapeClient constructs a ShapeClient.
func NewShapeClient(cfg ClientConfig) (*ShapeClient, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &ShapeClient{cfg: normalized}, nil
}

// Create stores shape and returns the server's copy.
func (c *ShapeClient) Create(ctx context.Context, canvasID string, shape canvas.Shape) (canvas.Shape, error) {
	doc := canvas.ToDocument(shape)
	doc.LockedBy = nil
	doc.UpdatedAt = 0
	var created canvas.Document
	if err := c.do(ctx, http.MethodPost, shapesPath(canvasID), doc, &created); err != nil {
		return canvas.Shape{}, err
	}
	return canvas.Normalize(created)
}

// Update applies patch and returns the server's copy.
func (c *ShapeClient) Update(ctx context.Context, canvasID, shapeID string, patch canvas.Patch) (canvas.Shape, error) {
	var updated canvas.Document
	if err := c.do(ctx, http.MethodPatch, shapePath(canvasID, shapeID), patch, &updated); err != nil {
		return canvas.Shape{}, err
	}
	return canvas.Normalize(updated)
}

// Delete removes a shape.
func (c *ShapeClient) Delete(ctx context.Context, canvasID, shapeID string) error {
	return c.do(ctx, http.MethodDelete, shapePath(canvasID, shapeID), nil, nil)
}

// List returns the shapes of a canvas ordered by zIndex.
func (c *ShapeClient) List(ctx context.Context, canvasID string) ([]canvas.Shape, error) {
	var response struct {
		Shapes []canvas.Document `json:"shapes"`
	}
	if err := c.do(ctx, http.MethodGet, shapesPath(canvasID), nil, &response); err != nil {
		return nil, err
	}
	return c.normalizeAll(canvasID, response.Shapes), nil
}

// SetLock leases a shape to the token holder.
func (c *ShapeClient) SetLock(ctx context.Context, canvasID, shapeID, _ string) error {
	return c.do(ctx, http.MethodPost, lockPath(canvasID, shapeID), nil, nil)
}

// RefreshLock renews the token holder's lease.
func (c *ShapeClient) RefreshLock(ctx context.Context, canvasID, shapeID, _ string) error {
	return c.do(ctx, http.MethodPut, lockPath(canvasID, shapeID), nil, nil)
}

// ClearLock drops any lease on a shape.
func (c *ShapeClient) ClearLock(ctx context.Context, canvasID, shapeID string) error {
	return c.do(ctx, http.MethodDelete, lockPath(canvasID, shapeID), nil, nil)
}

// Subscribe follows the canvas event stream on a background goroutine and
// calls fn with every snapshot. A dropped stream is reopened after the
// reconnect delay until the returned function is called or ctx ends.
func (c *ShapeClient) Subscribe(ctx context.Context, canvasID string, fn func([]canvas.Shape)) (func(), error) {
	if _, err := canvas.NewCanvasID(canvasID); err != nil {
		return nil, err
	}
	if fn == nil {
		return func() {}, nil
	}
	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			err := c.stream(streamCtx, canvasID, fn)
			if streamCtx.Err() != nil {
				return
			}
			if errors.Is(err, errStreamRejected) {
				c.cfg.Logger.Warn("shape stream rejected", zap.String("canvas_id", canvasID), zap.Error(err))
			} else {
				c.cfg.Logger.Debug("shape stream interrupted", zap.String("canvas_id", canvasID), zap.Error(err))
			}
			select {
			case <-streamCtx.Done():
				return
			case <-time.After(c.cfg.ReconnectDelay):
			}
		}
	}()
	return cancel, nil
}

var errStreamRejected = errors.New("remote: stream rejected")

func (c *ShapeClient) stream(ctx context.Context, canvasID string, fn func([]canvas.Shape)) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+shapesPath(canvasID)+"/stream", http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.cfg.HTTPClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %v", errStreamRejected, statusError(response))
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	event := ""
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "shapes" && data.Len() > 0 {
				var docs []canvas.Document
				if err := json.Unmarshal(data.Bytes(), &docs); err != nil {
					c.cfg.Logger.Warn("shape snapshot undecodable", zap.String("canvas_id", canvasID), zap.Error(err))
				} else if ctx.Err() == nil {
					fn(c.normalizeAll(canvasID, docs))
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *ShapeClient) normalizeAll(canvasID string, docs []canvas.Document) []canvas.Shape {
	list := make([]canvas.Shape, 0, len(docs))
	for _, doc := range docs {
		shape, err := canvas.Normalize(doc)
		if err != nil {
			c.cfg.Logger.Warn("shape document skipped",
				zap.String("canvas_id", canvasID),
				zap.String("shape_id", doc.ID),
				zap.Error(err),
			)
			continue
		}
		list = append(list, shape)
	}
	return list
}

func (c *ShapeClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.cfg.HTTPClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return statusError(response)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func shapesPath(canvasID string) string {
	return "/canvases/" + url.PathEscape(canvasID) + "/shapes"
}

func shapePath(canvasID, shapeID string) string {
	return shapesPath(canvasID) + "/" + url.PathEscape(shapeID)
}

func lockPath(canvasID, shapeID string) string {
	return shapePath(canvasID, shapeID) + "/lock"
}
