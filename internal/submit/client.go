package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

const (
	defaultUploadPath  = "/api/upload"
	defaultConvertPath = "/api/convert"
	defaultTimeout     = 30 * time.Second
	maxErrorBody       = 4 << 10
)

// Config wires the submit client.
type Config struct {
	BaseURL     string
	UploadPath  string
	ConvertPath string
	Timeout     time.Duration
	// MaxFileSize rejects larger uploads locally; 0 disables the check.
	MaxFileSize int64
	HTTPClient  *http.Client
	// Transport is used when HTTPClient is nil.
	Transport http.RoundTripper
	Clock     convert.Clock
	Logger    *zap.Logger
}

// Error is a submit failure reported by the backend: a non-2xx status or a
// response carrying an "error" field.
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Client submits conversion jobs to the backend.
type Client struct {
	base        *url.URL
	uploadPath  string
	convertPath string
	maxFileSize int64
	http        *http.Client
	clock       convert.Clock
	logger      *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("backend base url %q must be an absolute http(s) URL", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout, Transport: cfg.Transport}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:        base,
		uploadPath:  valueOr(cfg.UploadPath, defaultUploadPath),
		convertPath: valueOr(cfg.ConvertPath, defaultConvertPath),
		maxFileSize: cfg.MaxFileSize,
		http:        httpClient,
		clock:       clock,
		logger:      logger.Named("submit"),
	}, nil
}

func valueOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// SubmitFile validates path and uploads it as multipart field "file".
func (c *Client) SubmitFile(ctx context.Context, path string) (convert.Receipt, error) {
	info, err := ValidateFile(path, c.maxFileSize)
	if err != nil {
		return convert.Receipt{}, err
	}
	body, contentType, err := encodeUpload(info)
	if err != nil {
		return convert.Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(c.uploadPath), body)
	if err != nil {
		return convert.Receipt{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	c.logger.Info("submitting file", zap.String("file", info.Name), zap.Int64("bytes", info.Size))
	receipt, err := c.do(req, "upload")
	if err != nil {
		return convert.Receipt{}, err
	}
	receipt.Handle.Kind = convert.KindFileUpload
	receipt.Handle.Source = info.Path
	return receipt, nil
}

// SubmitURL validates rawURL and posts {"url": rawURL}.
func (c *Client) SubmitURL(ctx context.Context, rawURL string) (convert.Receipt, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return convert.Receipt{}, err
	}
	payload, err := json.Marshal(map[string]string{"url": u.String()})
	if err != nil {
		return convert.Receipt{}, fmt.Errorf("encode convert request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(c.convertPath), bytes.NewReader(payload))
	if err != nil {
		return convert.Receipt{}, fmt.Errorf("build convert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Info("submitting url", zap.String("url", u.String()))
	receipt, err := c.do(req, "convert")
	if err != nil {
		return convert.Receipt{}, err
	}
	receipt.Handle.Kind = convert.KindURLConvert
	receipt.Handle.Source = u.String()
	return receipt, nil
}

// Download fetches a converted artifact. Relative URLs resolve against the
// backend base URL. The caller closes the returned body.
func (c *Client) Download(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, "", &ValidationError{Field: "download url", Value: rawURL, Err: ErrEmptyURL}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(rawURL), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close() //nolint:errcheck // body fully consumed below
		return nil, "", &Error{Op: "download", StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// ResolveURL returns rawURL resolved against the backend base URL.
func (c *Client) ResolveURL(rawURL string) string {
	return c.resolve(rawURL)
}

func (c *Client) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return c.base.String() + ref
	}
	if u.IsAbs() {
		return u.String()
	}
	if strings.HasPrefix(ref, "/") && c.base.Path != "" && c.base.Path != "/" {
		u.Path = strings.TrimRight(c.base.Path, "/") + u.Path
	}
	return c.base.ResolveReference(u).String()
}

func (c *Client) do(req *http.Request, op string) (convert.Receipt, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return convert.Receipt{}, fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return convert.Receipt{}, fmt.Errorf("read %s response: %w", op, err)
	}
	var parsed response
	decodeErr := json.Unmarshal(data, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parsed.errorMessage()
		if decodeErr != nil || msg == "" {
			msg = truncate(strings.TrimSpace(string(data)))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("submit rejected", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("error", msg))
		return convert.Receipt{}, &Error{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return convert.Receipt{}, &Error{Op: op, StatusCode: resp.StatusCode, Message: "response is not JSON"}
	}
	if parsed.Error != "" {
		return convert.Receipt{}, &Error{Op: op, Message: parsed.errorMessage()}
	}
	receipt := parsed.receipt(c.clock.Now())
	c.logger.Info("submit accepted",
		zap.String("op", op),
		zap.String("job_id", receipt.Handle.ID),
		zap.Bool("completed", receipt.Completed()),
	)
	return receipt, nil
}

func encodeUpload(info FileInfo) (io.Reader, string, error) {
	f, err := os.Open(info.Path) //nolint:gosec // path is supplied by the local user
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", info.Path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, info.Name))
	header.Set("Content-Type", info.ContentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy %s: %w", info.Path, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var parsed response
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg := parsed.errorMessage(); msg != "" {
			return msg
		}
	}
	return truncate(strings.TrimSpace(string(data)))
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
