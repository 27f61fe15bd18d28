// Package acquisition talks to the update server: it answers "is there a
// newer package", streams package archives to disk, delivers telemetry
// bodies, and listens for server-initiated update pushes.
package acquisition

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/overair/overair/downloadqueue"
	"github.com/overair/overair/pack"
	"github.com/overair/overair/telemetry"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultRetryDelay     = 500 * time.Millisecond

	userAgent = "OverAir-Agent/1.0"
)

// UpdateClient answers the remote "is there a newer package" query.
type UpdateClient interface {
	// CheckForUpdate returns the available update, or nil when the client is
	// already current. A server answer that targets a newer host binary is
	// reported as no update.
	CheckForUpdate(ctx context.Context, current *pack.Descriptor) (*pack.RemoteUpdate, error)

	// CheckForUpdateWithMismatch additionally reports whether the server
	// signalled that the host binary itself must be upgraded before the
	// offered package can run.
	CheckForUpdateWithMismatch(ctx context.Context, current *pack.Descriptor) (*pack.RemoteUpdate, bool, error)
}

// Logger is the logging interface consumed by this package.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Options configure an HTTPClient.
type Options struct {
	Log           Logger
	ServerURL     string
	DeploymentKey string
	AppVersion    string
	ClientID      string

	// CACertPath points at a PEM bundle for servers with self-signed
	// certificates. Empty means the system CA pool.
	CACertPath         string
	InsecureSkipVerify bool

	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// HTTPClient is the production UpdateClient. It also implements
// downloadqueue.Downloader and telemetry.Sender so one configured transport
// serves all three server surfaces.
type HTTPClient struct {
	log           Logger
	baseURL       string
	deploymentKey string
	appVersion    string
	clientID      string
	maxRetries    int
	retryDelay    time.Duration

	// apiClient carries a request timeout; downloadClient is bounded only by
	// the caller's context so large archives are not cut off mid-stream.
	apiClient      *http.Client
	downloadClient *http.Client

	mu        sync.RWMutex
	lastCheck time.Time
}

// NewHTTPClient validates the options and builds the shared transport.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.ServerURL == "" {
		return nil, &pack.ConfigurationError{Msg: "update server URL is required"}
	}
	if opts.DeploymentKey == "" {
		return nil, &pack.ConfigurationError{Msg: "deployment key is required"}
	}
	if _, err := url.Parse(opts.ServerURL); err != nil {
		return nil, &pack.ConfigurationError{Msg: "invalid update server URL"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}

	var tlsConfig *tls.Config
	if opts.CACertPath != "" {
		caCert, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, &pack.ConfigurationError{Msg: "unable to read CA certificate bundle"}
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, &pack.ConfigurationError{Msg: "CA certificate bundle contains no usable certificates"}
		}
		tlsConfig = &tls.Config{
			RootCAs:            caPool,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	} else {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	transport := &http.Transport{TLSClientConfig: tlsConfig}
	return &HTTPClient{
		log:           opts.Log,
		baseURL:       opts.ServerURL,
		deploymentKey: opts.DeploymentKey,
		appVersion:    opts.AppVersion,
		clientID:      opts.ClientID,
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
		apiClient: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: transport,
		},
		downloadClient: &http.Client{
			Transport: transport,
		},
	}, nil
}

// updateCheckResponse is the server's answer to an update check.
type updateCheckResponse struct {
	UpdateInfo struct {
		IsAvailable       bool   `json:"is_available"`
		IsMandatory       bool   `json:"is_mandatory"`
		TargetBinaryRange string `json:"target_binary_range"`
		PackageHash       string `json:"package_hash"`
		Label             string `json:"label"`
		PackageSize       int64  `json:"package_size"`
		Description       string `json:"description"`
		DownloadURL       string `json:"download_url"`
		DiffURL           string `json:"diff_url,omitempty"`
		DiffSize          int64  `json:"diff_size,omitempty"`
		UpdateAppVersion  bool   `json:"update_app_version"`
	} `json:"update_info"`
}

// CheckForUpdate implements UpdateClient.
func (c *HTTPClient) CheckForUpdate(ctx context.Context, current *pack.Descriptor) (*pack.RemoteUpdate, error) {
	update, mismatch, err := c.CheckForUpdateWithMismatch(ctx, current)
	if err != nil {
		return nil, err
	}
	if mismatch {
		return nil, nil
	}
	return update, nil
}

// CheckForUpdateWithMismatch implements UpdateClient.
func (c *HTTPClient) CheckForUpdateWithMismatch(ctx context.Context, current *pack.Descriptor) (*pack.RemoteUpdate, bool, error) {
	q := url.Values{}
	q.Set("deployment_key", c.deploymentKey)
	q.Set("app_version", c.appVersion)
	q.Set("client_unique_id", c.clientID)
	if current != nil {
		q.Set("package_hash", current.Hash)
		if current.Label != "" {
			q.Set("label", current.Label)
		}
	}

	var resp updateCheckResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/update_check?"+q.Encode(), nil, &resp); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.lastCheck = time.Now()
	c.mu.Unlock()

	info := resp.UpdateInfo
	if info.UpdateAppVersion {
		offered := &pack.RemoteUpdate{
			Descriptor: pack.Descriptor{
				Hash:              info.PackageHash,
				Label:             info.Label,
				TargetBinaryRange: info.TargetBinaryRange,
				Mandatory:         info.IsMandatory,
				Size:              info.PackageSize,
				Description:       info.Description,
				DeploymentKey:     c.deploymentKey,
			},
			DownloadURL: info.DownloadURL,
		}
		c.logInfo("Update check: offered package targets a newer host binary", "label", info.Label)
		return offered, true, nil
	}
	if !info.IsAvailable {
		c.logDebug("Update check: already current")
		return nil, false, nil
	}
	if current != nil && current.Hash != "" && info.PackageHash == current.Hash {
		return nil, false, nil
	}

	update := &pack.RemoteUpdate{
		Descriptor: pack.Descriptor{
			Hash:              info.PackageHash,
			Label:             info.Label,
			TargetBinaryRange: info.TargetBinaryRange,
			Mandatory:         info.IsMandatory,
			Size:              info.PackageSize,
			Description:       info.Description,
			DeploymentKey:     c.deploymentKey,
		},
		DownloadURL: info.DownloadURL,
		DiffURL:     info.DiffURL,
		DiffSize:    info.DiffSize,
	}
	c.logInfo("Update check: new package available", "label", update.Label, "size", update.Size)
	return update, false, nil
}

// Download implements downloadqueue.Downloader. It streams the package
// archive to destPath, reporting progress as bytes arrive.
func (c *HTTPClient) Download(ctx context.Context, update *pack.RemoteUpdate, destPath string, progress downloadqueue.ProgressFunc) (int64, error) {
	sourceURL := update.PreferredURL()
	if sourceURL == "" {
		return 0, &pack.UpdateError{Hash: update.Hash, Msg: "update has no download URL"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return 0, &pack.UpdateError{Hash: update.Hash, Msg: "invalid download URL", Err: redactRequestURL(err)}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return 0, &pack.NetworkError{Op: "download package", Err: redactRequestURL(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if retriableStatus(resp.StatusCode) {
			return 0, &pack.NetworkError{Op: "download package", Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
		}
		return 0, &pack.UpdateError{Hash: update.Hash, Msg: "server refused package download: status " + strconv.Itoa(resp.StatusCode)}
	}

	total := resp.ContentLength
	if total <= 0 {
		total = update.PreferredSize()
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create download target: %w", err)
	}

	written, err := io.Copy(out, newProgressReader(resp.Body, total, progress))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destPath)
		return written, &pack.NetworkError{Op: "download package", Err: err}
	}
	return written, nil
}

// downloadStatusBody is the wire form of a download lifecycle report.
type downloadStatusBody struct {
	ClientUniqueID string `json:"client_unique_id"`
	DeploymentKey  string `json:"deployment_key"`
	Label          string `json:"label"`
}

// deployStatusBody is the wire form of a deployment lifecycle report.
type deployStatusBody struct {
	ClientUniqueID string `json:"client_unique_id"`
	DeploymentKey  string `json:"deployment_key"`
	AppVersion     string `json:"app_version"`
	Label          string `json:"label,omitempty"`
	Status         string `json:"status,omitempty"`
	PreviousLabel  string `json:"previous_label_or_app_version,omitempty"`
	PreviousKey    string `json:"previous_deployment_key,omitempty"`
}

// SendDownloadStatus implements telemetry.Sender.
func (c *HTTPClient) SendDownloadStatus(ctx context.Context, event telemetry.Event) error {
	body := downloadStatusBody{
		ClientUniqueID: event.ClientID,
		DeploymentKey:  event.DeploymentKey,
		Label:          event.Label,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/report_status/download", body, nil)
}

// SendDeployStatus implements telemetry.Sender.
func (c *HTTPClient) SendDeployStatus(ctx context.Context, event telemetry.Event) error {
	body := deployStatusBody{
		ClientUniqueID: event.ClientID,
		DeploymentKey:  event.DeploymentKey,
		AppVersion:     event.AppVersion,
		Label:          event.Label,
		Status:         event.Status,
		PreviousLabel:  event.PreviousLabel,
		PreviousKey:    event.PreviousKey,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/report_status/deploy", body, nil)
}

// LastCheck returns when the most recent successful update check completed.
func (c *HTTPClient) LastCheck() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCheck
}

// doJSON performs one API request with retry on transient failures. The
// deployment key travels only in the request itself, never in errors or logs.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	operation := func() error {
		var bodyReader io.Reader
		if reqBody != nil {
			data, err := json.Marshal(reqBody)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to encode request: %w", err))
			}
			bodyReader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", redactRequestURL(err)))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.apiClient.Do(req)
		if err != nil {
			return &pack.NetworkError{Op: "update server request", Err: redactRequestURL(err)}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &pack.NetworkError{Op: "read server response", Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := fmt.Errorf("server returned status %d", resp.StatusCode)
			if retriableStatus(resp.StatusCode) {
				return &pack.NetworkError{Op: "update server request", Err: statusErr}
			}
			return backoff.Permanent(&pack.UpdateError{Msg: statusErr.Error()})
		}

		if respBody != nil {
			if err := json.Unmarshal(data, respBody); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode server response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.maxRetries-1)), ctx))
	if err != nil {
		c.logWarn("Update server request failed", "method", method, "error", err)
	}
	return err
}

// redactRequestURL strips the query string from any URL embedded in a
// transport error. Request URLs carry the deployment key, and url.Error
// reproduces the full URL in its message, so the raw error must never reach
// a log line or a wrapped error.
func redactRequestURL(err error) error {
	ue, ok := err.(*url.Error)
	if !ok {
		return err
	}
	redacted := ue.URL
	if u, parseErr := url.Parse(ue.URL); parseErr == nil {
		u.RawQuery = ""
		u.Fragment = ""
		redacted = u.String()
	} else if i := strings.IndexByte(redacted, '?'); i >= 0 {
		redacted = redacted[:i]
	}
	return &url.Error{Op: ue.Op, URL: redacted, Err: ue.Err}
}

// retriableStatus reports whether an HTTP status is worth retrying.
func retriableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func (c *HTTPClient) logWarn(msg string, args ...interface{}) {
	if c.log != nil {
		c.log.Warn(msg, args...)
	}
}

func (c *HTTPClient) logInfo(msg string, args ...interface{}) {
	if c.log != nil {
		c.log.Info(msg, args...)
	}
}

func (c *HTTPClient) logDebug(msg string, args ...interface{}) {
	if c.log != nil {
		c.log.Debug(msg, args...)
	}
}
