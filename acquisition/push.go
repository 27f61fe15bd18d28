package acquisition

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Push message types sent by the server.
const (
	pushTypeUpdateAvailable = "update_available"
	pushTypePong            = "pong"
	pushTypeError           = "error"
)

// pushMessage is one frame on the push channel.
type pushMessage struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// PushHandler is invoked when the server announces a new package for this
// deployment. The handler typically triggers a sync.
type PushHandler func(deploymentKey string)

// PushListenerOptions configure a PushListener.
type PushListenerOptions struct {
	Log           Logger
	ServerURL     string
	DeploymentKey string
	ClientID      string
	Handler       PushHandler

	InsecureSkipVerify bool
	ReconnectDelay     time.Duration
	MaxReconnectDelay  time.Duration
	PingInterval       time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

// PushListener holds a persistent websocket to the update server so the
// client learns about new releases without polling. Connection drops trigger
// reconnection with capped exponential backoff.
type PushListener struct {
	log     Logger
	wsURL   string
	handler PushHandler

	insecureSkipVerify bool
	reconnectDelay     time.Duration
	maxReconnectDelay  time.Duration
	pingInterval       time.Duration
	handshakeTimeout   time.Duration
	writeTimeout       time.Duration
	readTimeout        time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	reconnectCh chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewPushListener builds a listener; Start opens the connection.
func NewPushListener(opts PushListenerOptions) (*PushListener, error) {
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	u.Path = "/v1/push"
	q := u.Query()
	q.Set("deployment_key", opts.DeploymentKey)
	q.Set("client_unique_id", opts.ClientID)
	u.RawQuery = q.Encode()

	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 5 * time.Minute
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PushListener{
		log:                opts.Log,
		wsURL:              u.String(),
		handler:            opts.Handler,
		insecureSkipVerify: opts.InsecureSkipVerify,
		reconnectDelay:     opts.ReconnectDelay,
		maxReconnectDelay:  opts.MaxReconnectDelay,
		pingInterval:       opts.PingInterval,
		handshakeTimeout:   opts.HandshakeTimeout,
		writeTimeout:       opts.WriteTimeout,
		readTimeout:        opts.ReadTimeout,
		reconnectCh:        make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
		ctx:                ctx,
		cancel:             cancel,
	}, nil
}

// Start attempts the initial connection and launches the connection manager.
// A failed initial dial is not an error; the manager keeps retrying.
func (pl *PushListener) Start() {
	if err := pl.connect(); err != nil {
		pl.logWarn("Initial push connection failed, will retry", "error", err)
		pl.requestReconnect()
	}
	pl.wg.Add(1)
	go pl.connectionManager()
}

// Stop closes the connection and halts reconnection.
func (pl *PushListener) Stop() {
	pl.stopOnce.Do(func() {
		pl.cancel()
		close(pl.stopCh)
	})

	pl.mu.Lock()
	if pl.conn != nil {
		pl.conn.SetWriteDeadline(time.Now().Add(pl.writeTimeout))
		pl.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		pl.conn.Close()
		pl.conn = nil
	}
	pl.connected = false
	pl.mu.Unlock()

	pl.wg.Wait()
}

// IsConnected reports whether the push channel is currently open.
func (pl *PushListener) IsConnected() bool {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.connected
}

func (pl *PushListener) connect() error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: pl.handshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: pl.insecureSkipVerify},
	}

	conn, resp, err := dialer.DialContext(pl.ctx, pl.wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("push connection failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("push connection failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pl.readTimeout))
		return nil
	})

	pl.mu.Lock()
	if pl.conn != nil {
		pl.conn.Close()
	}
	pl.conn = conn
	pl.connected = true
	pl.mu.Unlock()

	pl.logInfo("Push channel connected")

	pl.wg.Add(2)
	go pl.readLoop(conn)
	go pl.pingLoop(conn)
	return nil
}

// connectionManager redials after drops, doubling the delay up to the cap
// and resetting it after a successful connection.
func (pl *PushListener) connectionManager() {
	defer pl.wg.Done()

	currentDelay := pl.reconnectDelay
	for {
		select {
		case <-pl.stopCh:
			return
		case <-pl.reconnectCh:
			timer := time.NewTimer(currentDelay)
			select {
			case <-pl.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := pl.connect(); err != nil {
				pl.logWarn("Push reconnection failed", "error", err, "next_delay", (currentDelay * 2).String())
				currentDelay *= 2
				if currentDelay > pl.maxReconnectDelay {
					currentDelay = pl.maxReconnectDelay
				}
				pl.requestReconnect()
			} else {
				currentDelay = pl.reconnectDelay
			}
		}
	}
}

func (pl *PushListener) readLoop(conn *websocket.Conn) {
	defer pl.wg.Done()
	defer func() {
		pl.mu.Lock()
		if pl.conn == conn {
			pl.connected = false
		}
		pl.mu.Unlock()
		select {
		case <-pl.stopCh:
		default:
			pl.requestReconnect()
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(pl.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				pl.logWarn("Push channel read error", "error", err)
			}
			return
		}

		var msg pushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			pl.logWarn("Failed to parse push message", "error", err)
			continue
		}

		switch msg.Type {
		case pushTypeUpdateAvailable:
			key, _ := msg.Data["deployment_key"].(string)
			pl.logInfo("Server announced a new package")
			if pl.handler != nil {
				go pl.handler(key)
			}
		case pushTypePong:
			// Connection is healthy.
		case pushTypeError:
			pl.logWarn("Push channel server error", "data", fmt.Sprintf("%v", msg.Data))
		default:
			pl.logDebug("Unknown push message type", "type", msg.Type)
		}
	}
}

func (pl *PushListener) pingLoop(conn *websocket.Conn) {
	defer pl.wg.Done()

	ticker := time.NewTicker(pl.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pl.stopCh:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(pl.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				pl.logDebug("Push channel ping failed", "error", err)
				return
			}
		}
	}
}

func (pl *PushListener) requestReconnect() {
	select {
	case pl.reconnectCh <- struct{}{}:
	default:
	}
}

func (pl *PushListener) logWarn(msg string, args ...interface{}) {
	if pl.log != nil {
		pl.log.Warn(msg, args...)
	}
}

func (pl *PushListener) logInfo(msg string, args ...interface{}) {
	if pl.log != nil {
		pl.log.Info(msg, args...)
	}
}

func (pl *PushListener) logDebug(msg string, args ...interface{}) {
	if pl.log != nil {
		pl.log.Debug(msg, args...)
	}
}
