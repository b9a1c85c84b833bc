package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miyako-dev/tsubridge/internal/config"
	"github.com/miyako-dev/tsubridge/internal/httpclient"
	"github.com/miyako-dev/tsubridge/internal/version"
)

// MirakurunClient receives TV over a Mirakurun-like HTTP API. A service
// stream is one long-running GET whose response body is the raw TS; closing
// the body releases the tuner on the backend side.
//
// Control calls go through the retrying httpclient. The stream GET does not:
// it runs on a bare transport because the arbiter owns retry policy for
// tuner opens and the response body is read indefinitely.
type MirakurunClient struct {
	base   string
	api    *httpclient.Client
	stream *http.Client
	logger *slog.Logger
}

// NewMirakurunClient returns a client for the given base URL, for example
// "http://127.0.0.1:40772".
func NewMirakurunClient(endpoint string, cfg config.BackendConfig, logger *slog.Logger) *MirakurunClient {
	base := strings.TrimRight(endpoint, "/")

	apiCfg := httpclient.DefaultConfig()
	apiCfg.Logger = logger

	dialer := &net.Dialer{Timeout: cfg.OpenTimeout}
	streamTransport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.OpenTimeout,
		ResponseHeaderTimeout: cfg.OpenTimeout,
	}

	return &MirakurunClient{
		base: base,
		api:  httpclient.New(apiCfg),
		// No overall timeout: the stream body is read for the lifetime of
		// the tuner session.
		stream: &http.Client{
			Transport: streamTransport,
		},
		logger: logger,
	}
}

// Open starts the service stream for the channel.
func (c *MirakurunClient) Open(ctx context.Context, ch Channel, owner string) (*Handle, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/api/services/%d/stream", c.base, ch.MirakurunServiceID())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	// Priority 0 lets the backend preempt us in favour of recordings.
	req.Header.Set("X-Mirakurun-Priority", "0")

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: service %d", ErrChannelNotFound, ch.MirakurunServiceID())
	case http.StatusServiceUnavailable:
		resp.Body.Close()
		return nil, ErrNoTunerAvailable
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrProtocol, resp.StatusCode, url)
	}

	h := newHandle("mirakurun", owner, &mirakurunSession{body: resp.Body, url: url})
	h.promote()

	c.logger.Info("service stream opened",
		slog.String("channel", ch.DisplayID()),
		slog.Int64("service", ch.MirakurunServiceID()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return h, nil
}

// mirakurunService mirrors the backend's service JSON. transportStreamId is
// absent on older backends and decodes to zero there.
type mirakurunService struct {
	ID                 int64  `json:"id"`
	ServiceID          uint16 `json:"serviceId"`
	NetworkID          uint16 `json:"networkId"`
	TransportStreamID  uint16 `json:"transportStreamId"`
	Name               string `json:"name"`
	RemoteControlKeyID int    `json:"remoteControlKeyId"`
	Channel            struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
	} `json:"channel"`
}

// Services enumerates every service the backend knows.
func (c *MirakurunClient) Services(ctx context.Context) ([]Channel, error) {
	var raw []mirakurunService
	if err := c.getJSON(ctx, "/api/services", &raw); err != nil {
		return nil, err
	}

	services := make([]Channel, 0, len(raw))
	for _, s := range raw {
		services = append(services, Channel{
			NetworkID:          s.NetworkID,
			TransportStreamID:  s.TransportStreamID,
			ServiceID:          s.ServiceID,
			RemoteControlKeyID: s.RemoteControlKeyID,
			Name:               s.Name,
			Type:               s.Channel.Type,
		})
	}
	return services, nil
}

// Resolve maps a channel query to a concrete service via enumeration.
func (c *MirakurunClient) Resolve(ctx context.Context, query string) (Channel, error) {
	services, err := c.Services(ctx)
	if err != nil {
		return Channel{}, err
	}
	for _, ch := range services {
		if ch.matches(query) {
			return ch, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: %q", ErrChannelNotFound, query)
}

// mirakurunTuner mirrors the backend's tuner device JSON.
type mirakurunTuner struct {
	Name    string `json:"name"`
	IsUsing bool   `json:"isUsing"`
}

// Tuners enumerates the backend's tuner devices.
func (c *MirakurunClient) Tuners(ctx context.Context) ([]TunerInfo, error) {
	var raw []mirakurunTuner
	if err := c.getJSON(ctx, "/api/tuners", &raw); err != nil {
		return nil, err
	}

	tuners := make([]TunerInfo, 0, len(raw))
	for _, t := range raw {
		tuners = append(tuners, TunerInfo{Name: t.Name, Busy: t.IsUsing})
	}
	return tuners, nil
}

// Close drops idle connections. Open stream bodies stay valid.
func (c *MirakurunClient) Close() error {
	c.api.CloseIdleConnections()
	c.stream.CloseIdleConnections()
	return nil
}

func (c *MirakurunClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d from %s", ErrProtocol, resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrProtocol, path, err)
	}
	return nil
}

// mirakurunSession wraps the long-running stream response body.
type mirakurunSession struct {
	body io.ReadCloser
	url  string
}

func (s *mirakurunSession) Read(p []byte) (int, error) {
	return s.body.Read(p)
}

func (s *mirakurunSession) release() error {
	return s.body.Close()
}

func (s *mirakurunSession) describe() string {
	return "mirakurun stream " + s.url
}
