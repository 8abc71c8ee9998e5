package sfu

import (
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

	"github.com/pion/webrtc/v3"
	"github.com/sony/gobreaker"

	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// opTimeout bounds every control call so a stuck SFU cannot wedge a room
// handler.
const opTimeout = 10 * time.Second

// RemoteProvider drives an external SFU through its JSON control API. A
// circuit breaker fronts every call: when the SFU is down, room handlers fail
// fast instead of stacking up on a 10s timeout each.
type RemoteProvider struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewRemoteProvider verifies the control endpoint is reachable before
// returning.
func NewRemoteProvider(controlURL string) (*RemoteProvider, error) {
	p := &RemoteProvider{
		baseURL: strings.TrimRight(controlURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sfu-control",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A 4xx means the SFU is healthy and rejected this one call; only
		// transport errors and 5xx count towards opening the circuit.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *statusError
			return errors.As(err, &se) && se.status < 500
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return nil, fmt.Errorf("sfu control endpoint unreachable: %w", err)
	}
	return p, nil
}

// Ping checks SFU control-plane health.
func (p *RemoteProvider) Ping(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// RouterFor returns a handle on the room's remote router. The remote side
// creates routers lazily, so this never makes a call.
func (p *RemoteProvider) RouterFor(ctx context.Context, channelID types.ChannelID) (types.SFURouter, error) {
	return &remoteRouter{provider: p, room: roomPath(channelID)}, nil
}

// CloseRouter tears down the room's remote router.
func (p *RemoteProvider) CloseRouter(ctx context.Context, channelID types.ChannelID) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return p.do(ctx, http.MethodDelete, roomPath(channelID), nil, nil)
}

// Close releases pooled connections.
func (p *RemoteProvider) Close() error {
	p.http.CloseIdleConnections()
	return nil
}

func roomPath(channelID types.ChannelID) string {
	return "/rooms/" + url.PathEscape(string(channelID))
}

// statusError carries the control API's HTTP status so the breaker can tell
// outages from semantic rejections.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string { return e.msg }

// do issues one JSON request against the control API, through the breaker.
func (p *RemoteProvider) do(ctx context.Context, method, path string, in, out any) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.roundTrip(ctx, method, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("sfu control circuit open: %w", err)
	}
	return err
}

func (p *RemoteProvider) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal sfu control request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build sfu control request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("sfu control request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var remote struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&remote)
		msg := fmt.Sprintf("sfu control: unexpected status %s", res.Status)
		if remote.Error != "" {
			msg = fmt.Sprintf("sfu control: %s (%s)", remote.Error, res.Status)
		}
		return &statusError{status: res.StatusCode, msg: msg}
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode sfu control response: %w", err)
		}
	}
	return nil
}

// remoteRouter proxies one room's router operations to the control API.
type remoteRouter struct {
	provider *RemoteProvider
	room     string
}

func (r *remoteRouter) RtpCapabilities(ctx context.Context) (signal.RtpCapabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var res struct {
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := r.provider.do(ctx, http.MethodGet, r.room+"/rtp-capabilities", nil, &res); err != nil {
		return nil, err
	}
	return res.RtpCapabilities, nil
}

func (r *remoteRouter) CreateTransport(ctx context.Context, userID types.UserID, direction signal.TransportDirection) (*signal.TransportInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req := struct {
		UserID    string                    `json:"userId"`
		Direction signal.TransportDirection `json:"direction"`
	}{string(userID), direction}

	var res signal.TransportInfo
	if err := r.provider.do(ctx, http.MethodPost, r.room+"/transports", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *remoteRouter) ConnectTransport(ctx context.Context, transportID string, dtlsParameters webrtc.DTLSParameters) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req := struct {
		DtlsParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	}{dtlsParameters}

	return r.provider.do(ctx, http.MethodPost, "/transports/"+url.PathEscape(transportID)+"/connect", req, nil)
}

func (r *remoteRouter) Produce(ctx context.Context, userID types.UserID, transportID string, kind string, rtpParameters signal.RtpParameters) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req := struct {
		UserID        string               `json:"userId"`
		Kind          string               `json:"kind"`
		RtpParameters signal.RtpParameters `json:"rtpParameters"`
	}{string(userID), kind, rtpParameters}

	var res struct {
		ProducerID string `json:"producerId"`
	}
	if err := r.provider.do(ctx, http.MethodPost, "/transports/"+url.PathEscape(transportID)+"/producers", req, &res); err != nil {
		return "", err
	}
	return res.ProducerID, nil
}

func (r *remoteRouter) Consume(ctx context.Context, userID types.UserID, producerID string, rtpCapabilities signal.RtpCapabilities) (*signal.ConsumeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req := struct {
		UserID          string                 `json:"userId"`
		ProducerID      string                 `json:"producerId"`
		RtpCapabilities signal.RtpCapabilities `json:"rtpCapabilities"`
	}{string(userID), producerID, rtpCapabilities}

	var res signal.ConsumeResult
	if err := r.provider.do(ctx, http.MethodPost, r.room+"/consumers", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *remoteRouter) ResumeConsumer(ctx context.Context, consumerID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.provider.do(ctx, http.MethodPost, "/consumers/"+url.PathEscape(consumerID)+"/resume", nil, nil)
}

func (r *remoteRouter) RestartICE(ctx context.Context, userID types.UserID, direction signal.TransportDirection) (webrtc.ICEParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req := struct {
		UserID    string                    `json:"userId"`
		Direction signal.TransportDirection `json:"direction"`
	}{string(userID), direction}

	var res struct {
		IceParameters webrtc.ICEParameters `json:"iceParameters"`
	}
	if err := r.provider.do(ctx, http.MethodPost, r.room+"/restart-ice", req, &res); err != nil {
		return webrtc.ICEParameters{}, err
	}
	return res.IceParameters, nil
}

func (r *remoteRouter) SetProducerPaused(ctx context.Context, producerID string, paused bool) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req := struct {
		Paused bool `json:"paused"`
	}{paused}

	return r.provider.do(ctx, http.MethodPost, "/producers/"+url.PathEscape(producerID)+"/pause", req, nil)
}

func (r *remoteRouter) CloseProducer(ctx context.Context, producerID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.provider.do(ctx, http.MethodDelete, "/producers/"+url.PathEscape(producerID), nil, nil)
}

func (r *remoteRouter) CloseUser(ctx context.Context, userID types.UserID) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.provider.do(ctx, http.MethodDelete, r.room+"/users/"+url.PathEscape(string(userID)), nil, nil)
}

func (r *remoteRouter) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.provider.do(ctx, http.MethodDelete, r.room, nil, nil)
}
