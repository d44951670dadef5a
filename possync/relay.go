// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

// Transport is the relay contract the engines depend on. Anything that can
// store and forward signed events addressed by network id satisfies it; the
// engines assume delivery may be delayed, duplicated or reordered.
type Transport interface {
	Publish(ctx context.Context, ev *posrelay.Event) error
	FetchSince(ctx context.Context, networkID string, filter posrelay.FetchFilter) (*posrelay.FetchPage, error)
}

// Subscriber is the optional live push channel. The Feed adapter converts
// it into a pull sequence; engines themselves only ever pull.
type Subscriber interface {
	Subscribe(ctx context.Context, networkID string) (<-chan posrelay.Event, error)
}

// RelayClient talks to a posrelay server over HTTP and websocket.
type RelayClient struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT bearer token
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewRelayClient creates a relay client. tok provides the bearer token for
// each request, so rotation needs no client restart.
func NewRelayClient(baseURL string, tok func(context.Context) (string, error), logger *slog.Logger) *RelayClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Publish sends one event to the relay. Any failure comes back as
// TransportUnavailableError; the relay acks duplicate ids, so retries are
// always safe.
func (c *RelayClient) Publish(ctx context.Context, ev *posrelay.Event) error {
	body, err := json.Marshal(&posrelay.PublishRequest{Event: *ev})
	if err != nil {
		return fmt.Errorf("failed to marshal publish request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/relay/publish", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return &TransportUnavailableError{Op: "publish", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportUnavailableError{Op: "publish", Err: httpStatusError(resp)}
	}

	var publishResp posrelay.PublishResponse
	if err := json.NewDecoder(resp.Body).Decode(&publishResp); err != nil {
		return &TransportUnavailableError{Op: "publish", Err: fmt.Errorf("failed to decode publish response: %w", err)}
	}
	if !publishResp.Accepted {
		return &TransportUnavailableError{Op: "publish", Err: fmt.Errorf("relay did not accept event %s", ev.ID)}
	}
	if publishResp.Duplicate {
		c.logger.Debug("Relay acked duplicate event", "event_id", ev.ID, "seq", publishResp.Seq)
	}
	return nil
}

// FetchSince pulls one page of the network feed after the cursor.
func (c *RelayClient) FetchSince(ctx context.Context, networkID string, filter posrelay.FetchFilter) (*posrelay.FetchPage, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(filter.After, 10))
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}
	if len(filter.Types) > 0 {
		params.Set("types", strings.Join(filter.Types, ","))
	}
	if filter.Recipient != "" {
		params.Set("for", "self")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/relay/fetch?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &TransportUnavailableError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportUnavailableError{Op: "fetch", Err: httpStatusError(resp)}
	}

	var page posrelay.FetchPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &TransportUnavailableError{Op: "fetch", Err: fmt.Errorf("failed to decode fetch response: %w", err)}
	}
	return &page, nil
}

// Subscribe opens the websocket push channel. Events arrive on the returned
// channel until ctx is cancelled or the connection drops; the channel is
// closed either way and callers recover gaps through FetchSince.
func (c *RelayClient) Subscribe(ctx context.Context, networkID string) (<-chan posrelay.Event, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get relay token: %w", err)
	}

	wsURL := strings.Replace(c.BaseURL, "http", "ws", 1) + "/relay/subscribe"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &TransportUnavailableError{Op: "subscribe", Err: err}
	}

	events := make(chan posrelay.Event, 16)
	go func() {
		defer close(events)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			var ev posrelay.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("Relay subscription closed", "error", err, "network_id", networkID)
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func (c *RelayClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get relay token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func httpStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("relay returned status %d: %s", resp.StatusCode, string(body))
}
