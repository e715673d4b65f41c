// Package brokerclient speaks the network broker's one-line JSON
// request/response protocol from the unprivileged server process.
package brokerclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/opensandbox/opensandbox/internal/broker"
	"github.com/opensandbox/opensandbox/internal/metrics"
)

// Client is a thin wrapper around the broker's Unix socket protocol. Each
// call opens a fresh connection: the broker is one-request-one-response.
type Client struct {
	SocketPath string
}

// New creates a Client targeting the broker listening at socketPath.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// Setup requests TAP/IP setup for the given network index.
func (c *Client) Setup(index int) (broker.SetupResponse, error) {
	var resp broker.SetupResponse
	if err := c.roundTrip(broker.Request{Op: "setup", Index: &index}, &resp); err != nil {
		return broker.SetupResponse{}, err
	}
	return resp, nil
}

// Teardown requests destruction of the named TAP device.
func (c *Client) Teardown(tapName string) error {
	var resp broker.OkResponse
	return c.roundTrip(broker.Request{Op: "teardown", TapName: tapName}, &resp)
}

// Status requests the list of currently-active TAP names.
func (c *Client) Status() (broker.StatusResponse, error) {
	var resp broker.StatusResponse
	if err := c.roundTrip(broker.Request{Op: "status"}, &resp); err != nil {
		return broker.StatusResponse{}, err
	}
	return resp, nil
}

func (c *Client) roundTrip(req broker.Request, out any) error {
	start := time.Now()
	defer func() {
		metrics.BrokerOpDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	}()

	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return fmt.Errorf("brokerclient: dial %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("brokerclient: marshal request: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("brokerclient: write request: %w", err)
	}

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadString('\n')
	if err != nil && respLine == "" {
		return fmt.Errorf("brokerclient: read response: %w", err)
	}

	var probe struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(respLine), &probe); err != nil {
		return fmt.Errorf("brokerclient: decode response: %w", err)
	}
	if !probe.OK {
		return fmt.Errorf("brokerclient: broker error: %s", probe.Error)
	}
	return json.Unmarshal([]byte(respLine), out)
}
