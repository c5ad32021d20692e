// Package hypervisor implements the control-socket client:
// HTTP/1.1 PUT/GET over a local Unix socket, with structured
// fault parsing on non-2xx responses.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/clawpot/clawpotd/internal/errx"
)

// Client talks to one hypervisor instance over its control socket. It is
// cheap to construct and holds no long-lived state beyond the socket path.
type Client struct {
	socketPath string
	http       *http.Client
}

// New returns a client for the hypervisor listening on socketPath.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errx.Wrap(ErrStageFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://unix"+path, bytes.NewReader(payload))
	if err != nil {
		return errx.Wrap(ErrStageFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errx.Wrap(ErrStageFailed, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errx.With(ErrStageFailed, " %s (%d): %s", path, resp.StatusCode, faultMessage(respBody))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return errx.Wrap(ErrStageFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errx.Wrap(ErrStageFailed, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errx.With(ErrStageFailed, " %s (%d): %s", path, resp.StatusCode, faultMessage(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func faultMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.FaultMessage != "" {
		return e.FaultMessage
	}
	return string(body)
}

// SetBootSource pushes the boot-source configuration.
func (c *Client) SetBootSource(ctx context.Context, cfg BootSource) error {
	return c.put(ctx, "/boot-source", cfg)
}

// SetDrive pushes a drive configuration.
func (c *Client) SetDrive(ctx context.Context, d Drive) error {
	return c.put(ctx, fmt.Sprintf("/drives/%s", d.DriveID), d)
}

// SetMachineConfig pushes vcpu/memory configuration.
func (c *Client) SetMachineConfig(ctx context.Context, cfg MachineConfig) error {
	return c.put(ctx, "/machine-config", cfg)
}

// SetNetworkInterface attaches a TAP device as a network interface.
func (c *Client) SetNetworkInterface(ctx context.Context, iface NetworkInterface) error {
	return c.put(ctx, fmt.Sprintf("/network-interfaces/%s", iface.IfaceID), iface)
}

// SetVsock configures the host/guest datagram socket device.
func (c *Client) SetVsock(ctx context.Context, v VsockDevice) error {
	return c.put(ctx, "/vsock", v)
}

// SetEntropy enables the entropy (virtio-rng) device.
func (c *Client) SetEntropy(ctx context.Context, e EntropyDevice) error {
	return c.put(ctx, "/entropy", e)
}

// StartInstance issues the Start action.
func (c *Client) StartInstance(ctx context.Context) error {
	return c.put(ctx, "/actions", instanceAction{ActionType: actionStart})
}

// SendCtrlAltDel issues the SendCtrlAltDel action for graceful shutdown.
func (c *Client) SendCtrlAltDel(ctx context.Context) error {
	return c.put(ctx, "/actions", instanceAction{ActionType: actionCtrlAltDel})
}

// GetInstanceInfo reads the instance's current state.
func (c *Client) GetInstanceInfo(ctx context.Context) (InstanceInfo, error) {
	var info InstanceInfo
	err := c.get(ctx, "/", &info)
	return info, err
}
