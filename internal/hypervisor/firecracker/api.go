// Package firecracker implements C6.2, the Firecracker hypervisor driver.
// Firecracker is Linux-only (it requires KVM and the firecracker binary); on
// every other platform each Driver method returns hypervisor.ErrNotSupported
// immediately. Grounded on the pack's Firecracker API client shims
// (oriys-nova internal/firecracker), adapted to the unix-socket REST
// control surface and JSON bodies as map[string]interface{}.
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

func httpClientForSocket(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// apiCall issues a single Firecracker REST call over the VM's unix socket.
func apiCall(socketPath, method, path string, body interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := httpClientForSocket(socketPath)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("firecracker api %s %s: %d: %s", method, path, resp.StatusCode, string(b))
	}
	return nil
}

var socketWaitMu sync.Mutex

// waitForSocket polls until the unix socket at path accepts connections or
// timeout elapses.
func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("firecracker: socket %s not ready after %s", path, timeout)
}
