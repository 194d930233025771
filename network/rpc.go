package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bitfsorg/libspv-go/spv"
)

// RPCClient is a JSON-RPC 1.0 client for a node's HTTP interface.
// It handles request serialization, authentication, and response parsing.
// The chain source methods are built on top of the Call method.
type RPCClient struct {
	url       string
	user      string
	pass      string
	client    *http.Client
	transport *http.Transport
	nextID    atomic.Int64

	// params selects the header wire format; nil reads 80-byte headers.
	params *spv.NetworkParams
}

// rpcRequest represents a JSON-RPC 1.0 request payload.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcResponse represents a JSON-RPC 1.0 response payload.
type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcError represents an error returned by the JSON-RPC server.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRPCClient creates a JSON-RPC client for the given configuration.
// The client uses HTTP Basic Auth when User is non-empty. Network selects
// the header wire format of the chain source methods.
func NewRPCClient(cfg RPCConfig) *RPCClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 10,
	}
	return &RPCClient{
		url:       cfg.URL,
		user:      cfg.User,
		pass:      cfg.Password,
		transport: transport,
		params:    paramsForName(cfg.Network),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// URL returns the node address the client talks to.
func (c *RPCClient) URL() string {
	return c.url
}

// Close releases idle connections.
func (c *RPCClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// Call invokes a JSON-RPC method on the node and decodes the result into
// result. A nil params sends an empty array; a nil result discards it.
//
// Unreachable nodes and 5xx replies without an error object fail with
// spv.ErrConnectionLost, rejected credentials with ErrAuthFailed,
// undecodable replies with spv.ErrProtocol, and RPC-level errors (e.g., -5
// "No such mempool transaction") with ErrServerError.
func (c *RPCClient) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	reqBody := rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("network: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrInvalidEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contextError(ctx, method)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s: %w", spv.ErrTimeout, method, err)
		}
		return connectionError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: HTTP %d from %s", ErrAuthFailed, resp.StatusCode, c.url)
	}

	// Nodes answer RPC errors with a non-2xx status and an error object.
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return connectionError(fmt.Errorf("read response: %w", err))
	}
	var rpcResp rpcResponse
	decodeErr := json.Unmarshal(respBody, &rpcResp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && rpcResp.Error != nil {
			return fmt.Errorf("%w: %s: rpc error %d: %s", ErrServerError, method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		if len(respBody) > 1024 {
			respBody = respBody[:1024]
		}
		return connectionError(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody)))
	}

	if decodeErr != nil {
		return invalidResponse("decode %s response: %v", method, decodeErr)
	}
	if rpcResp.ID != reqBody.ID {
		return invalidResponse("response ID mismatch: expected %d, got %d", reqBody.ID, rpcResp.ID)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: rpc error %d: %s", ErrServerError, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return invalidResponse("unmarshal %s result: %v", method, err)
		}
	}

	return nil
}
