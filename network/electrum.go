package network

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/bitfsorg/libspv-go/spv"
)

const (
	// ElectrumProtocolVersion is the protocol version requested in the
	// server.version handshake.
	ElectrumProtocolVersion = "1.4"

	// DefaultClientName identifies this client in the handshake.
	DefaultClientName = "libspv-go"

	// maxElectrumLine bounds a single response line. A full chunk of 2016
	// hex-encoded headers is about 320 KiB.
	maxElectrumLine = 16 << 20

	defaultDialTimeout = 30 * time.Second
)

// ElectrumOptions configures an Electrum connection.
type ElectrumOptions struct {
	ClientName  string
	DialTimeout time.Duration

	// TLSConfig overrides the TLS settings of ssl:// endpoints. ServerName
	// defaults to the endpoint host.
	TLSConfig *tls.Config

	// Params selects the header wire format. Nil reads 80-byte headers.
	Params *spv.NetworkParams

	// KeepAlive pings the server at this interval so idle connections are
	// not dropped. A ping that fails or goes unanswered for an interval
	// closes the connection. Zero disables it.
	KeepAlive time.Duration
}

// electrumRequest is a JSON-RPC 2.0 request line.
type electrumRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// electrumResponse is a JSON-RPC 2.0 response or notification line.
// Notifications carry a method and no id.
type electrumResponse struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result"`
	Error  *electrumError  `json:"error"`
}

// electrumError is a server error. Some servers send a bare string instead
// of an error object.
type electrumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *electrumError) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.Message)
	}
	type plain electrumError
	return json.Unmarshal(b, (*plain)(e))
}

// ElectrumClient speaks the Electrum protocol (line-delimited JSON-RPC 2.0)
// over TCP or TLS. Calls may be issued concurrently; a reader goroutine
// matches responses to calls by id.
type ElectrumClient struct {
	endpoint Endpoint
	conn     net.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *electrumResponse
	err     error

	closed    chan struct{}
	closeOnce sync.Once

	serverSoftware  string
	protocolVersion string

	codec headerCodec
}

var _ spv.ChainSource = (*ElectrumClient)(nil)

// DialElectrum connects to an Electrum server and performs the version
// handshake. The endpoint must carry a port; see ResolveEndpoint.
func DialElectrum(ctx context.Context, ep Endpoint, opts ElectrumOptions) (*ElectrumClient, error) {
	if ep.Transport != TransportElectrum {
		return nil, fmt.Errorf("%w: %s is not an Electrum endpoint", ErrInvalidEndpoint, ep)
	}
	if ep.Port == 0 {
		return nil, fmt.Errorf("%w: %s has no port", ErrInvalidEndpoint, ep)
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	if ep.TLS {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if opts.TLSConfig != nil {
			cfg = opts.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = ep.Host
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
		conn, err = tlsDialer.DialContext(ctx, "tcp", ep.Address())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", ep.Address())
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, "dial "+ep.String())
		}
		return nil, connectionError(fmt.Errorf("dial %s: %w", ep, err))
	}

	c := newElectrumClient(conn, ep, codecFor(opts.Params))
	clientName := opts.ClientName
	if clientName == "" {
		clientName = DefaultClientName
	}
	if err := c.handshake(ctx, clientName); err != nil {
		_ = c.Close()
		return nil, err
	}
	log.Infof("Connected to %s (%s, protocol %s)", ep, c.serverSoftware, c.protocolVersion)
	if opts.KeepAlive > 0 {
		go c.keepAlive(opts.KeepAlive)
	}
	return c, nil
}

func newElectrumClient(conn net.Conn, ep Endpoint, codec headerCodec) *ElectrumClient {
	c := &ElectrumClient{
		endpoint: ep,
		conn:     conn,
		pending:  make(map[int64]chan *electrumResponse),
		closed:   make(chan struct{}),
		codec:    codec,
	}
	go c.readLoop()
	return c
}

func (c *ElectrumClient) handshake(ctx context.Context, clientName string) error {
	var version []string
	err := c.call(ctx, "server.version", []interface{}{clientName, ElectrumProtocolVersion}, &version)
	if err != nil {
		return err
	}
	if len(version) != 2 {
		return invalidResponse("server.version returned %d fields", len(version))
	}
	c.serverSoftware, c.protocolVersion = version[0], version[1]
	return nil
}

// Endpoint returns the server the client is connected to.
func (c *ElectrumClient) Endpoint() Endpoint {
	return c.endpoint
}

// ServerVersion returns the server software and negotiated protocol version.
func (c *ElectrumClient) ServerVersion() (software, protocol string) {
	return c.serverSoftware, c.protocolVersion
}

// Close shuts the connection down. Calls in flight fail with ErrClosed.
func (c *ElectrumClient) Close() error {
	c.shutdown(fmt.Errorf("%w: %w", spv.ErrConnectionLost, ErrClosed))
	return nil
}

// shutdown records why the connection ended and releases every waiter.
func (c *ElectrumClient) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *ElectrumClient) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *ElectrumClient) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxElectrumLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		resp := new(electrumResponse)
		if err := json.Unmarshal(line, resp); err != nil {
			c.shutdown(invalidResponse("undecodable line from %s: %v", c.endpoint, err))
			return
		}
		if resp.ID == nil {
			log.Tracef("Notification %q from %s", resp.Method, c.endpoint)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		c.mu.Unlock()
		if !ok {
			log.Debugf("Dropping response to unknown request %d from %s", *resp.ID, c.endpoint)
			continue
		}
		ch <- resp
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		c.shutdown(invalidResponse("response line from %s exceeds %d bytes", c.endpoint, maxElectrumLine))
	case err != nil:
		c.shutdown(connectionError(err))
	default:
		c.shutdown(connectionError(fmt.Errorf("%s closed the connection", c.endpoint)))
	}
}

// call sends one request and waits for its response, the context, or the
// connection to end.
func (c *ElectrumClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	id := c.nextID.Add(1)
	ch := make(chan *electrumResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	body, err := json.Marshal(electrumRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("network: marshal %s: %w", method, err)
	}
	body = append(body, '\n')

	if err := c.write(ctx, body); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			err = fmt.Errorf("%w: write %s: %w", spv.ErrTimeout, method, err)
		} else {
			err = connectionError(err)
		}
		// A partial write leaves the stream unusable.
		c.shutdown(err)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%w: %s: %s (code %d)", ErrServerError, method, resp.Error.Message, resp.Error.Code)
		}
		if result != nil {
			if len(resp.Result) == 0 {
				return invalidResponse("%s: empty result", method)
			}
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return invalidResponse("%s: %v", method, err)
			}
		}
		return nil

	case <-c.closed:
		return c.closeErr()

	case <-ctx.Done():
		return contextError(ctx, method)
	}
}

func (c *ElectrumClient) write(ctx context.Context, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(body)
	return err
}

// TipHeader returns the server's best header via blockchain.headers.subscribe.
// Later tip notifications are logged and dropped.
func (c *ElectrumClient) TipHeader(ctx context.Context) (*spv.BlockHeader, error) {
	var res struct {
		Hex    string `json:"hex"`
		Height uint32 `json:"height"`
	}
	if err := c.call(ctx, "blockchain.headers.subscribe", nil, &res); err != nil {
		return nil, err
	}
	h, err := c.codec.parseHex(res.Hex, res.Height)
	if err != nil {
		return nil, invalidResponse("tip header: %v", err)
	}
	return h, nil
}

// Headers returns up to count headers from start using
// blockchain.block.headers. Requests larger than the server's per-call
// maximum are split; fewer headers come back once the server's tip is
// reached.
func (c *ElectrumClient) Headers(ctx context.Context, start, count uint32) ([]*spv.BlockHeader, error) {
	headers := make([]*spv.BlockHeader, 0, count)
	for uint32(len(headers)) < count {
		next := start + uint32(len(headers))
		want := count - uint32(len(headers))

		var res struct {
			Hex   string `json:"hex"`
			Count uint32 `json:"count"`
			Max   uint32 `json:"max"`
		}
		if err := c.call(ctx, "blockchain.block.headers", []interface{}{next, want}, &res); err != nil {
			return nil, err
		}
		if res.Count > want {
			return nil, invalidResponse("asked for %d headers at %d, got %d", want, next, res.Count)
		}

		raw, err := hex.DecodeString(res.Hex)
		if err != nil {
			return nil, invalidResponse("headers at %d: %v", next, err)
		}
		off := 0
		for i := uint32(0); i < res.Count; i++ {
			h, n, err := c.codec.decodeAt(raw[off:], next+i)
			if err != nil {
				return nil, invalidResponse("header %d: %v", next+i, err)
			}
			off += n
			headers = append(headers, h)
		}
		if off != len(raw) {
			return nil, invalidResponse("headers at %d: %d bytes left after %d headers", next, len(raw)-off, res.Count)
		}

		// A short chunk below the server's cap means its tip was reached.
		if res.Count == 0 || (res.Count < want && (res.Max == 0 || res.Count < res.Max)) {
			break
		}
	}
	return headers, nil
}

// MerkleProof fetches the inclusion branch of txid in the block at height
// via blockchain.transaction.get_merkle.
func (c *ElectrumClient) MerkleProof(ctx context.Context, txid chainhash.Hash, height uint32) (*spv.MerkleProof, error) {
	var res struct {
		BlockHeight uint32   `json:"block_height"`
		Merkle      []string `json:"merkle"`
		Pos         uint32   `json:"pos"`
	}
	params := []interface{}{txid.String(), height}
	if err := c.call(ctx, "blockchain.transaction.get_merkle", params, &res); err != nil {
		return nil, err
	}

	nodes := make([]*chainhash.Hash, len(res.Merkle))
	for i, s := range res.Merkle {
		node, err := chainhash.NewHashFromHex(s)
		if err != nil {
			return nil, invalidResponse("merkle node %d for %s: %v", i, txid, err)
		}
		nodes[i] = node
	}

	proof := &spv.MerkleProof{
		TxID:        txid,
		Nodes:       nodes,
		Pos:         res.Pos,
		BlockHeight: res.BlockHeight,
	}
	if proof.BlockHeight == 0 {
		proof.BlockHeight = height
	}
	return proof, nil
}

// Ping checks the connection with server.ping.
func (c *ElectrumClient) Ping(ctx context.Context) error {
	return c.call(ctx, "server.ping", nil, nil)
}

func (c *ElectrumClient) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := c.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}
		select {
		case <-c.closed:
			return
		default:
		}
		log.Warnf("Keepalive to %s failed, closing: %v", c.endpoint, err)
		c.shutdown(connectionError(fmt.Errorf("keepalive: %w", err)))
		return
	}
}
