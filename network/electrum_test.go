package network

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfsorg/libspv-go/internal/chaintest"
	"github.com/bitfsorg/libspv-go/spv"
)

type electrumHandler func(params []json.RawMessage) (interface{}, *electrumError)

// fakeElectrum is an Electrum server on a loopback port serving a mined
// regtest chain. Each request is answered from its own goroutine, so
// responses can arrive out of order.
type fakeElectrum struct {
	t     *testing.T
	chain *chaintest.Chain
	ln    net.Listener

	mu         sync.Mutex
	maxHeaders uint32
	overrides  map[string]electrumHandler
	raw        map[string]string
	silent     map[string]bool
	calls      map[string]int
	versionReq []json.RawMessage
	conns      []net.Conn
}

func startFakeElectrum(t *testing.T, chain *chaintest.Chain) *fakeElectrum {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeElectrum{
		t:          t,
		chain:      chain,
		ln:         ln,
		maxHeaders: 2016,
		overrides:  make(map[string]electrumHandler),
		raw:        make(map[string]string),
		silent:     make(map[string]bool),
		calls:      make(map[string]int),
	}
	go f.acceptLoop()
	t.Cleanup(func() {
		_ = ln.Close()
		f.dropConnections()
	})
	return f
}

func (f *fakeElectrum) endpoint() Endpoint {
	addr := f.ln.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)}
}

func (f *fakeElectrum) dial(t *testing.T) *ElectrumClient {
	t.Helper()
	c, err := DialElectrum(context.Background(), f.endpoint(), ElectrumOptions{ClientName: "test-client"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fakeElectrum) setMaxHeaders(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxHeaders = n
}

func (f *fakeElectrum) override(method string, h electrumHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[method] = h
}

func (f *fakeElectrum) replyRaw(method, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[method] = line
}

func (f *fakeElectrum) ignore(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[method] = true
}

func (f *fakeElectrum) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeElectrum) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func (f *fakeElectrum) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *fakeElectrum) serve(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	send := func(line []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = conn.Write(append(line, '\n'))
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		go f.answer(req.ID, req.Method, req.Params, send)
	}
}

func (f *fakeElectrum) answer(id int64, method string, params []json.RawMessage, send func([]byte)) {
	f.mu.Lock()
	f.calls[method]++
	if method == "server.version" {
		f.versionReq = params
	}
	raw, hasRaw := f.raw[method]
	silent := f.silent[method]
	handler, hasOverride := f.overrides[method]
	f.mu.Unlock()

	switch {
	case silent:
		return
	case hasRaw:
		send([]byte(raw))
		return
	case !hasOverride:
		handler = f.builtin(method, send)
	}

	result, rerr := handler(params)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": id}
	if rerr != nil {
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}
	line, err := json.Marshal(resp)
	if err != nil {
		f.t.Errorf("marshal response: %v", err)
		return
	}
	send(line)
}

func (f *fakeElectrum) builtin(method string, send func([]byte)) electrumHandler {
	switch method {
	case "server.version":
		return func([]json.RawMessage) (interface{}, *electrumError) {
			return []string{"FakeX 1.0", "1.4"}, nil
		}

	case "server.ping":
		return func([]json.RawMessage) (interface{}, *electrumError) {
			return nil, nil
		}

	case "blockchain.headers.subscribe":
		return func([]json.RawMessage) (interface{}, *electrumError) {
			tip := f.chain.Tip()
			tipJSON := map[string]interface{}{
				"hex":    hex.EncodeToString(spv.SerializeHeader(tip)),
				"height": tip.Height,
			}
			// A tip notification ahead of the response must be skipped.
			note, _ := json.Marshal(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "blockchain.headers.subscribe",
				"params":  []interface{}{tipJSON},
			})
			send(note)
			return tipJSON, nil
		}

	case "blockchain.block.headers":
		return func(params []json.RawMessage) (interface{}, *electrumError) {
			var start, count uint32
			if len(params) != 2 || json.Unmarshal(params[0], &start) != nil || json.Unmarshal(params[1], &count) != nil {
				return nil, &electrumError{Code: 1, Message: "bad params"}
			}
			f.mu.Lock()
			limit := f.maxHeaders
			f.mu.Unlock()
			if count > limit {
				count = limit
			}
			var sb strings.Builder
			headers := f.chain.Headers(start, count)
			for _, h := range headers {
				sb.WriteString(hex.EncodeToString(spv.SerializeHeader(h)))
			}
			return map[string]interface{}{"hex": sb.String(), "count": len(headers), "max": limit}, nil
		}

	case "blockchain.transaction.get_merkle":
		return func(params []json.RawMessage) (interface{}, *electrumError) {
			var txidHex string
			var height uint32
			if len(params) != 2 || json.Unmarshal(params[0], &txidHex) != nil || json.Unmarshal(params[1], &height) != nil {
				return nil, &electrumError{Code: 1, Message: "bad params"}
			}
			txid, err := chainhash.NewHashFromHex(txidHex)
			if err != nil {
				return nil, &electrumError{Code: 1, Message: err.Error()}
			}
			proof, err := f.chain.Proof(*txid, height)
			if err != nil {
				return nil, &electrumError{Code: 1, Message: err.Error()}
			}
			merkle := make([]string, len(proof.Nodes))
			for i, n := range proof.Nodes {
				if n == nil {
					return nil, &electrumError{Code: 1, Message: "odd branch not supported by fake"}
				}
				merkle[i] = n.String()
			}
			return map[string]interface{}{"block_height": height, "merkle": merkle, "pos": proof.Pos}, nil
		}

	default:
		return func([]json.RawMessage) (interface{}, *electrumError) {
			return nil, &electrumError{Code: -32601, Message: "unknown method " + method}
		}
	}
}

// --- Dial ---

func TestDialElectrum_Handshake(t *testing.T) {
	f := startFakeElectrum(t, chaintest.New(t, 5))
	c := f.dial(t)

	software, protocol := c.ServerVersion()
	assert.Equal(t, "FakeX 1.0", software)
	assert.Equal(t, "1.4", protocol)
	assert.Equal(t, f.endpoint(), c.Endpoint())

	f.mu.Lock()
	req := f.versionReq
	f.mu.Unlock()
	require.Len(t, req, 2)
	assert.JSONEq(t, `"test-client"`, string(req[0]))
	assert.JSONEq(t, `"1.4"`, string(req[1]))

	require.NoError(t, c.Ping(context.Background()))
}

func TestDialElectrum_InvalidEndpoint(t *testing.T) {
	_, err := DialElectrum(context.Background(), Endpoint{Host: "h", Port: 1, Transport: TransportRPC}, ElectrumOptions{})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = DialElectrum(context.Background(), Endpoint{Host: "h"}, ElectrumOptions{})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestDialElectrum_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = DialElectrum(context.Background(), Endpoint{Host: "127.0.0.1", Port: uint16(port)}, ElectrumOptions{})
	assert.ErrorIs(t, err, spv.ErrConnectionLost)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.True(t, spv.IsTransient(err))
}

func TestDialElectrum_HandshakeRejected(t *testing.T) {
	f := startFakeElectrum(t, chaintest.New(t, 1))
	f.override("server.version", func([]json.RawMessage) (interface{}, *electrumError) {
		return nil, &electrumError{Code: 1, Message: "unsupported protocol version"}
	})
	_, err := DialElectrum(context.Background(), f.endpoint(), ElectrumOptions{})
	assert.ErrorIs(t, err, ErrServerError)
	assert.Contains(t, err.Error(), "unsupported protocol version")
}

// --- Chain source ---

func TestElectrumClient_TipHeader(t *testing.T) {
	chain := chaintest.New(t, 12)
	f := startFakeElectrum(t, chain)
	c := f.dial(t)

	tip, err := c.TipHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chain.Tip().Hash, tip.Hash)
	assert.Equal(t, uint32(12), tip.Height)
}

func TestElectrumClient_Headers(t *testing.T) {
	chain := chaintest.New(t, 30)
	f := startFakeElectrum(t, chain)
	f.setMaxHeaders(8)
	c := f.dial(t)
	ctx := context.Background()

	t.Run("split across the server cap", func(t *testing.T) {
		headers, err := c.Headers(ctx, 5, 20)
		require.NoError(t, err)
		require.Len(t, headers, 20)
		for i, h := range headers {
			assert.Equal(t, uint32(5+i), h.Height)
			assert.Equal(t, chain.Header(uint32(5+i)).Hash, h.Hash)
		}
		assert.Equal(t, 3, f.callCount("blockchain.block.headers"))
	})

	t.Run("stops at the tip", func(t *testing.T) {
		headers, err := c.Headers(ctx, 25, 20)
		require.NoError(t, err)
		require.Len(t, headers, 6)
		assert.Equal(t, chain.Tip().Hash, headers[5].Hash)
	})

	t.Run("beyond the tip", func(t *testing.T) {
		headers, err := c.Headers(ctx, 40, 5)
		require.NoError(t, err)
		assert.Empty(t, headers)
	})

	t.Run("zero count", func(t *testing.T) {
		headers, err := c.Headers(ctx, 1, 0)
		require.NoError(t, err)
		assert.Empty(t, headers)
	})
}

func TestElectrumClient_HeadersMalformed(t *testing.T) {
	chain := chaintest.New(t, 10)
	ctx := context.Background()

	tests := []struct {
		name   string
		result map[string]interface{}
	}{
		{"bad hex", map[string]interface{}{"hex": "zz", "count": 1, "max": 2016}},
		{"length mismatch", map[string]interface{}{"hex": "00", "count": 1, "max": 2016}},
		{"more than asked", map[string]interface{}{"hex": "", "count": 99, "max": 2016}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := startFakeElectrum(t, chain)
			c := f.dial(t)
			f.override("blockchain.block.headers", func([]json.RawMessage) (interface{}, *electrumError) {
				return tt.result, nil
			})
			_, err := c.Headers(ctx, 1, 5)
			assert.ErrorIs(t, err, spv.ErrProtocol)
			assert.ErrorIs(t, err, ErrInvalidResponse)
		})
	}
}

func TestElectrumClient_MerkleProof(t *testing.T) {
	chain := chaintest.New(t, 9)
	f := startFakeElectrum(t, chain)
	c := f.dial(t)

	txid := chain.TxID(7, 1)
	proof, err := c.MerkleProof(context.Background(), txid, 7)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), proof.BlockHeight)
	assert.Equal(t, uint32(1), proof.Pos)
	assert.Equal(t, txid, proof.TxID)
	require.NoError(t, spv.VerifyMerkleProof(txid, proof, chain.Header(7), chain.Params.MerkleOddRule))
}

func TestElectrumClient_ServerErrors(t *testing.T) {
	chain := chaintest.New(t, 3)
	ctx := context.Background()

	t.Run("error object", func(t *testing.T) {
		f := startFakeElectrum(t, chain)
		c := f.dial(t)
		_, err := c.MerkleProof(ctx, chainhash.Hash{0x01}, 2)
		assert.ErrorIs(t, err, ErrServerError)
		assert.False(t, spv.IsTransient(err))
	})

	t.Run("bare string", func(t *testing.T) {
		f := startFakeElectrum(t, chain)
		c := f.dial(t)
		f.replyRaw("blockchain.headers.subscribe", `{"jsonrpc":"2.0","id":2,"error":"daemon busy"}`)
		_, err := c.TipHeader(ctx)
		assert.ErrorIs(t, err, ErrServerError)
		assert.Contains(t, err.Error(), "daemon busy")
	})

	t.Run("bad header hex", func(t *testing.T) {
		f := startFakeElectrum(t, chain)
		c := f.dial(t)
		f.override("blockchain.headers.subscribe", func([]json.RawMessage) (interface{}, *electrumError) {
			return map[string]interface{}{"hex": "abcd", "height": 3}, nil
		})
		_, err := c.TipHeader(ctx)
		assert.ErrorIs(t, err, spv.ErrProtocol)
	})
}

func TestElectrumClient_MalformedLineKillsConnection(t *testing.T) {
	f := startFakeElectrum(t, chaintest.New(t, 3))
	c := f.dial(t)
	f.replyRaw("blockchain.headers.subscribe", `{not json`)

	_, err := c.TipHeader(context.Background())
	assert.ErrorIs(t, err, spv.ErrProtocol)

	err = c.Ping(context.Background())
	assert.ErrorIs(t, err, spv.ErrProtocol)
}

func TestElectrumClient_Timeout(t *testing.T) {
	f := startFakeElectrum(t, chaintest.New(t, 3))
	c := f.dial(t)
	f.ignore("blockchain.headers.subscribe")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.TipHeader(ctx)
	assert.ErrorIs(t, err, spv.ErrTimeout)
	assert.True(t, spv.IsTransient(err))

	// The connection survives a timed-out call.
	require.NoError(t, c.Ping(context.Background()))
}

func TestElectrumClient_Cancelled(t *testing.T) {
	f := startFakeElectrum(t, chaintest.New(t, 3))
	c := f.dial(t)
	f.ignore("blockchain.headers.subscribe")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.TipHeader(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestElectrumClient_ConnectionDropped(t *testing.T) {
	f := startFakeElectrum(t, chaintest.New(t, 3))
	c := f.dial(t)
	f.ignore("blockchain.headers.subscribe")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.TipHeader(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return f.callCount("blockchain.headers.subscribe") == 1
	}, time.Second, 5*time.Millisecond)
	f.dropConnections()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, spv.ErrConnectionLost)
		assert.True(t, spv.IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("call did not fail after the server hung up")
	}
}

func TestElectrumClient_Close(t *testing.T) {
	f := startFakeElectrum(t, chaintest.New(t, 3))
	c := f.dial(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.TipHeader(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestElectrumClient_ConcurrentCalls(t *testing.T) {
	chain := chaintest.New(t, 20)
	f := startFakeElectrum(t, chain)
	c := f.dial(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			height := uint32(i%20 + 1)
			headers, err := c.Headers(context.Background(), height, 1)
			if err != nil {
				errs <- err
				return
			}
			if len(headers) != 1 || headers[0].Hash != chain.Header(height).Hash {
				errs <- assert.AnError
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestElectrumError_Unmarshal(t *testing.T) {
	var e electrumError
	require.NoError(t, json.Unmarshal([]byte(`{"code":2,"message":"no such tx"}`), &e))
	assert.Equal(t, electrumError{Code: 2, Message: "no such tx"}, e)

	e = electrumError{}
	require.NoError(t, json.Unmarshal([]byte(`"plain text"`), &e))
	assert.Equal(t, "plain text", e.Message)
}

func TestElectrumClient_KeepAlive(t *testing.T) {
	f := startFakeElectrum(t, chaintest.New(t, 3))
	c, err := DialElectrum(context.Background(), f.endpoint(), ElectrumOptions{KeepAlive: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool { return f.callCount("server.ping") >= 2 }, 2*time.Second, 5*time.Millisecond)
	_, err = c.TipHeader(context.Background())
	require.NoError(t, err)

	// An unanswered ping ends the connection.
	f.ignore("server.ping")
	require.Eventually(t, func() bool {
		select {
		case <-c.closed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	_, err = c.TipHeader(context.Background())
	assert.ErrorIs(t, err, spv.ErrConnectionLost)
}
