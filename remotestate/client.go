// Package remotestate implements the remote storage layer (C2): a
// read-through view over the upstream archive node, backed by the
// on-disk cache (cachedb) for everything already fetched.
package remotestate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"forkchain/internal/forkerr"
)

var log = logrus.WithField("component", "remotestate")

// StorageResult is one element of a state_queryStorageAt response: the
// key together with its optional value at the queried block.
type StorageResult struct {
	Key     []byte
	Present bool
	Value   []byte
}

// Client is the upstream archive-style JSON-RPC surface consumed by the
// remote storage layer, per spec §6.
type Client interface {
	ChainGetBlockHash(ctx context.Context, number uint32) (hash []byte, ok bool, err error)
	ChainGetHeader(ctx context.Context, hash []byte) (header []byte, ok bool, err error)
	ChainGetBlock(ctx context.Context, hash []byte) (header []byte, body [][]byte, ok bool, err error)
	StateGetStorage(ctx context.Context, key []byte, hash []byte) (present bool, value []byte, err error)
	StateQueryStorageAt(ctx context.Context, keys [][]byte, hash []byte) ([]StorageResult, error)
	StateGetKeysPaged(ctx context.Context, prefix []byte, count int, startKey []byte, hash []byte) ([][]byte, error)
	StateGetRuntimeVersion(ctx context.Context, hash []byte) (json.RawMessage, error)
	StateGetMetadata(ctx context.Context, hash []byte) ([]byte, error)
	Close() error
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WSClient is a Client implementation backed by a single persistent
// websocket connection to the upstream archive node.
type WSClient struct {
	conn    *websocket.Conn
	nextID  uint64
	mu      sync.Mutex
	pending map[uint64]chan rpcResponse
	done    chan struct{}
}

// DialWS connects to an upstream archive RPC endpoint over websocket.
func DialWS(endpoint string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, forkerr.New(forkerr.KindRpcError, "remotestate.DialWS", err)
	}
	c := &WSClient{
		conn:    conn,
		pending: make(map[uint64]chan rpcResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			close(c.done)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

func (c *WSClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, forkerr.New(forkerr.KindRpcError, method, err)
	}

	select {
	case <-ctx.Done():
		return nil, forkerr.New(forkerr.KindRpcError, method, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, forkerr.New(forkerr.KindRpcError, method, fmt.Errorf("connection closed"))
		}
		if resp.Error != nil {
			return nil, forkerr.New(forkerr.KindRpcError, method, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message))
		}
		return resp.Result, nil
	}
}

func hex0x(b []byte) string { return "0x" + hex.EncodeToString(b) }

func (c *WSClient) ChainGetBlockHash(ctx context.Context, number uint32) ([]byte, bool, error) {
	raw, err := c.call(ctx, "chain_getBlockHash", number)
	if err != nil {
		return nil, false, err
	}
	return decodeOptionalHex(raw)
}

func (c *WSClient) ChainGetHeader(ctx context.Context, hash []byte) ([]byte, bool, error) {
	raw, err := c.call(ctx, "chain_getHeader", hex0x(hash))
	if err != nil {
		return nil, false, err
	}
	return decodeOptionalHex(raw)
}

func (c *WSClient) ChainGetBlock(ctx context.Context, hash []byte) ([]byte, [][]byte, bool, error) {
	raw, err := c.call(ctx, "chain_getBlock", hex0x(hash))
	if err != nil {
		return nil, nil, false, err
	}
	if string(raw) == "null" {
		return nil, nil, false, nil
	}
	var block struct {
		Block struct {
			Header     json.RawMessage `json:"header"`
			Extrinsics []string        `json:"extrinsics"`
		} `json:"block"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, nil, false, forkerr.New(forkerr.KindCodec, "ChainGetBlock", err)
	}
	body := make([][]byte, 0, len(block.Block.Extrinsics))
	for _, e := range block.Block.Extrinsics {
		b, err := decodeHexString(e)
		if err != nil {
			return nil, nil, false, err
		}
		body = append(body, b)
	}
	return block.Block.Header, body, true, nil
}

func (c *WSClient) StateGetStorage(ctx context.Context, key []byte, hash []byte) (bool, []byte, error) {
	raw, err := c.call(ctx, "state_getStorage", hex0x(key), hex0x(hash))
	if err != nil {
		return false, nil, err
	}
	value, present, err := decodeOptionalHex(raw)
	return present, value, err
}

func (c *WSClient) StateQueryStorageAt(ctx context.Context, keys [][]byte, hash []byte) ([]StorageResult, error) {
	hexKeys := make([]string, len(keys))
	for i, k := range keys {
		hexKeys[i] = hex0x(k)
	}
	raw, err := c.call(ctx, "state_queryStorageAt", hexKeys, hex0x(hash))
	if err != nil {
		return nil, err
	}
	var changesets []struct {
		Block   string     `json:"block"`
		Changes [][]string `json:"changes"`
	}
	if err := json.Unmarshal(raw, &changesets); err != nil {
		return nil, forkerr.New(forkerr.KindCodec, "StateQueryStorageAt", err)
	}
	results := make([]StorageResult, 0, len(keys))
	if len(changesets) == 0 {
		for _, k := range keys {
			results = append(results, StorageResult{Key: k, Present: false})
		}
		return results, nil
	}
	found := make(map[string][]byte)
	for _, change := range changesets[0].Changes {
		if len(change) != 2 {
			continue
		}
		k, err := decodeHexString(change[0])
		if err != nil {
			return nil, err
		}
		v, err := decodeHexString(change[1])
		if err != nil {
			return nil, err
		}
		found[string(k)] = v
	}
	for _, k := range keys {
		v, ok := found[string(k)]
		results = append(results, StorageResult{Key: k, Present: ok, Value: v})
	}
	return results, nil
}

func (c *WSClient) StateGetKeysPaged(ctx context.Context, prefix []byte, count int, startKey []byte, hash []byte) ([][]byte, error) {
	var start interface{}
	if startKey != nil {
		start = hex0x(startKey)
	}
	raw, err := c.call(ctx, "state_getKeysPaged", hex0x(prefix), count, start, hex0x(hash))
	if err != nil {
		return nil, err
	}
	var hexKeys []string
	if err := json.Unmarshal(raw, &hexKeys); err != nil {
		return nil, forkerr.New(forkerr.KindCodec, "StateGetKeysPaged", err)
	}
	keys := make([][]byte, 0, len(hexKeys))
	for _, hk := range hexKeys {
		k, err := decodeHexString(hk)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (c *WSClient) StateGetRuntimeVersion(ctx context.Context, hash []byte) (json.RawMessage, error) {
	return c.call(ctx, "state_getRuntimeVersion", hex0x(hash))
}

func (c *WSClient) StateGetMetadata(ctx context.Context, hash []byte) ([]byte, error) {
	raw, err := c.call(ctx, "state_getMetadata", hex0x(hash))
	if err != nil {
		return nil, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, forkerr.New(forkerr.KindCodec, "StateGetMetadata", err)
	}
	return decodeHexString(s)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

func decodeHexString(s string) ([]byte, error) {
	if len(s) < 2 || s[0:2] != "0x" {
		return nil, forkerr.New(forkerr.KindCodec, "decodeHexString", fmt.Errorf("missing 0x prefix: %s", s))
	}
	out, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, forkerr.New(forkerr.KindCodec, "decodeHexString", err)
	}
	return out, nil
}

func decodeOptionalHex(raw json.RawMessage) ([]byte, bool, error) {
	if string(raw) == "null" {
		return nil, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, forkerr.New(forkerr.KindCodec, "decodeOptionalHex", err)
	}
	b, err := decodeHexString(s)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
