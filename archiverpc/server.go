// Package archiverpc implements the archive JSON-RPC server (C9): a
// WebSocket JSON-RPC surface under the archive_v1_ namespace, backed by
// a forkchain.Chain. One task handles each connection; call is
// non-persistent by construction (forkchain.Chain.CallAtBlock).
package archiverpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"forkchain/forkchain"
	"forkchain/internal/hashutil"
)

var log = logrus.WithField("component", "archiverpc")

const (
	codeInvalidParams = -32602
	codeInternalError = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server exposes the archive_v1_ namespace over a WebSocket JSON-RPC
// connection per client.
type Server struct {
	chain    *forkchain.Chain
	upgrader websocket.Upgrader
}

// NewServer constructs a Server backed by chain.
func NewServer(chain *forkchain.Chain) *Server {
	return &Server{
		chain:    chain,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Router builds the HTTP router exposing the WebSocket endpoint at /.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleWS)
	return r
}

// ListenAndServe starts the HTTP server listening on addr.
func (s *Server) ListenAndServe(addr string) error {
	log.WithField("addr", addr).Info("archive RPC server listening")
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read ended")
			}
			return
		}
		resp := s.dispatch(r.Context(), req)
		if err := conn.WriteJSON(resp); err != nil {
			log.WithError(err).Warn("websocket write failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	result, rpcErr := s.call(ctx, req.Method, req.Params)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "archive_v1_finalizedHeight":
		return s.chain.HeadNumber(), nil
	case "archive_v1_genesisHash":
		hash, err := s.chain.GenesisHash(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		return hashutil.HexLower(hash), nil
	case "archive_v1_hashByHeight":
		return s.hashByHeight(ctx, params)
	case "archive_v1_header":
		return s.header(ctx, params)
	case "archive_v1_body":
		return s.body(ctx, params)
	case "archive_v1_call":
		return s.call_(ctx, params)
	case "archive_v1_storage":
		return s.storage(ctx, params)
	case "archive_v1_storageDiff":
		return s.storageDiff(ctx, params)
	default:
		return nil, &rpcError{Code: codeInvalidParams, Message: "unknown method: " + method}
	}
}

func internalError(err error) *rpcError {
	return &rpcError{Code: codeInternalError, Message: err.Error()}
}

func invalidParams(msg string) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: msg}
}

func decodeHash(hexStr string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
}

func hashByHeight(ctx context.Context, c *forkchain.Chain, n uint32) (interface{}, *rpcError) {
	hash, found, err := c.BlockHashAt(ctx, n)
	if err != nil {
		return nil, internalError(err)
	}
	if !found {
		return nil, nil
	}
	return hashutil.HexLower(hash), nil
}

func (s *Server) hashByHeight(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var args [1]uint32
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, invalidParams("expected [height]")
	}
	return hashByHeight(ctx, s.chain, args[0])
}

func (s *Server) header(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var args [1]string
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, invalidParams("expected [hash]")
	}
	hash, err := decodeHash(args[0])
	if err != nil {
		return nil, invalidParams("invalid hex hash")
	}
	header, found, err := s.chain.BlockHeader(ctx, hash)
	if err != nil {
		return nil, internalError(err)
	}
	if !found {
		return nil, nil
	}
	return "0x" + hex.EncodeToString(header), nil
}

func (s *Server) body(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var args [1]string
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, invalidParams("expected [hash]")
	}
	hash, err := decodeHash(args[0])
	if err != nil {
		return nil, invalidParams("invalid hex hash")
	}
	body, found, err := s.chain.BlockBody(ctx, hash)
	if err != nil {
		return nil, internalError(err)
	}
	if !found {
		return nil, nil
	}
	out := make([]string, len(body))
	for i, ex := range body {
		out[i] = "0x" + hex.EncodeToString(ex)
	}
	return out, nil
}

type callResultWire struct {
	Success bool    `json:"success"`
	Value   *string `json:"value,omitempty"`
	Error   *string `json:"error,omitempty"`
}

func (s *Server) call_(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var args struct {
		Hash       string `json:"0"`
		EntryPoint string `json:"1"`
		ParamsHex  string `json:"2"`
	}
	var raw [3]string
	if err := json.Unmarshal(params, &raw); err != nil {
		return nil, invalidParams("expected [hash, fn, params_hex]")
	}
	args.Hash, args.EntryPoint, args.ParamsHex = raw[0], raw[1], raw[2]

	hash, err := decodeHash(args.Hash)
	if err != nil {
		return nil, invalidParams("invalid hex hash")
	}
	input, err := decodeHash(args.ParamsHex)
	if err != nil {
		return nil, invalidParams("invalid hex params")
	}

	outcome, found, err := s.chain.CallAtBlock(ctx, hash, args.EntryPoint, input)
	if err != nil {
		return nil, internalError(err)
	}
	if !found {
		return nil, nil
	}
	wire := callResultWire{Success: outcome.Success}
	if outcome.Success {
		v := "0x" + hex.EncodeToString(outcome.Output)
		wire.Value = &v
	} else {
		wire.Error = &outcome.Error
	}
	return wire, nil
}

type storageItemRequest struct {
	Key  string `json:"key"`
	Type string `json:"type"`
}

type storageItemResult struct {
	Key   string  `json:"key"`
	Value *string `json:"value,omitempty"`
	Hash  *string `json:"hash,omitempty"`
}

func (s *Server) storage(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var args struct {
		hashArg  string
		items    []storageItemRequest
		childArg *string
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 2 {
		return nil, invalidParams("expected [hash, items, child?]")
	}
	if err := json.Unmarshal(raw[0], &args.hashArg); err != nil {
		return nil, invalidParams("invalid hash")
	}
	if err := json.Unmarshal(raw[1], &args.items); err != nil {
		return nil, invalidParams("invalid items")
	}

	hash, err := decodeHash(args.hashArg)
	if err != nil {
		return nil, invalidParams("invalid hex hash")
	}
	blockNumber, found, err := s.chain.BlockNumberByHash(ctx, hash)
	if err != nil {
		return nil, internalError(err)
	}
	if !found {
		return nil, invalidParams("unknown block hash")
	}

	results := make([]storageItemResult, 0, len(args.items))
	for _, item := range args.items {
		key, err := decodeHash(item.Key)
		if err != nil {
			return nil, invalidParams("invalid item key hex")
		}
		resolved, err := s.chain.StorageAt(ctx, blockNumber, key)
		if err != nil {
			return nil, internalError(err)
		}
		results = append(results, storageResultFor(item.Key, item.Type, resolved))
	}
	return map[string]interface{}{"items": results}, nil
}

func storageResultFor(keyHex, typ string, v forkchain.StorageItem) storageItemResult {
	out := storageItemResult{Key: keyHex}
	if !v.Present {
		return out
	}
	switch typ {
	case "hash":
		h := hashutil.Blake2_256(v.Value)
		s := hashutil.HexLower(h)
		out.Hash = &s
	default:
		s := "0x" + hex.EncodeToString(v.Value)
		out.Value = &s
	}
	return out
}

type storageDiffItemRequest struct {
	Key        string `json:"key"`
	ReturnType string `json:"returnType"`
}

type storageDiffItemResult struct {
	Key      string  `json:"key"`
	Value    *string `json:"value,omitempty"`
	Hash     *string `json:"hash,omitempty"`
	DiffType string  `json:"diffType"`
}

func (s *Server) storageDiff(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 2 {
		return nil, invalidParams("expected [hash, items, prev?]")
	}
	var hashHex string
	if err := json.Unmarshal(raw[0], &hashHex); err != nil {
		return nil, invalidParams("invalid hash")
	}
	var items []storageDiffItemRequest
	if err := json.Unmarshal(raw[1], &items); err != nil {
		return nil, invalidParams("invalid items")
	}
	var prevHex string
	havePrev := len(raw) >= 3 && json.Unmarshal(raw[2], &prevHex) == nil && prevHex != ""

	hash, err := decodeHash(hashHex)
	if err != nil {
		return nil, invalidParams("invalid hex hash")
	}
	blockNumber, found, err := s.chain.BlockNumberByHash(ctx, hash)
	if err != nil {
		return nil, internalError(err)
	}
	if !found {
		return nil, invalidParams("unknown block hash")
	}

	prevNumber := blockNumber - 1
	if havePrev {
		prevHash, err := decodeHash(prevHex)
		if err != nil {
			return nil, invalidParams("invalid hex prev hash")
		}
		n, found, err := s.chain.BlockNumberByHash(ctx, prevHash)
		if err != nil {
			return nil, internalError(err)
		}
		if !found {
			return nil, invalidParams("unknown prev block hash")
		}
		prevNumber = n
	}

	results := make([]storageDiffItemResult, 0, len(items))
	for _, item := range items {
		key, err := decodeHash(item.Key)
		if err != nil {
			return nil, invalidParams("invalid item key hex")
		}
		before, err := s.chain.StorageAt(ctx, prevNumber, key)
		if err != nil {
			return nil, internalError(err)
		}
		after, err := s.chain.StorageAt(ctx, blockNumber, key)
		if err != nil {
			return nil, internalError(err)
		}
		if item, ok := diffItemFor(item.Key, item.ReturnType, before, after); ok {
			results = append(results, item)
		}
	}
	return map[string]interface{}{"items": results}, nil
}

func diffItemFor(keyHex, returnType string, before, after forkchain.StorageItem) (storageDiffItemResult, bool) {
	switch {
	case !before.Present && !after.Present:
		return storageDiffItemResult{}, false
	case !before.Present && after.Present:
		return encodedDiffItem(keyHex, returnType, after.Value, "Added"), true
	case before.Present && !after.Present:
		return storageDiffItemResult{Key: keyHex, DiffType: "Deleted"}, true
	default:
		if string(before.Value) == string(after.Value) {
			return storageDiffItemResult{}, false
		}
		return encodedDiffItem(keyHex, returnType, after.Value, "Modified"), true
	}
}

func encodedDiffItem(keyHex, returnType string, value []byte, diffType string) storageDiffItemResult {
	out := storageDiffItemResult{Key: keyHex, DiffType: diffType}
	switch returnType {
	case "hash":
		h := hashutil.Blake2_256(value)
		s := hashutil.HexLower(h)
		out.Hash = &s
	default:
		s := "0x" + hex.EncodeToString(value)
		out.Value = &s
	}
	return out
}
