// Package runtimeexec wraps a WASM host (C4): it executes a named
// runtime entry point against a storage view and returns the entry
// point's output bytes together with the ordered list of storage writes
// it produced. A compiled module may be kept around as an opaque
// "prototype" and reused across block builds until the runtime code
// changes.
package runtimeexec

import (
	"crypto/sha256"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"

	"forkchain/internal/forkerr"
)

var log = logrus.WithField("component", "runtimeexec")

// StorageView is the read side of the storage stack the executor calls
// through while running a guest entry point. It is always backed by a
// localstate.Layer in production; tests may supply a fake.
type StorageView interface {
	Get(key []byte) (present bool, value []byte, err error)
}

// DiffEntry is one (key, Option<bytes>) write produced by a single
// runtime execution.
type DiffEntry struct {
	Key     []byte
	Present bool
	Value   []byte
}

// CallResult is the successful outcome of CallWithPrototype.
type CallResult struct {
	Output []byte
	Diff   []DiffEntry
	Logs   []string
}

// ExecutionFailedError reports a WASM trap, carrying whatever logs the
// guest emitted before trapping.
type ExecutionFailedError struct {
	Trap string
	Logs []string
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("runtime execution failed: %s", e.Trap)
}

// HostError reports a failure originating in a host function (e.g. the
// storage view returning an I/O error) rather than the guest itself.
type HostError struct {
	Message string
}

func (e *HostError) Error() string { return fmt.Sprintf("host error: %s", e.Message) }

// ErrInvalidPrototype is the error value for a prototype that is no
// longer usable. CallWithPrototype does not return it: a prototype whose
// code hash does not match runtimeBytes is recompiled instead.
var ErrInvalidPrototype = forkerr.New(forkerr.KindExecutionFailed, "runtimeexec", fmt.Errorf("invalid prototype"))

// Prototype is the opaque, reusable compiled form of a runtime. It is
// invalidated whenever the runtime code changes; reusing it across
// blocks avoids recompilation (GLOSSARY: Prototype).
type Prototype struct {
	module   *wasmer.Module
	codeHash [32]byte
}

// CodeHash exposes the runtime-bytes digest this prototype was compiled
// from, so callers can decide whether it is still compatible.
func (p *Prototype) CodeHash() [32]byte { return p.codeHash }

// Executor wraps a wasmer engine shared across every compiled prototype
// it produces.
type Executor struct {
	engine *wasmer.Engine
}

// New constructs a runtime executor backed by a fresh wasmer engine. It
// takes no options.
func New() *Executor {
	return &Executor{engine: wasmer.NewEngine()}
}

// compile builds a fresh prototype from runtimeBytes.
func (e *Executor) compile(runtimeBytes []byte) (*Prototype, error) {
	store := wasmer.NewStore(e.engine)
	mod, err := wasmer.NewModule(store, runtimeBytes)
	if err != nil {
		return nil, forkerr.New(forkerr.KindExecutionFailed, "runtimeexec.compile", err)
	}
	return &Prototype{module: mod, codeHash: sha256.Sum256(runtimeBytes)}, nil
}

type hostCtx struct {
	mem     *wasmer.Memory
	storage StorageView
	diff    []DiffEntry
	logs    []string
	hostErr error
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	data := h.mem.Data()
	if ptr < 0 || ln < 0 || int(ptr)+int(ln) > len(data) {
		return nil
	}
	out := make([]byte, ln)
	copy(out, data[ptr:int(ptr)+int(ln)])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) {
	mem := h.mem.Data()
	if ptr < 0 || int(ptr)+len(data) > len(mem) {
		return
	}
	copy(mem[ptr:], data)
}

func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	i32 := wasmer.ValueKind(wasmer.I32)

	hostStorageGet := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32, i32, i32, i32),
			wasmer.NewValueTypes(i32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen, dstPtr, dstCap := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			key := h.read(keyPtr, keyLen)
			present, value, err := h.storage.Get(key)
			if err != nil {
				h.hostErr = err
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if !present {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if int32(len(value)) > dstCap {
				return []wasmer.Value{wasmer.NewI32(-2)}, nil
			}
			h.write(dstPtr, value)
			return []wasmer.Value{wasmer.NewI32(int32(len(value)))}, nil
		},
	)

	hostStorageSet := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32, i32, i32, i32, i32),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen, valPtr, valLen, present := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32(), args[4].I32()
			key := h.read(keyPtr, keyLen)
			var value []byte
			if present != 0 {
				value = h.read(valPtr, valLen)
			}
			h.diff = append(h.diff, DiffEntry{Key: key, Present: present != 0, Value: value})
			return []wasmer.Value{}, nil
		},
	)

	hostLog := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(i32, i32),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			p, l := args[0].I32(), args[1].I32()
			h.logs = append(h.logs, string(h.read(p, l)))
			return []wasmer.Value{}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_storage_get": hostStorageGet,
		"host_storage_set": hostStorageSet,
		"host_log":         hostLog,
	})
	return imports
}

// CallWithPrototype executes entryPoint against runtimeBytes, reusing
// prevPrototype when its code hash still matches runtimeBytes. It
// returns the call's result and the (possibly newly compiled) prototype
// for the caller to retain across the next call.
func (e *Executor) CallWithPrototype(prevPrototype *Prototype, runtimeBytes []byte, entryPoint string, input []byte, storage StorageView) (*CallResult, *Prototype, error) {
	wantHash := sha256.Sum256(runtimeBytes)

	proto := prevPrototype
	if proto == nil || proto.codeHash != wantHash {
		compiled, err := e.compile(runtimeBytes)
		if err != nil {
			return nil, nil, err
		}
		proto = compiled
		log.WithField("entry_point", entryPoint).Debug("compiled new runtime prototype")
	}

	store := wasmer.NewStore(e.engine)
	hctx := &hostCtx{storage: storage}
	imports := registerHost(store, hctx)

	instance, err := wasmer.NewInstance(proto.module, imports)
	if err != nil {
		return nil, proto, forkerr.New(forkerr.KindExecutionFailed, "runtimeexec.CallWithPrototype", err)
	}
	defer instance.Close()

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, proto, forkerr.New(forkerr.KindExecutionFailed, "runtimeexec.CallWithPrototype", fmt.Errorf("wasm memory export missing: %w", err))
	}
	hctx.mem = mem

	alloc, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		return nil, proto, forkerr.New(forkerr.KindExecutionFailed, "runtimeexec.CallWithPrototype", fmt.Errorf("alloc export missing: %w", err))
	}
	inputPtrRaw, err := alloc(int32(len(input)))
	if err != nil {
		return nil, proto, &ExecutionFailedError{Trap: err.Error(), Logs: hctx.logs}
	}
	inputPtr, ok := inputPtrRaw.(int32)
	if !ok {
		return nil, proto, forkerr.New(forkerr.KindExecutionFailed, "runtimeexec.CallWithPrototype", fmt.Errorf("alloc returned unexpected type"))
	}
	hctx.write(inputPtr, input)

	entry, err := instance.Exports.GetFunction(entryPoint)
	if err != nil {
		return nil, proto, forkerr.New(forkerr.KindExecutionFailed, "runtimeexec.CallWithPrototype", fmt.Errorf("entry point %q not exported: %w", entryPoint, err))
	}
	resultRaw, err := entry(inputPtr, int32(len(input)))
	if err != nil {
		return nil, proto, &ExecutionFailedError{Trap: err.Error(), Logs: hctx.logs}
	}
	if hctx.hostErr != nil {
		return nil, proto, &HostError{Message: hctx.hostErr.Error()}
	}

	packed, ok := resultRaw.(int64)
	if !ok {
		return nil, proto, forkerr.New(forkerr.KindExecutionFailed, "runtimeexec.CallWithPrototype", fmt.Errorf("entry point returned unexpected type"))
	}
	outPtr := int32(packed >> 32)
	outLen := int32(packed & 0xffffffff)
	output := hctx.read(outPtr, outLen)

	return &CallResult{Output: output, Diff: hctx.diff, Logs: hctx.logs}, proto, nil
}
