// WASM guest runtime and host-call ABI
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package wasmhost instantiates WASM guest applications on top of
// wazero and exposes the host-call ABI (console, input, window rect,
// framebuffer, TCP) spec.md §4.4 defines, each call closing over a
// per-guest Store.
package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"log"
	"unsafe"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tamago-wasm-os/kiosk/abi"
	"github.com/tamago-wasm-os/kiosk/netstack"
)

// State is a guest's position in the Uninstantiated -> Instantiated ->
// Open <-> Closed lifecycle (spec.md §4.4).
type State int

const (
	Uninstantiated State = iota
	Instantiated
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Uninstantiated:
		return "uninstantiated"
	case Instantiated:
		return "instantiated"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotOpen is returned by Step when called on a guest that is not Open.
var ErrNotOpen = errors.New("wasmhost: guest is not open")

// Engine hosts the wazero runtime shared by every guest.
type Engine struct {
	ctx     context.Context
	runtime wazero.Runtime
	tcp     *netstack.Stack
}

// New builds a wazero runtime with the WASI preview-1 module instantiated
// (the minimal-subset stub requirement of spec.md §4.4/§6 is satisfied by
// wazero's own snapshot-preview1 shim, already part of the module's
// dependency closure).
func New(ctx context.Context, tcp *netstack.Stack) (*Engine, error) {
	runtime := wazero.NewRuntime(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("wasmhost: wasi instantiate: %w", err)
	}

	return &Engine{ctx: ctx, runtime: runtime, tcp: tcp}, nil
}

// Close releases the runtime and every compiled/instantiated module.
func (e *Engine) Close() {
	e.runtime.Close(e.ctx)
}

// Store holds one guest's host-visible side state: the slots the ABI's
// host functions read and write, and the window/TCP bookkeeping the
// compositor needs.
type Store struct {
	Name  string
	state State

	module api.Module

	input *abi.InputState
	rect  abi.Rect

	fbPtr uint32
	fbW   uint32
	fbH   uint32
	hasFB bool

	tcp       *netstack.Stack
	tcpHandle netstack.Handle
	hasTCP    bool
}

// Guest couples a wazero module instance with its Store.
type Guest struct {
	store *Store
}

// State reports the guest's current lifecycle state.
func (g *Guest) State() State { return g.store.state }

// Name returns the guest's module name.
func (g *Guest) Name() string { return g.store.Name }

// Rect returns the guest's last-set window rectangle.
func (g *Guest) Rect() abi.Rect { return g.store.rect }

// SetRect updates the guest's window rectangle ahead of its next Step.
func (g *Guest) SetRect(r abi.Rect) { g.store.rect = r }

// UpdateInput copies the current frame's aggregated input into the
// guest's own store, read back by host_get_system_state during the next
// Step (spec.md §4.4's per-guest "last-reported input snapshot").
func (g *Guest) UpdateInput(in abi.InputState) {
	*g.store.input = in
}

// Open transitions Closed -> Open (launcher click) or is a no-op if
// already Open.
func (g *Guest) Open() {
	if g.store.state == Closed || g.store.state == Instantiated {
		g.store.state = Open
	}
}

// Close transitions Open -> Closed (right-click on window decoration).
func (g *Guest) Close() {
	if g.store.state == Open {
		g.store.state = Closed
	}
}

// Instantiate compiles wasmBinary, builds an "env" module populated with
// the host-call ABI closing over a fresh Store, instantiates it, and
// calls init(). Errors here are fatal for this guest but never for the
// host (spec.md §4.4).
func (e *Engine) Instantiate(name string, wasmBinary []byte, input *abi.InputState) (*Guest, error) {
	store := &Store{Name: name, state: Uninstantiated, input: input, tcp: e.tcp}

	hostBuilder := e.runtime.NewHostModuleBuilder("env")

	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostPrintConsole).
		Export("host_print_console")
	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostGetSystemState).
		Export("host_get_system_state")
	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostGetWinRect).
		Export("host_get_win_rect")
	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostSetFramebuffer).
		Export("host_set_framebuffer")
	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostTCPConnect).
		Export("host_tcp_connect")
	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostTCPMaySend).
		Export("host_tcp_may_send")
	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostTCPMayRecv).
		Export("host_tcp_may_recv")
	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostTCPWrite).
		Export("host_tcp_write")
	hostBuilder.NewFunctionBuilder().
		WithFunc(store.hostTCPRead).
		Export("host_tcp_read")

	if _, err := hostBuilder.Instantiate(e.ctx); err != nil {
		return nil, fmt.Errorf("wasmhost: host module build: %w", err)
	}

	compiled, err := e.runtime.CompileModule(e.ctx, wasmBinary)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: compile %s: %w", name, err)
	}

	cfg := wazero.NewModuleConfig().WithName(name)
	mod, err := e.runtime.InstantiateModule(e.ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: instantiate %s: %w", name, err)
	}

	store.module = mod
	store.state = Instantiated

	if initFn := mod.ExportedFunction("init"); initFn != nil {
		if _, err := initFn.Call(e.ctx); err != nil {
			return nil, fmt.Errorf("wasmhost: %s init(): %w", name, err)
		}
	}

	return &Guest{store: store}, nil
}

// Step calls the guest's step() export, returning ErrNotOpen if the guest
// is not Open. Input and window rectangle are set beforehand through
// UpdateInput and SetRect; framebuffer blitting into the display surface
// is the compositor's responsibility, via Framebuffer.
func (g *Guest) Step(ctx context.Context) error {
	if g.store.state != Open {
		return ErrNotOpen
	}

	stepFn := g.store.module.ExportedFunction("step")
	if stepFn == nil {
		return nil
	}

	_, err := stepFn.Call(ctx)
	return err
}

// Framebuffer returns the guest's registered presentation surface as
// 32-bit ARGB pixels read directly from its linear memory, or ok=false
// if the guest never called host_set_framebuffer.
func (g *Guest) Framebuffer() (pixels []byte, w, h uint32, ok bool) {
	s := g.store
	if !s.hasFB {
		return nil, 0, 0, false
	}

	buf, readOK := s.module.Memory().Read(s.fbPtr, s.fbW*s.fbH*4)
	if !readOK {
		return nil, 0, 0, false
	}

	return buf, s.fbW, s.fbH, true
}

func (s *Store) hostPrintConsole(ctx context.Context, mod api.Module, ptr, length uint32) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		log.Printf("[%s] host_print_console: bad memory range (ptr=%d len=%d)", s.Name, ptr, length)
		return
	}
	log.Printf("[%s] %s", s.Name, string(buf))
}

// structBytes reinterprets a C-layout struct as its raw byte
// representation, matching the layout abi_test.go pins down with
// unsafe.Sizeof/unsafe.Offsetof assertions.
func structBytes(ptr unsafe.Pointer, size uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), int(size))
}

func (s *Store) hostGetSystemState(ctx context.Context, mod api.Module, ptr uint32) {
	if s.input == nil {
		return
	}
	buf := structBytes(unsafe.Pointer(s.input), unsafe.Sizeof(*s.input))
	mod.Memory().Write(ptr, buf)
}

func (s *Store) hostGetWinRect(ctx context.Context, mod api.Module, ptr uint32) {
	buf := structBytes(unsafe.Pointer(&s.rect), unsafe.Sizeof(s.rect))
	mod.Memory().Write(ptr, buf)
}

func (s *Store) hostSetFramebuffer(ctx context.Context, mod api.Module, ptr uint32, w, h int32) {
	s.fbPtr = ptr
	s.fbW = uint32(w)
	s.fbH = uint32(h)
	s.hasFB = true
}

func (s *Store) hostTCPConnect(ctx context.Context, mod api.Module, ipv4LE, port int32) {
	if s.tcp == nil {
		return
	}

	var addr [4]byte
	addr[0] = byte(ipv4LE)
	addr[1] = byte(ipv4LE >> 8)
	addr[2] = byte(ipv4LE >> 16)
	addr[3] = byte(ipv4LE >> 24)

	h, err := s.tcp.Connect(addr, uint16(port))
	if err != nil {
		log.Printf("[%s] host_tcp_connect failed: %v", s.Name, err)
		return
	}

	s.tcpHandle = h
	s.hasTCP = true
}

func (s *Store) hostTCPMaySend(ctx context.Context, mod api.Module) int32 {
	if !s.hasTCP {
		return 0
	}
	if s.tcp.MaySend(s.tcpHandle) {
		return 1
	}
	return 0
}

func (s *Store) hostTCPMayRecv(ctx context.Context, mod api.Module) int32 {
	if !s.hasTCP {
		return 0
	}
	if s.tcp.MayRecv(s.tcpHandle) {
		return 1
	}
	return 0
}

func (s *Store) hostTCPWrite(ctx context.Context, mod api.Module, ptr, length int32) int32 {
	if !s.hasTCP {
		return 0
	}
	buf, ok := mod.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return 0
	}
	n, err := s.tcp.Write(s.tcpHandle, buf)
	if err != nil {
		return 0
	}
	return int32(n)
}

func (s *Store) hostTCPRead(ctx context.Context, mod api.Module, ptr, length int32) int32 {
	if !s.hasTCP {
		return 0
	}
	dst := make([]byte, length)
	n, err := s.tcp.Read(s.tcpHandle, dst)
	if err != nil {
		return 0
	}
	mod.Memory().Write(uint32(ptr), dst[:n])
	return int32(n)
}
