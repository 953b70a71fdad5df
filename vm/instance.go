package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/chazu/sprout/alloc"
	"github.com/chazu/sprout/bytecode"
	"github.com/chazu/sprout/compiler"
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Defaults applied by New for zero option fields.
const (
	DefaultArenaSize   = 1 << 20
	DefaultStackLimit  = 16384
	DefaultGCInterval  = 60
	DefaultCycleBudget = 2000000
)

// Options configures an instance.
type Options struct {
	ArenaSize   int       // bytes in the instance's arena
	StackLimit  int       // maximum value-stack slots
	GCInterval  int       // completed frames between collections; <0 disables
	CycleBudget int       // per-run cost budget, logged when exceeded; <0 disables
	DataSize    int       // size of the data buffer; 0 means the blob's size
	Output      io.Writer // print() destination; defaults to stdout
}

func (o Options) withDefaults() Options {
	if o.ArenaSize <= 0 {
		o.ArenaSize = DefaultArenaSize
	}
	if o.StackLimit <= 0 {
		o.StackLimit = DefaultStackLimit
	}
	if o.GCInterval == 0 {
		o.GCInterval = DefaultGCInterval
	}
	if o.CycleBudget == 0 {
		o.CycleBudget = DefaultCycleBudget
	}
	if o.Output == nil {
		o.Output = os.Stdout
	}
	return o
}

// ---------------------------------------------------------------------------
// Instance
// ---------------------------------------------------------------------------

// Instance is one isolated program: an arena holding every object, a value
// stack and the interpreter state. Instances are not safe for concurrent
// use; the host runs them one at a time.
type Instance struct {
	id   uuid.UUID
	opts Options
	out  io.Writer
	heap *alloc.Heap

	stack []Value
	open  []alloc.Ptr // open upvalues, sorted by stack slot
	fr    frame
	codes map[alloc.Ptr]*code

	running    bool
	stopped    bool
	err        *RuntimeError
	cycles     int
	overBudget bool
}

// New creates an instance with an empty globals table holding the native
// library.
func New(opts Options) (*Instance, error) {
	opts = opts.withDefaults()
	in := newInstance(uuid.New(), opts, alloc.New(opts.ArenaSize))
	err := in.guard(func() {
		in.initIntern()
		in.heap.SetRoot(rootGlobals, uint32(in.newTable().ptr()))
		in.registerNatives()
	})
	if err != nil {
		return nil, fmt.Errorf("vm: arena of %d bytes is too small: %w", opts.ArenaSize, err)
	}
	log.Infof("instance %s created (%d byte arena)", in.id, in.heap.Size())
	return in, nil
}

func newInstance(id uuid.UUID, opts Options, heap *alloc.Heap) *Instance {
	return &Instance{
		id:    id,
		opts:  opts,
		out:   opts.Output,
		heap:  heap,
		stack: make([]Value, 0, initialStack),
		codes: make(map[alloc.Ptr]*code),
	}
}

// ID returns the instance's identifier.
func (in *Instance) ID() uuid.UUID { return in.id }

// Stopped reports whether a runtime error has stopped the instance.
func (in *Instance) Stopped() bool { return in.stopped }

// Err returns the runtime error that stopped the instance, if any.
func (in *Instance) Err() error {
	if in.err == nil {
		return nil
	}
	return in.err
}

// Cycles returns the cost accumulated by the last invocation.
func (in *Instance) Cycles() int { return in.cycles }

// Frames returns the number of completed frames.
func (in *Instance) Frames() int { return int(in.heap.Root(rootFrames)) }

// Objects returns the number of heap objects, live or not yet collected.
func (in *Instance) Objects() int { return int(in.heap.Root(rootObjectCount)) }

// HeapStats reports arena usage.
func (in *Instance) HeapStats() alloc.Stats { return in.heap.Stats() }

// Restart clears the stopped state so the instance can be stepped again.
// Globals keep whatever values they had when the error struck.
func (in *Instance) Restart() {
	if in.stopped {
		log.Infof("instance %s restarted", in.id)
	}
	in.stopped = false
	in.err = nil
}

// Close releases the arena. The instance must not be used afterwards.
func (in *Instance) Close() {
	log.Infof("instance %s destroyed", in.id)
	in.heap = nil
	in.stack = nil
	in.open = nil
	in.codes = nil
}

// ---------------------------------------------------------------------------
// Invocation boundary
// ---------------------------------------------------------------------------

// invoke runs body as one top-level invocation. A runtime error raised
// anywhere inside unwinds to here, closes the open upvalues and stops the
// instance.
func (in *Instance) invoke(body func() Value) (result Value, err error) {
	if in.stopped {
		return Undefined, ErrStopped
	}
	if in.running {
		panic("vm: instance invoked while running")
	}
	in.running = true
	in.cycles, in.overBudget = 0, false
	in.fr = frame{}
	defer func() {
		in.running = false
		r := recover()
		if r == nil {
			return
		}
		rerr, ok := r.(*RuntimeError)
		if !ok {
			panic(r)
		}
		in.closeUpvalues(0)
		clear(in.stack)
		in.stopped, in.err = true, rerr
		log.Errorf("instance %s stopped: %s", in.id, rerr.Msg)
		result, err = Undefined, rerr
	}()
	return body(), nil
}

// guard runs host-side work that may run out of memory without stopping
// the instance.
func (in *Instance) guard(body func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(*RuntimeError)
			if !ok {
				panic(r)
			}
			err = rerr
		}
	}()
	body()
	return nil
}

// ---------------------------------------------------------------------------
// Host entry points
// ---------------------------------------------------------------------------

// Load compiles src and runs its top level once. A compile error is
// returned as a *compiler.Error and leaves the instance untouched. data,
// if not nil, is copied into the global buffer "data".
func (in *Instance) Load(src, data []byte) error {
	proto, err := compiler.Compile("main", src)
	if err != nil {
		return err
	}
	_, err = in.invoke(func() Value {
		size := in.opts.DataSize
		if size == 0 {
			size = len(data)
		}
		if data != nil || size > 0 {
			buf := in.newBuffer(size)
			copy(in.bufferBytes(buf), data)
			in.tableSet(in.globals(), in.internString("data"), buf)
		}
		return in.runMain(proto)
	})
	return err
}

// Exec compiles src and runs it as top-level code against the existing
// globals. The data buffer is left alone.
func (in *Instance) Exec(src []byte) error {
	proto, err := compiler.Compile("main", src)
	if err != nil {
		return err
	}
	_, err = in.invoke(func() Value { return in.runMain(proto) })
	return err
}

func (in *Instance) runMain(proto *bytecode.Proto) Value {
	main := in.newFunction(in.newCode(proto), 0)
	return in.execute(main, Undefined, nil)
}

// frameCallbacks are the globals Frame calls, in order, when defined.
var frameCallbacks = []string{"_update", "_draw"}

// Frame runs one frame: _update, then _draw. Every GCInterval completed
// frames it collects garbage.
func (in *Instance) Frame() error {
	_, err := in.invoke(func() Value {
		for _, name := range frameCallbacks {
			if fn := in.Global(name); fn.kind != KindUndefined {
				in.execute(fn, Undefined, nil)
			}
		}
		return Undefined
	})
	if err != nil {
		return err
	}
	frames := in.heap.Root(rootFrames) + 1
	in.heap.SetRoot(rootFrames, frames)
	if n := in.opts.GCInterval; n > 0 && frames%uint32(n) == 0 {
		in.Collect()
	}
	return nil
}

// Call invokes the global function name. The result may refer to heap
// objects, so it is only valid until the next collection.
func (in *Instance) Call(name string, args ...Value) (Value, error) {
	if in.stopped {
		return Undefined, ErrStopped
	}
	fn := in.Global(name)
	if fn.kind != KindFunction && fn.kind != KindNative {
		return Undefined, fmt.Errorf("vm: global %q is not a function", name)
	}
	return in.invoke(func() Value {
		return in.execute(fn, Undefined, args)
	})
}

// Global returns the value of a global variable, or undefined.
func (in *Instance) Global(name string) Value {
	key, ok := in.lookupString(name)
	if !ok {
		return Undefined
	}
	return in.tableGet(in.globals(), key)
}

// SetGlobal assigns a global variable. Assigning undefined removes it.
func (in *Instance) SetGlobal(name string, v Value) error {
	return in.guard(func() {
		in.tableSet(in.globals(), in.internString(name), v)
	})
}

// NewString interns s so the host can pass it to scripts.
func (in *Instance) NewString(s string) (Value, error) {
	var v Value
	err := in.guard(func() { v = in.internString(s) })
	return v, err
}

// Globals returns every global rendered with Describe. Natives are
// included.
func (in *Instance) Globals() map[string]string {
	m := make(map[string]string)
	in.tableEach(in.globals(), func(key, v Value) {
		m[in.goString(key)] = in.Describe(v)
	})
	return m
}
