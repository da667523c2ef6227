package starbind

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/letoram/lldb/pkg/proc"
)

const (
	commandBuiltinName         = "command"
	readFileBuiltinName        = "read_file"
	writeFileBuiltinName       = "write_file"
	pidBuiltinName             = "pid"
	threadsBuiltinName         = "threads"
	regionsBuiltinName         = "regions"
	readMemoryBuiltinName      = "read_memory"
	writeMemoryBuiltinName     = "write_memory"
	setBreakpointBuiltinName   = "set_breakpoint"
	clearBreakpointBuiltinName = "clear_breakpoint"
	resumeBuiltinName          = "resume"
	helpBuiltinName            = "help"
	commandPrefix              = "command_"
	contextName                = "nativehost_context"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// StopEvent describes how the process stopped after a resume.
type StopEvent struct {
	Kind   string // "stopped", "exited" or "terminated"
	Reason string
	Tid    int
	Addr   uint64
	Signal int
	Code   int
}

// Context is the context in which starlark scripts are evaluated.
// It gives access to the process and to the terminal's commands.
type Context interface {
	Pid() int
	ThreadIDs() ([]int, error)
	Regions() ([]proc.MemoryRegionInfo, error)
	ReadMemory(addr uint64, size int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) (int, error)
	SetBreakpoint(addr uint64, hardware bool) error
	ClearBreakpoint(addr uint64) error
	// Resume continues the process, or single steps the current thread,
	// and waits for it to stop.
	Resume(step bool) (StopEvent, error)
	RegisterCommand(name, helpMsg string, cmdfn func(args string) error)
	CallCommand(cmdstr string) error
}

// Env is the environment used to evaluate starlark scripts.
type Env struct {
	env       starlark.StringDict
	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	ctx Context
	out io.Writer
}

type builtinFn func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// New creates a new starlark binding environment.
func New(ctx Context, out io.Writer) *Env {
	env := &Env{
		env: starlark.StringDict{},
		ctx: ctx,
		out: out,
	}

	// Make the "time" module available to Starlark scripts.
	starlark.Universe["time"] = startime.Module

	doc := map[string]string{}
	builtin := func(name, args, descr string, fn builtinFn) {
		env.env[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := isCancelled(thread); err != nil {
				return starlark.None, err
			}
			v, err := fn(thread, b, args, kwargs)
			if err != nil {
				return nil, decorateError(thread, err)
			}
			return v, nil
		})
		doc[name] = name + args + "\n\n" + name + " " + descr
	}

	builtin(commandBuiltinName, "(Command)", "executes a terminal command.", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		argstrs := make([]string, len(args))
		for i := range args {
			a, ok := args[i].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("argument of command is not a string")
			}
			argstrs[i] = string(a)
		}
		return starlark.None, env.ctx.CallCommand(strings.Join(argstrs, " "))
	})

	builtin(pidBuiltinName, "()", "returns the process id.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		return starlark.MakeInt(env.ctx.Pid()), nil
	})

	builtin(threadsBuiltinName, "()", "returns the list of thread ids.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		tids, err := env.ctx.ThreadIDs()
		if err != nil {
			return nil, err
		}
		return toStarlarkValue(tids), nil
	})

	builtin(regionsBuiltinName, "()", "returns the mapped memory regions.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		rs, err := env.ctx.Regions()
		if err != nil {
			return nil, err
		}
		vals := make([]starlark.Value, len(rs))
		for i := range rs {
			vals[i] = regionValue(rs[i])
		}
		return starlark.NewList(vals), nil
	})

	builtin(readMemoryBuiltinName, "(Addr, Size)", "reads Size bytes of memory at Addr, breakpoints are hidden.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv starlark.Int
		var size int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv, "size", &size); err != nil {
			return nil, err
		}
		addr, err := toAddress(addrv)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, fmt.Errorf("negative size %d", size)
		}
		data, err := env.ctx.ReadMemory(addr, size)
		if err != nil {
			return nil, err
		}
		return starlark.Bytes(data), nil
	})

	builtin(writeMemoryBuiltinName, "(Addr, Data)", "writes Data, bytes or a string, at Addr and returns the number of bytes written.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv starlark.Int
		var datav starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv, "data", &datav); err != nil {
			return nil, err
		}
		addr, err := toAddress(addrv)
		if err != nil {
			return nil, err
		}
		var data []byte
		switch d := datav.(type) {
		case starlark.Bytes:
			data = []byte(d)
		case starlark.String:
			data = []byte(d)
		default:
			return nil, fmt.Errorf("data must be bytes or a string, not %s", datav.Type())
		}
		n, err := env.ctx.WriteMemory(addr, data)
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt(n), nil
	})

	builtin(setBreakpointBuiltinName, "(Addr, hardware=False)", "sets a breakpoint at Addr.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv starlark.Int
		hardware := false
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv, "hardware?", &hardware); err != nil {
			return nil, err
		}
		addr, err := toAddress(addrv)
		if err != nil {
			return nil, err
		}
		return starlark.None, env.ctx.SetBreakpoint(addr, hardware)
	})

	builtin(clearBreakpointBuiltinName, "(Addr)", "removes the breakpoint at Addr.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv starlark.Int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv); err != nil {
			return nil, err
		}
		addr, err := toAddress(addrv)
		if err != nil {
			return nil, err
		}
		return starlark.None, env.ctx.ClearBreakpoint(addr)
	})

	builtin(resumeBuiltinName, "(step=False)", "continues the process, or steps the current thread, and returns how it stopped.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		step := false
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "step?", &step); err != nil {
			return nil, err
		}
		ev, err := env.ctx.Resume(step)
		if err != nil {
			return nil, err
		}
		return toStarlarkValue(ev), nil
	})

	builtin(readFileBuiltinName, "(Path)", "reads a file.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return starlark.String(string(buf)), nil
	})

	builtin(writeFileBuiltinName, "(Path, Text)", "writes text to the specified file.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("wrong number of arguments")
		}
		path, ok := args[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("first argument of write_file was not a string")
		}
		text := args[1].String()
		if s, ok := args[1].(starlark.String); ok {
			text = string(s)
		}
		return starlark.None, os.WriteFile(string(path), []byte(text), 0640)
	})

	env.env[helpBuiltinName] = starlark.NewBuiltin(helpBuiltinName, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		switch len(args) {
		case 0:
			fmt.Fprintln(env.out, "Available builtins:")
			bins := make([]string, 0, len(env.env))
			for name, value := range env.env {
				switch value.(type) {
				case *starlark.Builtin:
					bins = append(bins, name)
				}
			}
			sort.Strings(bins)
			for _, bin := range bins {
				fmt.Fprintf(env.out, "\t%s\n", bin)
			}
		case 1:
			switch x := args[0].(type) {
			case *starlark.Builtin:
				if doc[x.Name()] != "" {
					fmt.Fprintf(env.out, "%s\n", doc[x.Name()])
				} else {
					fmt.Fprintf(env.out, "no help for builtin %s\n", x.Name())
				}
			case *starlark.Function:
				fmt.Fprintf(env.out, "user defined function %s\n", x.Name())
				if doc := x.Doc(); doc != "" {
					fmt.Fprintln(env.out, doc)
				}
			default:
				fmt.Fprintf(env.out, "no help for object of type %T\n", args[0])
			}
		default:
			fmt.Fprintln(env.out, "wrong number of arguments ", len(args))
		}
		return starlark.None, nil
	})
	doc[helpBuiltinName] = helpBuiltinName + "(Object)\n\n" + helpBuiltinName + " prints help for Object."

	return env
}

func (env *Env) printFunc() func(_ *starlark.Thread, msg string) {
	return func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) }
}

// Execute executes a script. Path is the name of the file to execute and
// source is the source code to execute.
// Source can be either a []byte, a string or a io.Reader. If source is nil
// Execute will execute the file specified by 'path'.
// After the file is executed if a function named mainFnName exists it will be called, passing args to it.
func (env *Env) Execute(path string, source interface{}, mainFnName string, args []interface{}) (_ starlark.Value, _err error) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		_err = fmt.Errorf("panic executing starlark script: %v", err)
		fmt.Fprintf(env.out, "panic executing starlark script: %v\n", err)
		for i := 0; ; i++ {
			pc, file, line, ok := runtime.Caller(i)
			if !ok {
				break
			}
			fname := "<unknown>"
			fn := runtime.FuncForPC(pc)
			if fn != nil {
				fname = fn.Name()
			}
			fmt.Fprintf(env.out, "%s\n\tin %s:%d\n", fname, file, line)
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}

	err = env.exportGlobals(globals)
	if err != nil {
		return starlark.None, err
	}

	return env.callMain(thread, globals, mainFnName, args)
}

// exportGlobals saves globals with a name starting with a capital letter
// into the environment and creates commands from globals with a name
// starting with "command_"
func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for name, val := range globals {
		switch {
		case strings.HasPrefix(name, commandPrefix):
			err := env.createCommand(name, val)
			if err != nil {
				return err
			}
		case name[0] >= 'A' && name[0] <= 'Z':
			env.env[name] = val
		}
	}
	return nil
}

// Cancel cancels the execution of a currently running script or function.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
	env.contextMu.Unlock()
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: env.printFunc(),
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.thread = thread
	env.contextMu.Unlock()
	thread.SetLocal(contextName, ctx)
	return thread
}

func (env *Env) createCommand(name string, val starlark.Value) error {
	fnval, ok := val.(*starlark.Function)
	if !ok {
		return nil
	}

	name = name[len(commandPrefix):]

	helpMsg := fnval.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}

	if fnval.NumParams() == 1 {
		if p0, _ := fnval.Param(0); p0 == "args" {
			env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
				_, err := starlark.Call(env.newThread(), fnval, starlark.Tuple{starlark.String(args)}, nil)
				return err
			})
			return nil
		}
	}

	env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
		thread := env.newThread()
		argval, err := starlark.Eval(thread, "<input>", "("+args+")", env.env)
		if err != nil {
			return err
		}
		argtuple, ok := argval.(starlark.Tuple)
		if !ok {
			argtuple = starlark.Tuple{argval}
		}
		_, err = starlark.Call(thread, fnval, argtuple, nil)
		return err
	})
	return nil
}

// callMain calls the main function in globals, if one was defined.
func (env *Env) callMain(thread *starlark.Thread, globals starlark.StringDict, mainFnName string, args []interface{}) (starlark.Value, error) {
	if mainFnName == "" {
		return starlark.None, nil
	}
	mainval := globals[mainFnName]
	if mainval == nil {
		return starlark.None, nil
	}
	mainfn, ok := mainval.(*starlark.Function)
	if !ok {
		return starlark.None, fmt.Errorf("%s is not a function", mainFnName)
	}
	if mainfn.NumParams() != len(args) {
		return starlark.None, fmt.Errorf("wrong number of arguments for %s", mainFnName)
	}
	argtuple := make(starlark.Tuple, len(args))
	for i := range args {
		argtuple[i] = toStarlarkValue(args[i])
	}
	return starlark.Call(thread, mainfn, argtuple, nil)
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(contextName).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}
