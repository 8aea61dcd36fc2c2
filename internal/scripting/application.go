package scripting

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamecore/internal/transport"
)

// TickHook is the Lua global called once per tick.
const TickHook = "on_tick"

// Application runs the game's per-tick logic in one sandboxed VM. on_tick
// receives an array of {id=, data=} tables and returns the same shape.
//
// Application is single-threaded; the game loop goroutine is its only caller.
type Application struct {
	L      *lua.LState
	limit  int
	logger *zap.Logger
	ticks  uint64
}

// LoadApplication creates a sandboxed VM, registers the engine module, then
// executes path, or every *.lua file in path in lexicographic order when path
// is a directory.
//
// Precondition: path names a readable .lua file or directory; logger must be non-nil.
// Postcondition: Returns a ready Application or a non-nil error.
func LoadApplication(path string, instLimit int, logger *zap.Logger) (*Application, error) {
	files, err := scriptFiles(path)
	if err != nil {
		return nil, err
	}

	a := &Application{
		L:      NewSandboxedState(instLimit),
		limit:  normalizeLimit(instLimit),
		logger: logger,
	}
	a.RegisterModules(a.L)

	for _, file := range files {
		cancel := refill(a.L, a.limit)
		err := a.L.DoFile(file)
		cancel()
		if err != nil {
			a.L.Close()
			return nil, fmt.Errorf("scripting: loading %q: %w", file, err)
		}
	}

	logger.Info("lua application loaded",
		zap.Strings("files", files),
		zap.Int("instruction_limit", a.limit),
		zap.Bool("has_tick_hook", a.L.GetGlobal(TickHook) != lua.LNil),
	)
	return a, nil
}

func scriptFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading script dir %q: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("scripting: no .lua files in %q", path)
	}
	sort.Strings(files)
	return files, nil
}

// Tick hands in to on_tick with a fresh instruction budget and returns the
// messages it produced. A missing hook produces nothing. Lua errors and
// malformed entries are logged at Warn and never propagated.
func (a *Application) Tick(in []transport.Message) []transport.Message {
	a.ticks++

	fn := a.L.GetGlobal(TickHook)
	if fn == lua.LNil {
		return nil
	}

	batch := a.L.CreateTable(len(in), 0)
	for _, msg := range in {
		entry := a.L.CreateTable(0, 2)
		entry.RawSetString("id", lua.LNumber(msg.ID()))
		entry.RawSetString("data", lua.LString(msg.Data()))
		batch.Append(entry)
	}

	cancel := refill(a.L, a.limit)
	err := a.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, batch)
	cancel()
	if err != nil {
		a.logger.Warn("scripting: Lua runtime error",
			zap.String("hook", TickHook),
			zap.Uint64("tick", a.ticks),
			zap.Error(err),
		)
		return nil
	}

	ret := a.L.Get(-1)
	a.L.Pop(1)
	return a.collect(ret)
}

func (a *Application) collect(ret lua.LValue) []transport.Message {
	if ret == lua.LNil {
		return nil
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		a.logger.Warn("scripting: on_tick returned a non-table",
			zap.String("type", ret.Type().String()),
		)
		return nil
	}

	out := make([]transport.Message, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		msg, err := toMessage(tbl.RawGetInt(i))
		if err != nil {
			a.logger.Warn("scripting: dropping malformed message",
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		out = append(out, msg)
	}
	return out
}

func toMessage(v lua.LValue) (transport.Message, error) {
	entry, ok := v.(*lua.LTable)
	if !ok {
		return transport.Message{}, fmt.Errorf("entry is a %s, not a table", v.Type())
	}
	num, ok := entry.RawGetString("id").(lua.LNumber)
	if !ok {
		return transport.Message{}, fmt.Errorf("id is not a number")
	}
	id := float64(num)
	if id < 0 || id > math.MaxUint32 || id != math.Trunc(id) {
		return transport.Message{}, fmt.Errorf("id %v is not a connection identifier", id)
	}
	data, ok := entry.RawGetString("data").(lua.LString)
	if !ok {
		return transport.Message{}, fmt.Errorf("data is not a string")
	}
	return transport.NewMessage(transport.ConnID(id), []byte(data)), nil
}

// Ticks returns how many ticks the application has been handed.
func (a *Application) Ticks() uint64 { return a.ticks }

// Close releases the VM.
func (a *Application) Close() {
	a.L.Close()
}
