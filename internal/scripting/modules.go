package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules registers the engine table into L:
//
//	engine.log(msg)   logs msg at Info
//	engine.warn(msg)  logs msg at Warn
//	engine.tick()     number of ticks handed to on_tick so far, this one included
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: engine global is defined in L.
func (a *Application) RegisterModules(L *lua.LState) {
	engine := L.NewTable()
	L.SetFuncs(engine, map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			a.logger.Info("lua", zap.String("msg", L.CheckString(1)))
			return 0
		},
		"warn": func(L *lua.LState) int {
			a.logger.Warn("lua", zap.String("msg", L.CheckString(1)))
			return 0
		},
		"tick": func(L *lua.LState) int {
			L.Push(lua.LNumber(a.ticks))
			return 1
		},
	})
	L.SetGlobal("engine", engine)
}
