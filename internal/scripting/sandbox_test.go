package scripting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"pgregory.net/rapid"
)

func TestNewSandboxedState_RemovesUnsafeGlobals(t *testing.T) {
	L := NewSandboxedState(0)
	require.NotNil(t, L)
	defer L.Close()
	for _, name := range []string{"os", "io", "debug", "dofile", "loadfile", "load", "collectgarbage", "require"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "expected %s to be nil", name)
	}
}

func TestNewSandboxedState_SafeLibsAvailable(t *testing.T) {
	L := NewSandboxedState(0)
	defer L.Close()
	err := L.DoString(`
		assert(math.sqrt(4) == 2.0, "math.sqrt failed")
		assert(string.upper("hello") == "HELLO", "string.upper failed")
		local t = {}
		table.insert(t, 1)
		assert(#t == 1, "table.insert failed")
	`)
	assert.NoError(t, err)
}

func TestNewSandboxedState_InstructionLimitExceeded(t *testing.T) {
	L := NewSandboxedState(10)
	defer L.Close()
	assert.Error(t, L.DoString(`while true do end`))
}

func TestRefill_RestoresBudgetAfterExhaustion(t *testing.T) {
	L := NewSandboxedState(50)
	defer L.Close()
	require.Error(t, L.DoString(`while true do end`))

	cancel := refill(L, 50)
	defer cancel()
	assert.NoError(t, L.DoString(`local x = 1 + 1`))
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultInstructionLimit, normalizeLimit(0))
	assert.Equal(t, DefaultInstructionLimit, normalizeLimit(-5))
	assert.Equal(t, 42, normalizeLimit(42))
}

func TestProperty_CountingContextCancelsAfterExactlyLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 500).Draw(t, "limit")
		ctx, cancel := newCountingContext(limit)
		defer cancel()

		for i := 1; i < limit; i++ {
			select {
			case <-ctx.Done():
				t.Fatalf("cancelled after %d of %d calls", i, limit)
			default:
			}
		}
		select {
		case <-ctx.Done():
		default:
			t.Fatalf("not cancelled after %d calls", limit)
		}
	})
}

func TestProperty_InstructionLimitAlwaysErrors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(t, "limit")
		L := NewSandboxedState(limit)
		defer L.Close()
		if err := L.DoString(`while true do end`); err == nil {
			t.Fatalf("expected error with limit=%d but got nil", limit)
		}
	})
}
