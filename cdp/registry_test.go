package cdp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterGetRemove(t *testing.T) {
	reg := NewRegistry()
	key := NewSessionKey(9000, "A")
	s := NewSession(key, Target{ID: "A", Port: 9000}, nil)

	assert.Nil(t, reg.Register(s))
	got, ok := reg.Get(key)
	require.True(t, ok)
	assert.Same(t, s, got)

	other := NewSession(key, Target{ID: "A", Port: 9000}, nil)
	assert.False(t, reg.Remove(key, other), "only the owning session may remove its entry")
	assert.True(t, reg.Has(key))

	assert.True(t, reg.Remove(key, s))
	assert.False(t, reg.Has(key))
	assert.False(t, reg.Remove(key, s), "second remove is a no-op")
}

func TestRegistry_RegisterReplacesAndReturnsPrevious(t *testing.T) {
	reg := NewRegistry()
	key := NewSessionKey(9001, "B")
	first := NewSession(key, Target{}, nil)
	second := NewSession(key, Target{}, nil)

	reg.Register(first)
	assert.Same(t, first, reg.Register(second))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_KeysSortedAndClear(t *testing.T) {
	reg := NewRegistry()
	var sizes []int
	reg.SetSizeObserver(func(n int) { sizes = append(sizes, n) })

	for _, k := range []SessionKey{"9002:c", "9000:a", "9001:b"} {
		reg.Register(NewSession(k, Target{}, nil))
	}
	assert.Equal(t, []SessionKey{"9000:a", "9001:b", "9002:c"}, reg.Keys())
	assert.Len(t, reg.Sessions(), 3)

	cleared := reg.Clear()
	assert.Len(t, cleared, 3)
	assert.Zero(t, reg.Len())
	assert.Equal(t, []int{1, 2, 3, 0}, sizes)
}

func TestSession_InjectedFlagIsSticky(t *testing.T) {
	s := NewSession(NewSessionKey(9000, "A"), Target{}, nil)
	assert.False(t, s.Injected())
	assert.False(t, s.Open(), "a session without a connection is never open")
	s.MarkInjected()
	s.MarkInjected()
	assert.True(t, s.Injected())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := NewSession(NewSessionKey(9000+i%7, string(rune('a'+i%26))), Target{}, nil)
			reg.Register(s)
			_ = reg.Keys()
			reg.Remove(s.Key, s)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, reg.Len(), 50)
}

func TestSession_InjectOnce(t *testing.T) {
	s := NewSession(NewSessionKey(9000, "A"), Target{}, nil)

	calls := 0
	delivered, err := s.InjectOnce(func() error { calls++; return assert.AnError })
	assert.False(t, delivered)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, s.Injected(), "a failed delivery leaves the session uninjected")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.InjectOnce(func() error { calls++; return nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, calls)
	assert.True(t, s.Injected())
}
