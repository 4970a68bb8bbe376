package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	var fired []string
	m.AfterFunc(3*time.Second, func() { fired = append(fired, "three") })
	m.AfterFunc(1*time.Second, func() { fired = append(fired, "one") })
	stopped := m.AfterFunc(2*time.Second, func() { fired = append(fired, "two") })

	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"one"}, fired)
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"one", "three"}, fired)
	assert.Zero(t, m.Pending())
	assert.Equal(t, 3*time.Second, m.Since(start))
}

func TestOrFallsBackToDefault(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	assert.Equal(t, m, Or(m))
	assert.Equal(t, TimeProvider(RealTimeProvider{}), Or(nil))

	SetDefault(m)
	defer SetDefault(nil)
	assert.Equal(t, TimeProvider(m), Or(nil))
}

func TestSetDefaultConcurrentWithOr(t *testing.T) {
	defer SetDefault(nil)
	m := NewManual(time.Unix(0, 0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				SetDefault(m)
			} else {
				SetDefault(nil)
			}
		}(i)
		go func() {
			defer wg.Done()
			assert.NotNil(t, Or(nil))
		}()
	}
	wg.Wait()

	SetDefault(m)
	assert.Equal(t, TimeProvider(m), Or(nil))
}
