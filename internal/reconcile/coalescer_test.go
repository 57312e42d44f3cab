package reconcile

import (
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu     sync.Mutex
	deltas []string
}

func (c *collector) publish(d string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, d)
}

func (c *collector) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.deltas, "")
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deltas)
}

func TestCoalescer_ConcatenationMatchesPushOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		col := &collector{}
		c := NewCoalescer(time.Duration(rng.Intn(3))*time.Millisecond, rng.Intn(16), col.publish)

		var want strings.Builder
		for i := 0; i < 200; i++ {
			chunk := strings.Repeat(string(rune('a'+i%26)), rng.Intn(4)+1)
			want.WriteString(chunk)
			c.Push(chunk)
			if rng.Intn(10) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		c.Close()

		assert.Equal(t, want.String(), col.joined(), "trial %d", trial)
	}
}

func TestCoalescer_BatchesWithinWindow(t *testing.T) {
	col := &collector{}
	c := NewCoalescer(time.Hour, 0, col.publish)
	for i := 0; i < 100; i++ {
		c.Push("x")
	}
	assert.Zero(t, col.count(), "nothing published before the window elapses")
	c.Flush()
	assert.Equal(t, 1, col.count())
	c.Close()
	assert.Equal(t, strings.Repeat("x", 100), col.joined())
}

func TestCoalescer_TimerFlush(t *testing.T) {
	col := &collector{}
	c := NewCoalescer(5*time.Millisecond, 0, col.publish)
	defer c.Close()

	c.Push("a")
	c.Push("b")
	assert.Eventually(t, func() bool { return col.joined() == "ab" }, time.Second, time.Millisecond)
}

func TestCoalescer_SizeTrigger(t *testing.T) {
	col := &collector{}
	c := NewCoalescer(time.Hour, 4, col.publish)
	c.Push("ab")
	c.Push("cd")
	assert.Equal(t, "abcd", col.joined())
	c.Push("e")
	c.Close()
	assert.Equal(t, []string{"abcd", "e"}, col.deltas)

	c.Push("ignored")
	assert.Equal(t, "abcde", col.joined())
}
