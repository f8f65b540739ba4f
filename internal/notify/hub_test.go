package notify

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeConn struct {
	written [][]byte
	failing bool
	closed  bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.failing {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHubPushDeliversToUserOnly(t *testing.T) {
	h := testHub()
	mine, theirs := &fakeConn{}, &fakeConn{}
	h.Register("u1", mine)
	h.Register("u2", theirs)

	delivered := h.Push("u1", []byte("hello"))
	assert.Equal(t, 1, delivered)
	assert.Len(t, mine.written, 1)
	assert.Empty(t, theirs.written)
}

func TestHubPushPrunesDeadConnections(t *testing.T) {
	h := testHub()
	dead, live := &fakeConn{failing: true}, &fakeConn{}
	h.Register("u1", dead)
	h.Register("u1", live)

	delivered := h.Push("u1", []byte("x"))
	assert.Equal(t, 1, delivered)
	assert.True(t, dead.closed)
	assert.Equal(t, 1, h.ConnCount("u1"))

	// The pruned connection stays gone.
	h.Push("u1", []byte("y"))
	assert.Len(t, live.written, 2)
}

func TestHubUnregister(t *testing.T) {
	h := testHub()
	c := &fakeConn{}
	h.Register("u1", c)
	h.Unregister("u1", c)

	assert.Zero(t, h.ConnCount("u1"))
	assert.Zero(t, h.Push("u1", []byte("x")))
}

func TestHubCloseAll(t *testing.T) {
	h := testHub()
	a, b := &fakeConn{}, &fakeConn{}
	h.Register("u1", a)
	h.Register("u2", b)

	h.CloseAll()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Zero(t, h.ConnCount("u1"))
	assert.Zero(t, h.ConnCount("u2"))
}
