package msglog

import (
	"context"
	"fmt"
	"iter"

	"github.com/aixgo-dev/inspector/pkg/session"
)

// Cursor reads a resolved, finite range page by page. It never sees
// messages past the right bound fixed when it was created.
type Cursor struct {
	backend  Backend
	session  session.Session
	dir      Direction
	pageSize int
	from     *RecordID
	to       *RecordID

	buf  []Message
	done bool
	err  error
}

// Next returns the next message. ok is false at the end of the range or on
// error; check Err afterwards.
func (c *Cursor) Next(ctx context.Context) (msg Message, ok bool) {
	if len(c.buf) == 0 {
		if c.done || c.err != nil {
			return Message{}, false
		}
		c.fill(ctx)
		if len(c.buf) == 0 {
			return Message{}, false
		}
	}
	msg = c.buf[0]
	c.buf = c.buf[1:]
	return msg, true
}

func (c *Cursor) fill(ctx context.Context) {
	page, err := c.backend.Read(ctx, c.session, Range{From: c.from, To: c.to}, c.dir, c.pageSize)
	if err != nil {
		c.err = fmt.Errorf("scan session %s: %w", c.session, err)
		return
	}
	c.buf = page
	if len(page) < c.pageSize {
		c.done = true
		return
	}

	last := page[len(page)-1].ID
	if c.dir == Descending {
		prev, ok := last.Prev()
		if !ok || (c.from != nil && prev.Less(*c.from)) {
			c.done = true
			return
		}
		c.to = &prev
		return
	}
	next := last.Next()
	if c.to != nil && c.to.Less(next) {
		c.done = true
		return
	}
	c.from = &next
}

// Err returns the storage error that ended the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// All iterates the remaining messages. A storage error is yielded once as
// the final pair.
func (c *Cursor) All(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			m, ok := c.Next(ctx)
			if !ok {
				break
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(Message{}, err)
		}
	}
}

// Collect reads the remaining messages into a slice.
func (c *Cursor) Collect(ctx context.Context) ([]Message, error) {
	var out []Message
	for m, err := range c.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
