// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"context"
	stdtesting "testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/tc"
	"go.uber.org/goleak"

	"github.com/juju/zerocache/core/changestream"
	"github.com/juju/zerocache/internal/changestream/mux"
	loggertesting "github.com/juju/zerocache/internal/logger/testing"
)

const longWait = 10 * time.Second

type streamSuite struct{}

func TestStreamSuite(t *stdtesting.T) {
	defer goleak.VerifyNone(t)
	tc.Run(t, &streamSuite{})
}

// scriptedIterator yields a fixed message sequence, then ends or
// fails.
type scriptedIterator struct {
	msgs   []changestream.Message
	errAt  error
	closed bool
}

func (i *scriptedIterator) Next(ctx context.Context) (changestream.Message, bool, error) {
	if len(i.msgs) == 0 {
		if i.errAt != nil {
			return nil, false, i.errAt
		}
		return nil, false, nil
	}
	msg := i.msgs[0]
	i.msgs = i.msgs[1:]
	return msg, true, nil
}

func (i *scriptedIterator) Close() error {
	i.closed = true
	return nil
}

// fakeSource serves scripted iterators in order and records the
// watermark each open started from. Once the scripts run out, opens
// block until the stream is cancelled.
type fakeSource struct {
	scripts []*scriptedIterator
	opens   chan string
}

func newFakeSource(scripts ...*scriptedIterator) *fakeSource {
	return &fakeSource{scripts: scripts, opens: make(chan string, 16)}
}

func (s *fakeSource) Open(ctx context.Context, afterWatermark string) (Iterator, error) {
	s.opens <- afterWatermark
	if len(s.scripts) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	iter := s.scripts[0]
	s.scripts = s.scripts[1:]
	return iter, nil
}

func (s *streamSuite) newStream(c *tc.C, source Source, initial string) (*Stream, *mux.Multiplexer, *testclock.Clock) {
	clk := testclock.NewClock(time.Time{})
	m := mux.New(initial, clk, nil, loggertesting.WrapCheckLog(c))
	return New(source, m, clk, loggertesting.WrapCheckLog(c)), m, clk
}

// drain consumes the downstream subscription until the stream
// terminates, delivering each message as it arrives.
func drain(src *mux.Source) <-chan changestream.Message {
	out := make(chan changestream.Message, 64)
	go func() {
		defer close(out)
		for {
			msg, ok, _ := src.Next(context.Background())
			if !ok {
				return
			}
			out <- msg
		}
	}()
	return out
}

func next(c *tc.C, out <-chan changestream.Message) changestream.Message {
	select {
	case msg := <-out:
		return msg
	case <-time.After(longWait):
		c.Fatal("timed out waiting for downstream message")
		return nil
	}
}

func (s *streamSuite) TestTransactionPumpedUnderReservation(c *tc.C) {
	source := newFakeSource(&scriptedIterator{msgs: []changestream.Message{
		changestream.Begin{CommitWatermark: "110"},
		changestream.Data{Change: changestream.Insert{
			Table: changestream.TableID{Schema: "app", Name: "issue"},
			Row:   map[string]any{"id": 1},
		}},
		changestream.Commit{Watermark: "110"},
	}})
	stream, m, _ := s.newStream(c, source, "100")
	src := m.AsSource()
	out := drain(src)

	stream.Run("100")
	defer func() {
		src.Cancel()
		stream.Cancel()
	}()

	c.Check(next(c, out), tc.DeepEquals, changestream.Message(
		changestream.Begin{CommitWatermark: "110"}))
	data, ok := next(c, out).(changestream.Data)
	c.Assert(ok, tc.IsTrue)
	c.Check(data.Change.Tag(), tc.Equals, changestream.TagInsert)
	c.Check(next(c, out), tc.DeepEquals, changestream.Message(
		changestream.Commit{Watermark: "110"}))

	// The reservation was released at the commit watermark: another
	// producer can reserve and sees the new position.
	select {
	case wm := <-source.opens:
		c.Check(wm, tc.Equals, "100")
	case <-time.After(longWait):
		c.Fatal("source never opened")
	}
	wm, err := m.Reserve(context.Background(), "backfill")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(wm, tc.Equals, "110")
	c.Assert(m.Release("110"), tc.ErrorIsNil)
}

func (s *streamSuite) TestAckedStatusReachesDownstream(c *tc.C) {
	source := newFakeSource(&scriptedIterator{msgs: []changestream.Message{
		changestream.Status{Watermark: "105", Ack: true},
	}})
	stream, m, _ := s.newStream(c, source, "100")
	out := drain(m.AsSource())

	stream.Run("100")
	defer func() {
		m.AsSource().Cancel()
		stream.Cancel()
	}()

	c.Check(next(c, out), tc.DeepEquals, changestream.Message(
		changestream.Status{Watermark: "105", Ack: true}))
}

func (s *streamSuite) TestSourceEndReopensFromLastCommit(c *tc.C) {
	source := newFakeSource(
		&scriptedIterator{msgs: []changestream.Message{
			changestream.Begin{CommitWatermark: "110"},
			changestream.Commit{Watermark: "110"},
		}},
		&scriptedIterator{msgs: []changestream.Message{
			changestream.Begin{CommitWatermark: "120"},
			changestream.Commit{Watermark: "120"},
		}},
	)
	stream, m, clk := s.newStream(c, source, "100")
	out := drain(m.AsSource())

	stream.Run("100")
	defer func() {
		m.AsSource().Cancel()
		stream.Cancel()
	}()

	select {
	case wm := <-source.opens:
		c.Check(wm, tc.Equals, "100")
	case <-time.After(longWait):
		c.Fatal("source never opened")
	}
	next(c, out)
	next(c, out)

	// The first source ends after its transaction; the stream backs
	// off and reopens from the committed watermark.
	err := clk.WaitAdvance(100*time.Millisecond, longWait, 1)
	c.Assert(err, tc.ErrorIsNil)

	select {
	case wm := <-source.opens:
		c.Check(wm, tc.Equals, "110")
	case <-time.After(longWait):
		c.Fatal("source never reopened")
	}
	c.Check(next(c, out), tc.DeepEquals, changestream.Message(
		changestream.Begin{CommitWatermark: "120"}))
}

func (s *streamSuite) TestSourceErrorMidTransactionRollsBack(c *tc.C) {
	source := newFakeSource(&scriptedIterator{
		msgs: []changestream.Message{
			changestream.Begin{CommitWatermark: "110"},
			changestream.Data{Change: changestream.Insert{
				Table: changestream.TableID{Schema: "app", Name: "issue"},
			}},
		},
		errAt: errors.New("connection reset"),
	})
	stream, m, _ := s.newStream(c, source, "100")
	out := drain(m.AsSource())

	stream.Run("100")
	defer func() {
		m.AsSource().Cancel()
		stream.Cancel()
	}()

	next(c, out)
	next(c, out)
	c.Check(next(c, out), tc.DeepEquals, changestream.Message(changestream.Rollback{}))

	// The reservation was released at the unchanged watermark.
	wm, err := m.Reserve(context.Background(), "backfill")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(wm, tc.Equals, "100")
	c.Assert(m.Release("100"), tc.ErrorIsNil)
}

func (s *streamSuite) TestProtocolViolationStopsWithoutRetry(c *tc.C) {
	source := newFakeSource(&scriptedIterator{msgs: []changestream.Message{
		changestream.Data{Change: changestream.Insert{
			Table: changestream.TableID{Schema: "app", Name: "issue"},
		}},
	}})
	stream, m, _ := s.newStream(c, source, "100")
	defer m.AsSource().Cancel()

	stream.Run("100")

	select {
	case <-stream.Stopped():
	case <-time.After(longWait):
		c.Fatal("stream did not stop on protocol violation")
	}
	// Only the initial open happened: a misbehaving reader is not
	// reconnected.
	c.Check(len(source.opens), tc.Equals, 1)

	// The failure propagates to the downstream subscription.
	src := m.AsSource()
	select {
	case <-src.Done():
	case <-time.After(longWait):
		c.Fatal("mux did not terminate on protocol violation")
	}
	c.Check(src.Err(), tc.ErrorMatches, ".*protocol violation.*")
	stream.Cancel()
}

func (s *streamSuite) TestCancelStopsPump(c *tc.C) {
	source := newFakeSource()
	stream, m, _ := s.newStream(c, source, "100")
	defer m.AsSource().Cancel()

	stream.Run("100")
	select {
	case <-source.opens:
	case <-time.After(longWait):
		c.Fatal("source never opened")
	}

	stream.Cancel()
	select {
	case <-stream.Stopped():
	case <-time.After(longWait):
		c.Fatal("stream did not stop on cancel")
	}
}
