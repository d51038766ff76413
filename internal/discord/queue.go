package discord

import (
	"context"
	"log/slog"
	"sync"
)

type queuedMessage struct {
	ctx context.Context
	msg Message
}

// channelQueue runs the message handler off the read loop, one message at a
// time per channel and in arrival order. A channel's worker starts with its
// first pending message and exits once the backlog is empty.
type channelQueue struct {
	handle func(context.Context, Message)

	mu      sync.Mutex
	pending map[string][]queuedMessage
	wg      sync.WaitGroup
}

func newChannelQueue(handle func(context.Context, Message)) *channelQueue {
	return &channelQueue{handle: handle, pending: make(map[string][]queuedMessage)}
}

// push never blocks on the handler.
func (q *channelQueue) push(ctx context.Context, m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	backlog, running := q.pending[m.ChannelID]
	q.pending[m.ChannelID] = append(backlog, queuedMessage{ctx: ctx, msg: m})
	if !running {
		q.wg.Add(1)
		go q.work(m.ChannelID)
	}
}

func (q *channelQueue) work(channelID string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		backlog := q.pending[channelID]
		if len(backlog) == 0 {
			delete(q.pending, channelID)
			q.mu.Unlock()
			return
		}
		next := backlog[0]
		backlog[0] = queuedMessage{}
		q.pending[channelID] = backlog[1:]
		q.mu.Unlock()

		q.run(next)
	}
}

func (q *channelQueue) run(item queuedMessage) {
	defer func() {
		if r := recover(); r != nil {
			discordLog.Error("message_handler_panic",
				slog.String("channel_id", item.msg.ChannelID),
				slog.String("message_id", item.msg.ID),
				slog.Any("panic", r))
		}
	}()
	q.handle(item.ctx, item.msg)
}

// active returns the number of channels with a running worker.
func (q *channelQueue) active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// wait blocks until every worker has exited.
func (q *channelQueue) wait() {
	q.wg.Wait()
}
