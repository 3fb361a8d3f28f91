package llm

import (
	"context"
	"time"
)

// Chunk is one item on a generation channel. Fragments carry Text; the last
// item has Done set and either Response or Err.
type Chunk struct {
	Text     string
	Done     bool
	Response *ChatResponse
	Err      error
}

// streamBuffer keeps a slow consumer from stalling the backend on every token.
const streamBuffer = 64

// Stream runs req against p and delivers fragments on the returned channel,
// which is closed after the final Done chunk. Streaming backends deliver
// token by token; one-shot backends deliver a single fragment. If ctx is
// cancelled the producer stops sending and the final chunk may be dropped,
// so consumers must watch ctx as well.
func Stream(ctx context.Context, p Provider, req *ChatRequest) <-chan Chunk {
	out := make(chan Chunk, streamBuffer)

	send := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		start := time.Now()

		var (
			resp *ChatResponse
			err  error
		)
		if sp, ok := p.(StreamingProvider); ok {
			resp, err = sp.ChatStream(ctx, req, func(token string) {
				if token != "" {
					send(Chunk{Text: token})
				}
			})
		} else {
			resp, err = p.Chat(ctx, req)
			if err == nil && resp != nil && resp.Content != "" {
				if !send(Chunk{Text: resp.Content}) {
					return
				}
			}
		}

		if err == nil && resp != nil && resp.Duration == 0 {
			resp.Duration = time.Since(start)
		}
		send(Chunk{Done: true, Response: resp, Err: err})
	}()

	return out
}
