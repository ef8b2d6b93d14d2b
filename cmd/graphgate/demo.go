package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/graphgate/graphgate/internal/engine"
	"github.com/graphgate/graphgate/internal/language"
)

// The demo engine serves a small chat schema so the gateway runs out of
// the box: queries and mutations over an in-memory message log, and a
// messageAdded subscription fed by postMessage.
const demoSDL = `type Query {
  messages(channel: String): [Message!]!
  channels: [String!]!
}

type Mutation {
  postMessage(channel: String!, text: String!): Message!
}

type Subscription {
  messageAdded(channel: String): Message!
}

type Message {
  id: ID!
  channel: String!
  text: String!
  postedAt: String!
}
`

func demoEngine() (*language.Schema, *engine.ResolverEngine, error) {
	sch, err := language.LoadSchema("demo.graphql", demoSDL)
	if err != nil {
		return nil, nil, err
	}
	b := newBroker()
	eng := engine.NewResolverEngine(map[string]engine.Resolver{
		"Query.messages": func(ctx context.Context, src any, args map[string]any) (any, error) {
			channel, _ := args["channel"].(string)
			return b.list(channel), nil
		},
		"Query.channels": func(ctx context.Context, src any, args map[string]any) (any, error) {
			return b.channelNames(), nil
		},
		"Mutation.postMessage": func(ctx context.Context, src any, args map[string]any) (any, error) {
			channel, _ := args["channel"].(string)
			text, _ := args["text"].(string)
			if channel == "" || text == "" {
				return nil, fmt.Errorf("channel and text are required")
			}
			return b.post(channel, text), nil
		},
	})
	eng.SetSource("messageAdded", b.source)
	return sch, eng, nil
}

type demoSub struct {
	ch      chan any
	channel string
}

// broker is the demo's in-memory message log and fan-out hub.
type broker struct {
	mu       sync.Mutex
	nextID   int
	nextSub  int
	messages []map[string]any
	subs     map[int]demoSub
}

func newBroker() *broker {
	b := &broker{subs: map[int]demoSub{}}
	b.post("general", "welcome to graphgate")
	b.post("general", "post a message to see messageAdded fire")
	return b
}

func (b *broker) post(channel, text string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	msg := map[string]any{
		"id":       strconv.Itoa(b.nextID),
		"channel":  channel,
		"text":     text,
		"postedAt": time.Now().UTC().Format(time.RFC3339),
	}
	b.messages = append(b.messages, msg)
	for _, s := range b.subs {
		if s.channel != "" && s.channel != channel {
			continue
		}
		select {
		case s.ch <- msg:
		default: // never let a stalled subscriber block a mutation
		}
	}
	return msg
}

func (b *broker) list(channel string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, 0, len(b.messages))
	for _, msg := range b.messages {
		if channel != "" && msg["channel"] != channel {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (b *broker) channelNames() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	seen := map[string]bool{}
	for _, msg := range b.messages {
		name := msg["channel"].(string)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// source registers a subscriber; the registration is dropped when ctx
// ends. The channel is never closed: message streams end client-side.
func (b *broker) source(ctx context.Context, args map[string]any) (<-chan any, error) {
	channel, _ := args["channel"].(string)
	ch := make(chan any, 8)
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = demoSub{ch: ch, channel: channel}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return ch, nil
}
