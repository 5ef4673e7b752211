// Package realtime provides a reconnecting WebSocket client for chat-style
// realtime servers.
//
// A single Client owns one logical connection and is shared by every consumer
// in the process. It handles:
//   - Automatic reconnection with capped exponential backoff and jitter
//   - Ordered delivery while connected, and a priority queue while offline
//   - Publish/subscribe dispatch of inbound events, with once handlers
//   - Heartbeat pings with latency measurement and dead connection detection
//   - A state stream describing status, attempts, latency and queue depth
//
// Basic usage:
//
//	c, err := realtime.New(realtime.Config{
//	    URL:   "wss://chat.example.com/api/v1/ws",
//	    Token: token,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Shutdown()
//
//	c.On("chat:message", func(m realtime.Message) {
//	    fmt.Printf("got %s\n", m.Data)
//	})
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	c.Send("chat:message", map[string]string{"text": "hello"})
//
// Handlers run on the connection's reader goroutine, one message at a time,
// so a slow handler delays later messages. State listeners run on whichever
// goroutine made the change and must not block.
package realtime
