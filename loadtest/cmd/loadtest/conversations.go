package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dealerhub/chat-service/loadtest/client"
	"github.com/dealerhub/chat-service/loadtest/stats"
	"github.com/dealerhub/chat-service/loadtest/token"
)

// runConversations implements the conversation load test. It connects
// N admin/user pairs, each side joins the other, and both exchange
// messages at a fixed rate for the test duration. The harness measures
// the send -> ack round trip on the sender and the send -> receive
// latency on the peer (the send timestamp rides in the message body).
//
// Participant rows loadtest-admin-<i> and loadtest-user-<i> must exist
// in the directory before running; the relay rejects sends between
// unprovisioned participants.
func runConversations(args []string) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "Prometheus metrics URL (empty to disable scraping)")
	secret := fs.String("secret", "", "JWT secret shared with the server (required)")
	pairs := fs.Int("pairs", 100, "Number of admin/user pairs")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair keeps chatting")
	msgInterval := fs.Duration("msg-interval", 1*time.Second, "Interval between messages per sender")
	fs.Parse(args)

	if *secret == "" {
		fmt.Println("conversations: -secret is required")
		return
	}

	fmt.Printf("Conversation test: %d pairs against %s (duration=%s, msg-interval=%s)\n",
		*pairs, *url, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 5*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runPair(ctx, collector, *url, *secret, i, *duration, *msgInterval)
		}(i)
	}

	wg.Wait()
	collector.Report()
}

// runPair drives one admin/user conversation end to end.
func runPair(ctx context.Context, collector *stats.Collector, url, secret string, i int, duration, msgInterval time.Duration) {
	adminID := fmt.Sprintf("loadtest-admin-%d", i)
	userID := fmt.Sprintf("loadtest-user-%d", i)

	admin := connectParticipant(ctx, collector, url, secret, adminID, "admin")
	if admin == nil {
		return
	}
	defer admin.Close()

	user := connectParticipant(ctx, collector, url, secret, userID, "user")
	if user == nil {
		return
	}
	defer user.Close()

	attachChatHandlers(collector, admin)
	attachChatHandlers(collector, user)

	if err := admin.Join(userID); err != nil {
		collector.AddError()
		return
	}
	if err := user.Join(adminID); err != nil {
		collector.AddError()
		return
	}

	// Both sides chat until the clock runs out.
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(msgInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			seq++
			body := fmt.Sprintf("lt %d %d", seq, time.Now().UnixNano())
			corr := fmt.Sprintf("%s-%d", adminID, seq)
			if err := admin.SendChat(userID, body, corr); err != nil {
				collector.AddError()
				return
			}
			corr = fmt.Sprintf("%s-%d", userID, seq)
			if err := user.SendChat(adminID, body, corr); err != nil {
				collector.AddError()
				return
			}
		}
	}
}

// connectParticipant dials one authenticated connection and waits for
// the handshake.
func connectParticipant(ctx context.Context, collector *stats.Collector, url, secret, id, role string) *client.Client {
	tok, err := token.Mint(secret, id, role, id)
	if err != nil {
		collector.AddError()
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url, tok)
	if err != nil {
		collector.AddError()
		return nil
	}
	if err := c.WaitForConnected(connCtx); err != nil {
		collector.AddError()
		c.Close()
		return nil
	}

	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c
}

// attachChatHandlers records ack and delivery latencies from the
// message stream. The send timestamp is parsed out of the body for
// delivery latency; acks are correlated by the pending send map.
func attachChatHandlers(collector *stats.Collector, c *client.Client) {
	var mu sync.Mutex
	pending := make(map[string]time.Time)

	c.OnSend(func(correlationID string) {
		mu.Lock()
		pending[correlationID] = time.Now()
		mu.Unlock()
	})

	c.On(client.TypeMessageAck, func(raw json.RawMessage) {
		var msg struct {
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		mu.Lock()
		if start, ok := pending[msg.CorrelationID]; ok {
			delete(pending, msg.CorrelationID)
			collector.AddAckLatency(time.Since(start))
		}
		mu.Unlock()
	})

	c.On(client.TypeMessageFailed, func(json.RawMessage) {
		collector.AddError()
	})

	c.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if ns, ok := parseSendTimestamp(msg.Message.Content); ok {
			collector.AddDeliverLatency(time.Since(time.Unix(0, ns)))
		}
	})
}

// parseSendTimestamp extracts the UnixNano timestamp from a "lt <seq>
// <nanos>" test message body.
func parseSendTimestamp(content string) (int64, bool) {
	fields := strings.Fields(content)
	if len(fields) != 3 || fields[0] != "lt" {
		return 0, false
	}
	ns, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return ns, true
}
