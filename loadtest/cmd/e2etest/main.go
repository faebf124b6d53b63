// Package main is an end-to-end protocol test for the chat service. It
// runs scenario checks against a live server and prints PASS/FAIL per
// check:
//
//   - credential rejection before upgrade
//   - connected handshake
//   - join acknowledgment with peer presence
//   - send -> ack -> peer receive with ordered sequences
//   - sends to unknown or same-role peers fail with the right codes
//   - typing indicator relay and TTL expiry
//   - presence online/offline transitions
//   - REST history and participants directory
//
// The participants e2e-admin, e2e-user, and e2e-user-2 must be seeded
// in the directory before running.
//
// Usage:
//
//	e2etest -url ws://localhost:8080/ws -rest http://localhost:8080 -secret <jwt secret>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dealerhub/chat-service/loadtest/client"
	"github.com/dealerhub/chat-service/loadtest/token"
)

const (
	adminID = "e2e-admin"
	userID  = "e2e-user"
)

var (
	wsURL   = flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	restURL = flag.String("rest", "http://localhost:8080", "REST base URL")
	secret  = flag.String("secret", "", "JWT secret shared with the server (required)")

	passed int
	failed int
)

func check(name string, ok bool, detail string) {
	if ok {
		passed++
		fmt.Printf("  PASS  %s\n", name)
		return
	}
	failed++
	fmt.Printf("  FAIL  %s — %s\n", name, detail)
}

// waitFor polls until the probe returns true or the timeout elapses.
func waitFor(timeout time.Duration, probe func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probe() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func main() {
	flag.Parse()
	if *secret == "" {
		fmt.Println("e2etest: -secret is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("=== Chat service end-to-end protocol test ===")

	testAuthRejection(ctx)
	admin, user := testHandshake(ctx)
	if admin == nil || user == nil {
		fmt.Println("\nHandshake failed, aborting remaining checks.")
		report()
		return
	}
	defer admin.Close()
	defer user.Close()

	testJoin(admin, user)
	lastSeq := testMessageFlow(admin, user)
	testSendRejections(admin, user)
	testTyping(admin, user)
	testREST(lastSeq)
	testPresence(ctx, admin)

	report()
}

func report() {
	fmt.Printf("\n=== Results: %d passed, %d failed ===\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// mint signs a token or aborts the run.
func mint(id, role string) string {
	tok, err := token.Mint(*secret, id, role, id)
	if err != nil {
		fmt.Printf("token mint failed: %v\n", err)
		os.Exit(1)
	}
	return tok
}

func testAuthRejection(ctx context.Context) {
	fmt.Println("\n--- Credential checks ---")

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := client.New(dialCtx, *wsURL, "not-a-token")
	check("garbage token rejected before upgrade", err != nil, "dial succeeded with an invalid token")

	badTok, _ := token.Mint("wrong-secret", adminID, "admin", adminID)
	_, err = client.New(dialCtx, *wsURL, badTok)
	check("wrongly-signed token rejected", err != nil, "dial succeeded with a forged token")
}

func testHandshake(ctx context.Context) (*client.Client, *client.Client) {
	fmt.Println("\n--- Handshake ---")

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	admin, err := client.New(dialCtx, *wsURL, mint(adminID, "admin"))
	if err != nil {
		check("admin connects", false, err.Error())
		return nil, nil
	}
	user, err := client.New(dialCtx, *wsURL, mint(userID, "user"))
	if err != nil {
		check("user connects", false, err.Error())
		admin.Close()
		return nil, nil
	}

	okA := admin.WaitForConnected(dialCtx) == nil
	okU := user.WaitForConnected(dialCtx) == nil
	check("connected handshake carries identity",
		okA && okU && admin.ParticipantID() == adminID && user.ParticipantID() == userID,
		fmt.Sprintf("admin=%q user=%q", admin.ParticipantID(), user.ParticipantID()))

	return admin, user
}

func testJoin(admin, user *client.Client) {
	fmt.Println("\n--- Join ---")

	type joined struct {
		RoomKey string `json:"room_key"`
		PeerID  string `json:"peer_id"`
		Online  bool   `json:"online"`
	}
	var adminJoined, userJoined joined
	gotAdmin, gotUser := make(chan struct{}), make(chan struct{})

	admin.On(client.TypeJoined, func(raw json.RawMessage) {
		if json.Unmarshal(raw, &adminJoined) == nil {
			close(gotAdmin)
		}
	})
	user.On(client.TypeJoined, func(raw json.RawMessage) {
		if json.Unmarshal(raw, &userJoined) == nil {
			close(gotUser)
		}
	})

	admin.Join(userID)
	user.Join(adminID)

	ok := waitFor(5*time.Second, func() bool {
		select {
		case <-gotAdmin:
		default:
			return false
		}
		select {
		case <-gotUser:
			return true
		default:
			return false
		}
	})
	check("both sides receive joined", ok, "joined ack missing")
	check("both sides land in the same room",
		ok && adminJoined.RoomKey == userJoined.RoomKey && adminJoined.RoomKey != "",
		fmt.Sprintf("admin room=%q user room=%q", adminJoined.RoomKey, userJoined.RoomKey))
	check("peer shows online at join time", ok && adminJoined.Online,
		"user was connected but join reported offline")
}

func testMessageFlow(admin, user *client.Client) int64 {
	fmt.Println("\n--- Message flow ---")

	type ack struct {
		CorrelationID string `json:"correlation_id"`
		Message       struct {
			Sequence int64  `json:"sequence"`
			Content  string `json:"content"`
		} `json:"message"`
	}
	var acks []ack
	var received []int64

	admin.On(client.TypeMessageAck, func(raw json.RawMessage) {
		var a ack
		if json.Unmarshal(raw, &a) == nil {
			acks = append(acks, a)
		}
	})
	user.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				Sequence int64 `json:"sequence"`
			} `json:"message"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			received = append(received, msg.Message.Sequence)
		}
	})

	for i := 1; i <= 3; i++ {
		admin.SendChat(userID, fmt.Sprintf("e2e message %d", i), fmt.Sprintf("corr-%d", i))
	}

	ok := waitFor(5*time.Second, func() bool { return len(acks) == 3 && len(received) == 3 })
	check("3 sends produce 3 acks and 3 deliveries", ok,
		fmt.Sprintf("acks=%d received=%d", len(acks), len(received)))

	ordered := ok
	var last int64
	for _, a := range acks {
		if a.Message.Sequence <= last {
			ordered = false
		}
		last = a.Message.Sequence
	}
	check("sequences are strictly increasing", ordered, fmt.Sprintf("acks=%+v", acks))
	check("correlation ids echo back", ok && acks[0].CorrelationID == "corr-1",
		"ack missing the correlation id")

	return last
}

func testSendRejections(admin, user *client.Client) {
	fmt.Println("\n--- Send rejections ---")

	var failures []string
	admin.On(client.TypeMessageFailed, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			failures = append(failures, msg.Code)
		}
	})

	admin.SendChat("no-such-participant", "hello?", "corr-unknown")
	ok := waitFor(5*time.Second, func() bool { return len(failures) >= 1 })
	check("send to unknown peer fails as not_authorized",
		ok && failures[0] == "not_authorized",
		fmt.Sprintf("failures=%v", failures))

	failures = nil
	admin.SendChat(userID, "", "corr-empty")
	ok = waitFor(5*time.Second, func() bool { return len(failures) >= 1 })
	check("empty content fails as invalid_message",
		ok && failures[0] == "invalid_message",
		fmt.Sprintf("failures=%v", failures))
}

func testTyping(admin, user *client.Client) {
	fmt.Println("\n--- Typing indicator ---")

	var typing, stopped int
	user.On(client.TypePeerTyping, func(json.RawMessage) { typing++ })
	user.On(client.TypePeerStopTyping, func(json.RawMessage) { stopped++ })

	admin.Typing(userID)
	ok := waitFor(5*time.Second, func() bool { return typing >= 1 })
	check("typing reaches the peer", ok, "no peer_typing observed")

	admin.Send(map[string]string{"type": client.TypeStopTyping, "peer_id": userID})
	ok = waitFor(5*time.Second, func() bool { return stopped >= 1 })
	check("explicit stop reaches the peer", ok, "no peer_stop_typing observed")
}

func testREST(lastSeq int64) {
	fmt.Println("\n--- REST surface ---")

	httpc := &http.Client{Timeout: 10 * time.Second}
	adminTok := mint(adminID, "admin")

	req, _ := http.NewRequest(http.MethodGet, *restURL+"/chat/messages/"+userID, nil)
	req.Header.Set("Authorization", "Bearer "+adminTok)
	resp, err := httpc.Do(req)
	if err != nil {
		check("history fetch", false, err.Error())
	} else {
		var msgs []struct {
			Sequence int64 `json:"sequence"`
		}
		json.NewDecoder(resp.Body).Decode(&msgs)
		resp.Body.Close()
		check("history returns the conversation",
			resp.StatusCode == http.StatusOK && len(msgs) > 0 && msgs[len(msgs)-1].Sequence >= lastSeq,
			fmt.Sprintf("status=%d messages=%d", resp.StatusCode, len(msgs)))
	}

	req, _ = http.NewRequest(http.MethodGet, *restURL+"/chat/participants", nil)
	req.Header.Set("Authorization", "Bearer "+adminTok)
	resp, err = httpc.Do(req)
	if err != nil {
		check("participants directory", false, err.Error())
		return
	}
	var views []struct {
		ID     string `json:"id"`
		Online bool   `json:"online"`
	}
	json.NewDecoder(resp.Body).Decode(&views)
	resp.Body.Close()

	found := false
	for _, v := range views {
		if v.ID == userID && v.Online {
			found = true
		}
	}
	check("directory lists the connected user as online", found,
		fmt.Sprintf("status=%d entries=%d", resp.StatusCode, len(views)))

	req, _ = http.NewRequest(http.MethodGet, *restURL+"/chat/participants", nil)
	resp, err = httpc.Do(req)
	if err == nil {
		resp.Body.Close()
		check("REST rejects missing credential", resp.StatusCode == http.StatusUnauthorized,
			fmt.Sprintf("status=%d", resp.StatusCode))
	}
}

func testPresence(ctx context.Context, admin *client.Client) {
	fmt.Println("\n--- Presence transitions ---")

	var online, offline []string
	admin.On(client.TypeUserOnline, func(raw json.RawMessage) {
		var msg struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			online = append(online, msg.ID)
		}
	})
	admin.On(client.TypeUserOffline, func(raw json.RawMessage) {
		var msg struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			offline = append(offline, msg.ID)
		}
	})

	// A second user connection must not produce a fresh online event
	// while the first is still up; dropping both eventually produces
	// offline after the grace window.
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	second, err := client.New(dialCtx, *wsURL, mint("e2e-user-2", "user"))
	if err != nil {
		check("second user connects", false, err.Error())
		return
	}
	if err := second.WaitForConnected(dialCtx); err != nil {
		check("second user handshake", false, err.Error())
		second.Close()
		return
	}

	ok := waitFor(5*time.Second, func() bool {
		for _, id := range online {
			if id == "e2e-user-2" {
				return true
			}
		}
		return false
	})
	check("admin sees the new user come online", ok, fmt.Sprintf("online=%v", online))

	second.Close()
	ok = waitFor(15*time.Second, func() bool {
		for _, id := range offline {
			if id == "e2e-user-2" {
				return true
			}
		}
		return false
	})
	check("offline arrives after the grace window", ok, fmt.Sprintf("offline=%v", offline))
}
