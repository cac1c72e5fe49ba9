// Command loadtest hammers a running server with pairs of users doing
// the full E2EE flow: identity bootstrap, key wrapping, conversation
// creation, and a burst of encrypted messages that the peer decrypts on
// receipt. Start small; the database is usually the first thing to choke.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cipherchat/internal/auth"
	"cipherchat/internal/chat"
	"cipherchat/internal/client"
	"cipherchat/internal/keyring"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "websocket URL")
	secret    = flag.String("secret", "", "shared JWT secret")
	pairCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("msgs", 20, "messages per user")
	keyRoot   = flag.String("keys", "", "key directory root (default: temp)")
)

var decryptFailures atomic.Int64

func main() {
	flag.Parse()
	if *secret == "" {
		log.Fatal("-secret is required")
	}

	log.Printf("🔥 starting load test: %d users, %d messages each", *pairCount*2, *msgCount)
	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	if n := decryptFailures.Load(); n > 0 {
		log.Fatalf("❌ load test finished with %d decrypt failures", n)
	}
	log.Println("✅ load test complete, all received messages decrypted")
}

// runPair drives one conversation: user A creates it with a wrapped key
// for user B, then both sides send and decrypt concurrently.
func runPair(pairID int) {
	// User ids must not collide across pairs; offset well clear of any
	// real data.
	idA := 1_000_000 + pairID*2
	idB := idA + 1

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := newActor(ctx, idA, fmt.Sprintf("load_%d_a", pairID))
	if err != nil {
		log.Printf("❌ actor A setup [%d]: %v", pairID, err)
		return
	}
	defer a.conn.Close()

	b, err := newActor(ctx, idB, fmt.Sprintf("load_%d_b", pairID))
	if err != nil {
		log.Printf("❌ actor B setup [%d]: %v", pairID, err)
		return
	}
	defer b.conn.Close()

	// A wraps the conversation key for B and creates the conversation.
	keys, err := a.api.FetchPublicKeys(ctx, []int{idB})
	if err != nil || keys[idB] == "" {
		log.Printf("❌ fetch peer key [%d]: %v", pairID, err)
		return
	}
	envelopes, err := a.ring.WrapFor(map[int]string{idB: keys[idB]})
	if err != nil {
		log.Printf("❌ wrap [%d]: %v", pairID, err)
		return
	}
	participants := make([]chat.NewParticipant, 0, len(envelopes))
	for id, env := range envelopes {
		participants = append(participants, chat.NewParticipant{UserID: id, EncryptedKey: env})
	}
	conv, err := a.api.CreateConversation(ctx, chat.ConversationDirect, "", participants)
	if err != nil {
		log.Printf("❌ create conversation [%d]: %v", pairID, err)
		return
	}

	a.ring.Unlock(conv.ID, envelopes[idA])
	b.ring.Unlock(conv.ID, envelopes[idB])

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go a.spam(ctx, &wsWg, conv.ID)
	go b.spam(ctx, &wsWg, conv.ID)
	wsWg.Wait()
}

type actor struct {
	id   int
	api  *client.API
	ring *keyring.Manager
	conn *client.Conn
}

func newActor(ctx context.Context, userID int, username string) (*actor, error) {
	token, err := auth.NewService(*secret).Issue(userID, username)
	if err != nil {
		return nil, err
	}
	api := client.NewAPI(*baseURL, token)

	dir := *keyRoot
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cipherchat-load")
	}
	store, err := keyring.NewFileStore(filepath.Join(dir, fmt.Sprintf("%d", userID)))
	if err != nil {
		return nil, err
	}
	ring := keyring.NewManager(store, api)
	if err := ring.Bootstrap(ctx, userID); err != nil {
		return nil, err
	}

	conn, err := client.Dial(ctx, *wsURL, token)
	if err != nil {
		return nil, err
	}
	return &actor{id: userID, api: api, ring: ring, conn: conn}, nil
}

// spam subscribes, then sends encrypted messages while decrypting
// whatever arrives from the peer.
func (a *actor) spam(ctx context.Context, wg *sync.WaitGroup, convID int) {
	defer wg.Done()

	if err := a.conn.Subscribe(convID, a.id); err != nil {
		log.Printf("❌ subscribe [%d]: %v", a.id, err)
		return
	}

	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	go a.conn.Listen(listenCtx, func(frame chat.Frame) {
		if frame.Type != chat.FrameMessage || frame.SenderID == a.id {
			return
		}
		if _, err := a.ring.DecryptMessage(frame.ConversationID, frame.Content, frame.IV); err != nil {
			decryptFailures.Add(1)
			log.Printf("❌ decrypt failure [%d]: %v", a.id, err)
		}
	})

	for i := 0; i < *msgCount; i++ {
		content, iv, err := a.ring.EncryptMessage(convID, keyring.MessagePayload{
			Text: fmt.Sprintf("load message %d from %d", i, a.id),
		})
		if err != nil {
			log.Printf("❌ encrypt [%d]: %v", a.id, err)
			return
		}
		if err := a.conn.SendMessage(convID, a.id, content, iv); err != nil {
			log.Printf("❌ send [%d]: %v", a.id, err)
			return
		}
		// Small sleep to prevent instant localhost bottleneck.
		time.Sleep(10 * time.Millisecond)
	}

	// Give in-flight deliveries a moment before tearing down.
	time.Sleep(500 * time.Millisecond)
	log.Printf("✅ user %d finished sending %d msgs", a.id, *msgCount)
}
