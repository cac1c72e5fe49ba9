// Command chat is a terminal client: it bootstraps a local identity,
// unlocks conversation keys, and sends/receives encrypted messages over
// the realtime channel. Useful for poking at a running server without a
// browser client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"cipherchat/internal/auth"
	"cipherchat/internal/chat"
	"cipherchat/internal/client"
	"cipherchat/internal/keyring"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "websocket URL")
	userID := flag.Int("user", 0, "user id to act as")
	username := flag.String("name", "", "username to act as")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "shared JWT secret for minting a session token")
	keyDir := flag.String("keys", defaultKeyDir(), "directory for local identity keys")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if *userID == 0 || *username == "" || *secret == "" {
		log.Fatal().Msg("-user, -name and -secret are required")
	}

	token, err := auth.NewService(*secret).Issue(*userID, *username)
	if err != nil {
		log.Fatal().Err(err).Msg("could not mint session token")
	}

	ctx := context.Background()
	api := client.NewAPI(*server, token)

	store, err := keyring.NewFileStore(*keyDir)
	if err != nil {
		log.Fatal().Err(err).Msg("key store unavailable")
	}
	ring := keyring.NewManager(store, api)
	if err := ring.Bootstrap(ctx, *userID); err != nil {
		log.Fatal().Err(err).Msg("identity bootstrap failed")
	}
	log.Info().Int("user", *userID).Msg("identity ready")

	conn, err := client.Dial(ctx, *wsURL, token)
	if err != nil {
		log.Fatal().Err(err).Msg("realtime connect failed")
	}
	defer conn.Close()

	// Unlock and subscribe everything we are part of.
	summaries, err := api.ListConversations(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("could not list conversations")
	}
	for _, s := range summaries {
		state := ring.Unlock(s.ID, s.EncryptedKey)
		fmt.Printf("conversation %d (%s): %s\n", s.ID, s.Type, state)
		if err := conn.Subscribe(s.ID, *userID); err != nil {
			log.Fatal().Err(err).Msg("subscribe failed")
		}
	}

	// A clean /quit cancels the listen loop before the connection drops,
	// so its exit is not mistaken for a transport failure.
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()

	go func() {
		err := conn.Listen(listenCtx, func(frame chat.Frame) {
			switch frame.Type {
			case chat.FrameMessage:
				payload, err := ring.DecryptMessage(frame.ConversationID, frame.Content, frame.IV)
				if err != nil {
					fmt.Printf("[%d] user %d: %s\n", frame.ConversationID, frame.SenderID, keyring.PlaceholderText)
					return
				}
				fmt.Printf("[%d] user %d: %s\n", frame.ConversationID, frame.SenderID, payload.Text)
			case chat.FrameStatus:
				fmt.Printf("[%d] user %d is %s\n", frame.ConversationID, frame.UserID, frame.Status)
			case chat.FrameRead:
				fmt.Printf("[%d] user %d read up to %v\n", frame.ConversationID, frame.UserID, frame.LastReadAt)
			}
		})
		if listenCtx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("listen loop ended")
		os.Exit(1)
	}()

	fmt.Println(`commands:
  /new <userId>           start a direct conversation
  /msg <convId> <text>    send a message
  /read <convId>          mark conversation read
  /quit`)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/new "):
			peerID, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/new ")))
			if err != nil {
				fmt.Println("usage: /new <userId>")
				continue
			}
			startConversation(ctx, api, ring, conn, *userID, peerID)
		case strings.HasPrefix(line, "/msg "):
			parts := strings.SplitN(strings.TrimPrefix(line, "/msg "), " ", 2)
			if len(parts) != 2 {
				fmt.Println("usage: /msg <convId> <text>")
				continue
			}
			convID, err := strconv.Atoi(parts[0])
			if err != nil {
				fmt.Println("usage: /msg <convId> <text>")
				continue
			}
			content, iv, err := ring.EncryptMessage(convID, keyring.MessagePayload{Text: parts[1]})
			if err != nil {
				fmt.Printf("cannot encrypt for conversation %d: %v\n", convID, err)
				continue
			}
			if err := conn.SendMessage(convID, *userID, content, iv); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/read "):
			convID, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/read ")))
			if err != nil {
				fmt.Println("usage: /read <convId>")
				continue
			}
			if err := conn.SendRead(convID, *userID); err != nil {
				fmt.Printf("read failed: %v\n", err)
			}
		case line == "":
		default:
			fmt.Println("unknown command")
		}
	}
}

func startConversation(ctx context.Context, api *client.API, ring *keyring.Manager, conn *client.Conn, selfID, peerID int) {
	keys, err := api.FetchPublicKeys(ctx, []int{peerID})
	if err != nil {
		fmt.Printf("could not fetch peer key: %v\n", err)
		return
	}
	peerKey, ok := keys[peerID]
	if !ok {
		fmt.Printf("user %d has no published identity key yet\n", peerID)
		return
	}

	envelopes, err := ring.WrapFor(map[int]string{peerID: peerKey})
	if err != nil {
		fmt.Printf("key wrapping failed: %v\n", err)
		return
	}

	participants := make([]chat.NewParticipant, 0, len(envelopes))
	for id, env := range envelopes {
		participants = append(participants, chat.NewParticipant{UserID: id, EncryptedKey: env})
	}

	conv, err := api.CreateConversation(ctx, chat.ConversationDirect, "", participants)
	if err != nil {
		fmt.Printf("create conversation failed: %v\n", err)
		return
	}

	ring.Unlock(conv.ID, envelopes[selfID])
	if err := conn.Subscribe(conv.ID, selfID); err != nil {
		fmt.Printf("subscribe failed: %v\n", err)
		return
	}
	fmt.Printf("conversation %d ready\n", conv.ID)
}

func defaultKeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cipherchat"
	}
	return filepath.Join(home, ".cipherchat", "keys")
}
