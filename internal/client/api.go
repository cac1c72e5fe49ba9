// Package client is the Go client for the chat core: the HTTP API for
// keys, conversations and history, and the realtime websocket channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"cipherchat/internal/chat"
)

// API talks to the authenticated HTTP surface. It satisfies
// keyring.Directory, so a keyring.Manager can bootstrap through it.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{baseURL: baseURL, token: token, http: http.DefaultClient}
}

func (a *API) UploadPublicKey(ctx context.Context, publicJWK string) error {
	return a.do(ctx, http.MethodPut, "/api/chat/keys",
		map[string]string{"publicKey": publicJWK}, nil)
}

func (a *API) FetchPublicKeys(ctx context.Context, userIDs []int) (map[int]string, error) {
	q := url.Values{}
	for _, id := range userIDs {
		q.Add("userIds", strconv.Itoa(id))
	}
	keys := make(map[int]string)
	if err := a.do(ctx, http.MethodGet, "/api/chat/keys?"+q.Encode(), nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (a *API) CreateConversation(ctx context.Context, convType, name string, participants []chat.NewParticipant) (*chat.Conversation, error) {
	body := map[string]any{
		"type":         convType,
		"name":         name,
		"participants": participants,
	}
	var resp struct {
		Conversation *chat.Conversation `json:"conversation"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/conversations", body, &resp); err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (a *API) ListConversations(ctx context.Context) ([]*chat.ConversationSummary, error) {
	var resp struct {
		Conversations []*chat.ConversationSummary `json:"conversations"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (a *API) ListMessages(ctx context.Context, conversationID, beforeID, limit int) ([]*chat.Message, error) {
	q := url.Values{}
	q.Set("conversationId", strconv.Itoa(conversationID))
	if beforeID > 0 {
		q.Set("beforeId", strconv.Itoa(beforeID))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Messages []*chat.Message `json:"messages"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (a *API) SearchUsers(ctx context.Context, query string) ([]struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}, error) {
	var users []struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
	}
	err := a.do(ctx, http.MethodGet, "/api/users/search?q="+url.QueryEscape(query), nil, &users)
	return users, err
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(data)
	} else {
		reader = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
