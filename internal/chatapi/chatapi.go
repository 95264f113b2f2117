// Package chatapi implements the chat-platform HTTP client the
// orchestrator uses to exchange updates with users: send/edit/delete
// message, send document, send invoice, and answer pre-checkout (spec.md
// §6). All requests use a default 30s timeout; downloads use 60s;
// chat-action ("typing") notices fire with a 2s timeout and are not
// awaited for their result.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// MaxMessageLength is the boundary spec.md §6 splits long result text at.
const MaxMessageLength = 4096

const (
	defaultTimeout    = 30 * time.Second
	downloadTimeout   = 60 * time.Second
	chatActionTimeout = 2 * time.Second
)

// Update is the inbound payload the webhook surface accepts: a message or
// a callback, never both (spec.md §6).
type Update struct {
	UpdateID int64     `json:"update_id"`
	Message  *Message  `json:"message,omitempty"`
	Callback *Callback `json:"callback_query,omitempty"`
}

// Message is the subset of an inbound chat message this system consumes.
type Message struct {
	MessageID    int64   `json:"message_id"`
	ChatID       int64   `json:"chat_id"`
	FromID       int64   `json:"from_id"`
	Text         string  `json:"text,omitempty"`
	FileID       string  `json:"file_id,omitempty"`
	FileName     string  `json:"file_name,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	MediaGroupID string  `json:"media_group_id,omitempty"`
}

// Callback is an inbound callback query (e.g. inline-button press).
type Callback struct {
	ID     string `json:"id"`
	ChatID int64  `json:"chat_id"`
	FromID int64  `json:"from_id"`
	Data   string `json:"data"`
}

// Client is an HTTP client bound to one chat platform bot token.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client, primarily for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New creates a Client against baseURL (the platform's bot API root,
// already including the token path segment).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

func (c *Client) post(ctx context.Context, timeout time.Duration, method string, body io.Reader, contentType string) (*apiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("chatapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatapi: %s: request failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chatapi: %s: read response: %w", method, err)
	}

	var out apiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("chatapi: %s: parse response: %w", method, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("chatapi: %s: %s", method, out.Description)
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chatapi: %s: marshal payload: %w", method, err)
	}
	return c.post(ctx, defaultTimeout, method, bytes.NewReader(body), "application/json")
}

// SentMessage is the platform-assigned identity of a message this client
// sent, needed for later Edit/Delete calls.
type SentMessage struct {
	MessageID int64 `json:"message_id"`
}

// SendMessageOptions controls formatting of an outgoing text message.
type SendMessageOptions struct {
	// HTML requests HTML parse mode, used when code_tags delivers
	// monospace-wrapped text (spec.md §6 user-settings table).
	HTML bool
}

// SendMessage delivers text to chatID, splitting at [MaxMessageLength]
// boundaries when it exceeds that length and returning the identity of
// every chunk sent, in send order.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendMessageOptions) ([]SentMessage, error) {
	var sent []SentMessage
	for _, chunk := range splitMessage(text, MaxMessageLength) {
		payload := map[string]any{"chat_id": chatID, "text": chunk}
		if opts.HTML {
			payload["parse_mode"] = "HTML"
		}
		resp, err := c.postJSON(ctx, "sendMessage", payload)
		if err != nil {
			return sent, err
		}
		var m SentMessage
		if err := json.Unmarshal(resp.Result, &m); err != nil {
			return sent, fmt.Errorf("chatapi: sendMessage: parse result: %w", err)
		}
		sent = append(sent, m)
	}
	return sent, nil
}

// EditMessage replaces the text of a previously sent message.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string, opts SendMessageOptions) error {
	payload := map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}
	if opts.HTML {
		payload["parse_mode"] = "HTML"
	}
	_, err := c.postJSON(ctx, "editMessageText", payload)
	return err
}

// DeleteMessage removes a previously sent message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.postJSON(ctx, "deleteMessage", map[string]any{"chat_id": chatID, "message_id": messageID})
	return err
}

// SendDocument uploads a file as a document attachment, the long_text_mode
// "file" delivery path of spec.md §6.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("chat_id", fmt.Sprintf("%d", chatID)); err != nil {
		return fmt.Errorf("chatapi: sendDocument: write chat_id: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return fmt.Errorf("chatapi: sendDocument: write caption: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return fmt.Errorf("chatapi: sendDocument: create form file: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return fmt.Errorf("chatapi: sendDocument: write content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("chatapi: sendDocument: close multipart writer: %w", err)
	}

	_, err = c.post(ctx, downloadTimeout, "sendDocument", &body, mw.FormDataContentType())
	return err
}

// SendInvoice issues a payment invoice for minute-balance purchase.
func (c *Client) SendInvoice(ctx context.Context, chatID int64, title, description, payload, currency string, amountMinorUnits int64) error {
	_, err := c.postJSON(ctx, "sendInvoice", map[string]any{
		"chat_id":     chatID,
		"title":       title,
		"description": description,
		"payload":     payload,
		"currency":    currency,
		"prices":      []map[string]any{{"label": title, "amount": amountMinorUnits}},
	})
	return err
}

// AnswerPreCheckout responds to a pre-checkout query, either approving or
// rejecting the purchase with an error message.
func (c *Client) AnswerPreCheckout(ctx context.Context, preCheckoutQueryID string, ok bool, errorMessage string) error {
	payload := map[string]any{"pre_checkout_query_id": preCheckoutQueryID, "ok": ok}
	if !ok && errorMessage != "" {
		payload["error_message"] = errorMessage
	}
	_, err := c.postJSON(ctx, "answerPreCheckoutQuery", payload)
	return err
}

// SendChatAction fires a "typing"/"upload_document" indicator. It is
// fire-and-forget: callers should not block on its result, and a short
// 2s timeout bounds the underlying request regardless of caller context.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) {
	ctx, cancel := context.WithTimeout(ctx, chatActionTimeout)
	defer cancel()
	_, _ = c.postJSON(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action})
}

// ResolveFileURL turns a platform file id into a fetchable URL: getFile
// returns the file's storage path, which is then joined onto the client's
// file-serving root.
func (c *Client) ResolveFileURL(ctx context.Context, fileID string) (string, error) {
	resp, err := c.postJSON(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return "", fmt.Errorf("chatapi: resolve file url: %w", err)
	}
	var out struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return "", fmt.Errorf("chatapi: resolve file url: parse result: %w", err)
	}
	if out.FilePath == "" {
		return "", fmt.Errorf("chatapi: resolve file url: empty file_path for %q", fileID)
	}
	return c.baseURL + "/file/" + out.FilePath, nil
}

// DownloadFile retrieves file content from fileURL (such as the URL
// [Client.ResolveFileURL] returns), used to pull audio the user sent into
// local storage before transcoding.
func (c *Client) DownloadFile(ctx context.Context, fileURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("chatapi: download: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatapi: download: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chatapi: download: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chatapi: download: read body: %w", err)
	}
	return data, nil
}

// splitMessage breaks text into chunks of at most maxLen runes, preferring
// to break at the last newline within a chunk so paragraphs stay intact.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
