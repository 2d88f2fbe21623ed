package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
)

const (
	telegramAPIBase = "https://api.telegram.org"

	// longPollTimeout is the getUpdates server-side wait.
	longPollTimeout = 30 * time.Second

	telegramMinBackoff = 1 * time.Second
	telegramMaxBackoff = 60 * time.Second

	// telegramTextLimit is the Bot API message size cap.
	telegramTextLimit = 4096
)

// Telegram talks to the Telegram Bot API directly: long-polling getUpdates
// for inbound traffic, sendMessage with inline keyboards for outbound.
type Telegram struct {
	id      string
	token   string
	apiBase string
	reg     *config.Registry
	http    *http.Client
	logger  *logger.Logger

	mu       sync.Mutex
	handler  InboundHandler
	listener StateListener
	cancel   context.CancelFunc
	done     chan struct{}

	// knownChats tracks every chat the bot has seen, persisted to config
	// so channel ids survive restarts and can be bound by name later.
	knownChats map[string]string
}

func newTelegram(id string, cfg config.ConnectorConfig, reg *config.Registry, log *logger.Logger) (Connector, error) {
	token := cfg.Credentials["token"]
	if token == "" {
		return nil, fmt.Errorf("%w: telegram needs credentials.token", ErrMissingCredentials)
	}

	t := &Telegram{
		id:      id,
		token:   token,
		apiBase: telegramAPIBase,
		reg:     reg,
		http: &http.Client{
			// Must exceed the long-poll wait or every poll times out.
			Timeout: longPollTimeout + 15*time.Second,
		},
		logger:     log.WithFields(zap.String("connector_id", id), zap.String("type", "telegram")),
		knownChats: make(map[string]string),
	}
	t.loadKnownChats(cfg)
	return t, nil
}

func (t *Telegram) ID() string   { return t.id }
func (t *Telegram) Type() string { return "telegram" }

func (t *Telegram) SetInboundHandler(h InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Telegram) SetStateListener(l StateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

func (t *Telegram) reportState(s State) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l(s)
	}
}

// Start launches the long-poll loop.
func (t *Telegram) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	// Fail fast on a bad token before going async.
	if err := t.call(ctx, "getMe", nil, nil); err != nil {
		cancel()
		return fmt.Errorf("telegram getMe: %w", err)
	}

	go t.pollLoop(runCtx)
	return nil
}

// Stop ends the poll loop and waits for it to drain.
func (t *Telegram) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// pollLoop long-polls getUpdates, backing off on platform errors.
func (t *Telegram) pollLoop(ctx context.Context) {
	defer close(t.done)

	offset := int64(0)
	backoff := telegramMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := t.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("getUpdates failed, backing off",
				zap.Duration("backoff", backoff), zap.Error(err))
			t.reportState(StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > telegramMaxBackoff {
				backoff = telegramMaxBackoff
			}
			continue
		}
		backoff = telegramMinBackoff
		t.reportState(StateRunning)

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			t.dispatch(ctx, u)
		}
	}
}

// --- Bot API wire types (only the fields we read) ---

type tgUpdate struct {
	UpdateID int64       `json:"update_id"`
	Message  *tgMessage  `json:"message"`
	Callback *tgCallback `json:"callback_query"`
}

type tgMessage struct {
	MessageID int64       `json:"message_id"`
	From      *tgUser     `json:"from"`
	Chat      tgChat      `json:"chat"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Photo     []tgFileRef `json:"photo"`
	Document  *tgDocument `json:"document"`
	Voice     *tgFileRef  `json:"voice"`
	Video     *tgFileRef  `json:"video"`
}

type tgUser struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type tgChat struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type tgFileRef struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

type tgCallback struct {
	ID      string     `json:"id"`
	From    *tgUser    `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	var updates []tgUpdate
	err := t.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(longPollTimeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}, &updates)
	return updates, err
}

// dispatch converts one update into an Inbound message.
func (t *Telegram) dispatch(ctx context.Context, u tgUpdate) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return
	}

	if u.Callback != nil {
		if u.Callback.Message == nil {
			return
		}
		chatID := strconv.FormatInt(u.Callback.Message.Chat.ID, 10)
		t.rememberChat(u.Callback.Message.Chat)
		// Ack so the client stops showing a spinner.
		_ = t.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": u.Callback.ID}, nil)
		handler(ctx, Inbound{
			ConnectorID: t.id,
			ChannelID:   chatID,
			Sender:      senderName(u.Callback.From),
			Callback:    u.Callback.Data,
		})
		return
	}

	if u.Message == nil {
		return
	}
	msg := u.Message
	t.rememberChat(msg.Chat)

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	inbound := Inbound{
		ConnectorID: t.id,
		ChannelID:   strconv.FormatInt(msg.Chat.ID, 10),
		ChannelName: msg.Chat.Title,
		Sender:      senderName(msg.From),
		Text:        text,
	}
	inbound.Attachments = t.downloadAttachments(ctx, msg)
	handler(ctx, inbound)
}

func senderName(u *tgUser) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

// downloadAttachments fetches any file payloads on the message.
func (t *Telegram) downloadAttachments(ctx context.Context, msg *tgMessage) []Attachment {
	var refs []struct {
		fileID string
		name   string
	}
	if msg.Document != nil {
		refs = append(refs, struct {
			fileID string
			name   string
		}{msg.Document.FileID, msg.Document.FileName})
	}
	if len(msg.Photo) > 0 {
		// Telegram sends several resolutions; the last is the largest.
		best := msg.Photo[len(msg.Photo)-1]
		refs = append(refs, struct {
			fileID string
			name   string
		}{best.FileID, fmt.Sprintf("photo_%d.jpg", msg.MessageID)})
	}
	if msg.Voice != nil {
		refs = append(refs, struct {
			fileID string
			name   string
		}{msg.Voice.FileID, fmt.Sprintf("voice_%d.ogg", msg.MessageID)})
	}
	if msg.Video != nil {
		refs = append(refs, struct {
			fileID string
			name   string
		}{msg.Video.FileID, fmt.Sprintf("video_%d.mp4", msg.MessageID)})
	}

	var atts []Attachment
	for _, ref := range refs {
		data, err := t.downloadFile(ctx, ref.fileID)
		if err != nil {
			t.logger.Warn("Failed to download attachment", zap.Error(err))
			continue
		}
		atts = append(atts, Attachment{Filename: ref.name, Data: data})
	}
	return atts
}

func (t *Telegram) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := t.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", t.apiBase, t.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// SendText posts a message, chunked to the API limit, with an optional
// inline keyboard on the final chunk.
func (t *Telegram) SendText(ctx context.Context, channelID, text string, buttons ...Button) error {
	chunks := chunkText(text, telegramTextLimit)
	for i, chunk := range chunks {
		params := map[string]any{
			"chat_id": channelID,
			"text":    chunk,
		}
		if i == len(chunks)-1 && len(buttons) > 0 {
			var row []map[string]string
			for _, b := range buttons {
				row = append(row, map[string]string{"text": b.Label, "callback_data": b.Action})
			}
			params["reply_markup"] = map[string]any{"inline_keyboard": [][]map[string]string{row}}
		}
		if err := t.call(ctx, "sendMessage", params, nil); err != nil {
			return err
		}
	}
	return nil
}

// SendMedia posts a file with an optional caption. The Bot API method and
// form field depend on the media type; anything unrecognized goes out as a
// document.
func (t *Telegram) SendMedia(ctx context.Context, channelID, caption string, att Attachment) error {
	method, field := mediaMethod(att.MimeType)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", channelID); err != nil {
		return err
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile(field, att.Filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(att.Data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, data)
	}
	return nil
}

func mediaMethod(mimeType string) (method, field string) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "sendPhoto", "photo"
	case strings.HasPrefix(mimeType, "video/"):
		return "sendVideo", "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "sendAudio", "audio"
	default:
		return "sendDocument", "document"
	}
}

// ValidateChannel checks that the bot can see the chat.
func (t *Telegram) ValidateChannel(ctx context.Context, channelID string) error {
	return t.call(ctx, "getChat", map[string]any{"chat_id": channelID}, nil)
}

// ListChannels returns the chats the bot has seen so far.
func (t *Telegram) ListChannels(context.Context) ([]ChannelInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChannelInfo, 0, len(t.knownChats))
	for id, name := range t.knownChats {
		out = append(out, ChannelInfo{ID: id, Name: name})
	}
	return out, nil
}

// rememberChat records a newly seen chat and persists it to the config file
// so it can be bound without digging ids out of logs.
func (t *Telegram) rememberChat(chat tgChat) {
	id := strconv.FormatInt(chat.ID, 10)
	name := chat.Title
	if name == "" {
		name = chat.Type + " " + id
	}

	t.mu.Lock()
	if existing, ok := t.knownChats[id]; ok && existing == name {
		t.mu.Unlock()
		return
	}
	t.knownChats[id] = name
	snapshot := make(map[string]any, len(t.knownChats))
	for k, v := range t.knownChats {
		snapshot[k] = v
	}
	t.mu.Unlock()

	t.reg.Update(func(cfg *config.Config) {
		connectors := make(map[string]config.ConnectorConfig, len(cfg.Connectors))
		for cid, c := range cfg.Connectors {
			connectors[cid] = c
		}
		c := connectors[t.id]
		settings := make(map[string]any, len(c.Settings)+1)
		for k, v := range c.Settings {
			settings[k] = v
		}
		settings["knownChats"] = snapshot
		c.Settings = settings
		connectors[t.id] = c
		cfg.Connectors = connectors
	})
	if err := t.reg.Save(); err != nil {
		t.logger.Warn("Failed to persist known chats", zap.Error(err))
	}
	t.logger.Info("Learned new chat", zap.String("chat_id", id), zap.String("name", name))
}

func (t *Telegram) loadKnownChats(cfg config.ConnectorConfig) {
	raw, ok := cfg.Settings["knownChats"].(map[string]any)
	if !ok {
		return
	}
	for id, name := range raw {
		if s, ok := name.(string); ok {
			t.knownChats[id] = s
		}
	}
}

// call invokes one Bot API method and decodes its result into out.
func (t *Telegram) call(ctx context.Context, method string, params map[string]any, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)

	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s: %s", method, envelope.Description)
	}
	if out != nil && envelope.Result != nil {
		return json.Unmarshal(envelope.Result, out)
	}
	return nil
}

// chunkText splits text into API-sized pieces, preferring newline breaks
// and never cutting inside a multi-byte rune.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := lastIndexByteBefore(text, '\n', limit); idx > limit/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func lastIndexByteBefore(s string, b byte, limit int) int {
	for i := limit - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
