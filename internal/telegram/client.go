// Package telegram is the messaging transport: a thin wrapper over the Bot
// API client used for notices, kicks, membership checks and update intake.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	pollTimeoutSeconds = 50
	httpTimeout        = 70 * time.Second
)

// AllowedUpdates lists the update kinds the bot consumes. chat_member is not
// delivered unless requested explicitly.
var AllowedUpdates = []string{
	tgbotapi.UpdateTypeMessage,
	tgbotapi.UpdateTypeCallbackQuery,
	tgbotapi.UpdateTypeChatMember,
}

var memberStatuses = map[string]bool{
	"creator":       true,
	"administrator": true,
	"member":        true,
	"restricted":    true,
}

type Client struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

// New connects to the Bot API. httpClient may be nil.
func New(token string, httpClient tgbotapi.HTTPClient, logger *zap.Logger) (*Client, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint, httpClient, logger)
}

func NewWithEndpoint(token, endpoint string, httpClient tgbotapi.HTTPClient, logger *zap.Logger) (*Client, error) {
	if token == "" {
		return nil, errors.New("bot token is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpTimeout}
	}
	_ = tgbotapi.SetLogger(zap.NewStdLog(logger.Named("tgbotapi")))
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}
	return &Client{api: api, logger: logger}, nil
}

func (c *Client) Username() string {
	return c.api.Self.UserName
}

// Send delivers any prepared Bot API message.
func (c *Client) Send(_ context.Context, msg tgbotapi.Chattable) error {
	_, err := c.api.Send(msg)
	return err
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	return c.Send(ctx, msg)
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	return c.Send(ctx, doc)
}

// Kick removes a user without leaving a permanent ban behind, so a later
// payment lets them rejoin.
func (c *Client) Kick(_ context.Context, chatID, userID int64) error {
	member := tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID}
	if _, err := c.api.Request(tgbotapi.BanChatMemberConfig{ChatMemberConfig: member}); err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	if _, err := c.api.Request(tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: member, OnlyIfBanned: true}); err != nil {
		return fmt.Errorf("unban: %w", err)
	}
	return nil
}

func (c *Client) IsMember(_ context.Context, chatID, userID int64) (bool, error) {
	m, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return false, err
	}
	return memberStatuses[m.Status], nil
}

// Answer acknowledges a callback query.
func (c *Client) Answer(_ context.Context, callbackID, text string, alert bool) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	cb.ShowAlert = alert
	_, err := c.api.Request(cb)
	return err
}

// SetWebhook registers url. A non-empty secret is echoed back by Telegram in
// the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(_ context.Context, url, secret string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("url", url)
	params.AddNonEmpty("secret_token", secret)
	if err := params.AddInterface("allowed_updates", AllowedUpdates); err != nil {
		return err
	}
	_, err := c.api.MakeRequest("setWebhook", params)
	return err
}

func (c *Client) DeleteWebhook(_ context.Context) error {
	_, err := c.api.Request(tgbotapi.DeleteWebhookConfig{})
	return err
}

// Updates long-polls until ctx is done.
func (c *Client) Updates(ctx context.Context) <-chan tgbotapi.Update {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	cfg.AllowedUpdates = AllowedUpdates
	ch := c.api.GetUpdatesChan(cfg)
	go func() {
		<-ctx.Done()
		c.api.StopReceivingUpdates()
	}()
	return ch
}

// DecodeUpdate reads a webhook delivery.
func DecodeUpdate(r *http.Request) (tgbotapi.Update, error) {
	var update tgbotapi.Update
	if r.Method != http.MethodPost {
		return update, errors.New("telegram update must be POSTed")
	}
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		return update, fmt.Errorf("decode update: %w", err)
	}
	return update, nil
}
