package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DeliveryError は配信の失敗を表す。
// Permanent が true の場合（DM拒否・ユーザー不在など）は再試行しても成功しない。
type DeliveryError struct {
	UserID    string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "一時的"
	if e.Permanent {
		kind = "恒久的"
	}
	return fmt.Sprintf("DMの送信に失敗しました（%s）: user=%s: %v", kind, e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent は恒久的な配信失敗かを判定する。
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// Notifier はユーザーにDMを送るインターフェース。
type Notifier interface {
	SendDirectMessage(ctx context.Context, userID string, msg Message) error
}

// dmSession は配信に使うdiscordgo.Sessionのメソッド。
type dmSession interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier はDiscord Bot としてDMを送る。
type DiscordNotifier struct {
	session dmSession
	timeout time.Duration
	logger  *slog.Logger
}

var _ Notifier = (*DiscordNotifier)(nil)

// NewDiscordNotifier はBotトークンからDiscordNotifierを生成する。
// Gatewayには接続せず、REST APIのみを使う。
func NewDiscordNotifier(token string, httpClient *http.Client, timeout time.Duration, logger *slog.Logger) (*DiscordNotifier, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("Discordセッションの作成に失敗しました: %w", err)
	}
	if httpClient != nil {
		s.Client = httpClient
	}
	s.ShouldRetryOnRateLimit = true
	s.MaxRestRetries = 1
	return newDiscordNotifier(s, timeout, logger), nil
}

func newDiscordNotifier(s dmSession, timeout time.Duration, logger *slog.Logger) *DiscordNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DiscordNotifier{session: s, timeout: timeout, logger: logger}
}

// SendDirectMessage はユーザーとのDMチャンネルを開き、埋め込みメッセージを送る。
func (n *DiscordNotifier) SendDirectMessage(ctx context.Context, userID string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	ch, err := n.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return classify(userID, err)
	}

	_, err = n.session.ChannelMessageSendComplex(ch.ID, &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{toEmbed(msg)},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return classify(userID, err)
	}

	n.logger.Debug("DMを送信しました", slog.String("user_id", userID))
	return nil
}

// classify はDiscord APIのエラーを恒久的・一時的に振り分ける。
func classify(userID string, err error) error {
	return &DeliveryError{UserID: userID, Permanent: permanentError(err), Err: err}
}

func permanentError(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeCannotSendMessagesToThisUser, discordgo.ErrCodeUnknownUser:
			return true
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			return true
		}
	}
	return false
}

func toEmbed(msg Message) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       msg.Color,
	}
	for _, f := range msg.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if msg.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: msg.Footer}
	}
	if !msg.Timestamp.IsZero() {
		e.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	return e
}
