package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/semmidev/custos/internal/config"
)

// Bot API limit for documents sent by bots.
const maxDocumentSize = 50 * 1000 * 1000

type TelegramStorage struct {
	bot        *tgbotapi.BotAPI
	chatID     int64
	sendFile   bool
	notifyOnly bool
}

func NewTelegram(cfg *config.UploadTarget) (*TelegramStorage, error) {
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat_id %q: %w", cfg.ChatID, err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramStorage{
		bot:        bot,
		chatID:     chatID,
		sendFile:   cfg.SendFile,
		notifyOnly: cfg.NotifyOnly,
	}, nil
}

func (t *TelegramStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fileInfo, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if !t.attach(fileInfo.Size()) {
		msg := tgbotapi.NewMessage(t.chatID, archiveMessage(remoteName, fileInfo.Size(), fileInfo.ModTime()))
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("failed to send telegram notification: %w", err)
		}
		return nil
	}

	doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FilePath(localPath))
	doc.Caption = fmt.Sprintf("📦 Backup: %s (%s)", remoteName, humanize.Bytes(uint64(fileInfo.Size())))

	if _, err := t.bot.Send(doc); err != nil {
		return fmt.Errorf("failed to send telegram file: %w", err)
	}

	return nil
}

// Telegram keeps no listable history for bots.
func (t *TelegramStorage) List(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

func (t *TelegramStorage) Delete(ctx context.Context, remoteName string) error {
	return nil
}

func (t *TelegramStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	return []string{}, nil
}

func (t *TelegramStorage) SendNotification(message string) error {
	msg := tgbotapi.NewMessage(t.chatID, message)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}
	return nil
}

func (t *TelegramStorage) attach(size int64) bool {
	return t.sendFile && !t.notifyOnly && size <= maxDocumentSize
}

func archiveMessage(name string, size int64, modified time.Time) string {
	return fmt.Sprintf(
		"✅ Backup Shipped\n\n"+
			"📁 File: %s\n"+
			"📊 Size: %s\n"+
			"🕐 Time: %s",
		name,
		humanize.Bytes(uint64(size)),
		modified.Format("2006-01-02 15:04:05"),
	)
}
