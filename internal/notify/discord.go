package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/nidhogg/nuka-flow/internal/textutil"
)

// discordMaxLen is Discord's message length limit.
const discordMaxLen = 2000

// Discord posts to one channel through the REST API. No gateway
// connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
}

func NewDiscord(botToken, channelID string) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, text string) error {
	if len(text) > discordMaxLen {
		text = textutil.Clip(text, discordMaxLen-3, "...")
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
