package main

import (
	"context"
	"log/slog"

	"github.com/asheshgoplani/devin-relay/internal/discord"
	"github.com/asheshgoplani/devin-relay/internal/logging"
	"github.com/asheshgoplani/devin-relay/internal/relay"
)

type channelLookup interface {
	Channel(ctx context.Context, channelID string) (*discord.Channel, error)
}

// toRelayMessage resolves the channel facts the dispatcher needs. Bot-authored
// messages skip the lookup since the dispatcher drops them anyway. A failed
// lookup yields KindOther, which the dispatcher ignores.
func toRelayMessage(ctx context.Context, channels channelLookup, m discord.Message) relay.Message {
	msg := relay.Message{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		ChannelKind:     relay.KindOther,
		AuthorID:        m.Author.ID,
		AuthorBot:       m.Author.Bot,
		Content:         m.Content,
		MentionEveryone: m.MentionEveryone,
	}
	for _, u := range m.Mentions {
		msg.MentionIDs = append(msg.MentionIDs, u.ID)
	}
	if m.Author.Bot || m.GuildID == "" {
		return msg
	}

	ch, err := channels.Channel(ctx, m.ChannelID)
	if err != nil {
		logging.ForComponent(logging.CompDiscord).Warn("channel_lookup_failed",
			slog.String("channel_id", m.ChannelID),
			slog.String("message_id", m.ID),
			slog.String("error", err.Error()))
		return msg
	}
	switch {
	case ch.IsThread():
		msg.ChannelKind = relay.KindThread
		msg.ChannelOwnerID = ch.OwnerID
	case ch.Type == discord.ChannelGuildText:
		msg.ChannelKind = relay.KindGuildText
	}
	return msg
}
