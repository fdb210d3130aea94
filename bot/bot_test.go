package bot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestIsThreadType(t *testing.T) {
	assert.True(t, isThreadType(discordgo.ChannelTypeGuildPublicThread))
	assert.True(t, isThreadType(discordgo.ChannelTypeGuildPrivateThread))
	assert.False(t, isThreadType(discordgo.ChannelTypeGuildText))
}

func TestIsAddressedToBot(t *testing.T) {
	self := &discordgo.User{ID: "bot1"}
	msg := &discordgo.Message{Mentions: []*discordgo.User{{ID: "bot1"}}}
	assert.True(t, isAddressedToBot(msg, self))

	msg2 := &discordgo.Message{Mentions: []*discordgo.User{{ID: "someoneElse"}}}
	assert.False(t, isAddressedToBot(msg2, self))

	assert.False(t, isAddressedToBot(msg, nil))
}
