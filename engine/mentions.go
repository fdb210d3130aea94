package engine

import (
	"regexp"
	"strings"

	"github.com/brackenhollow/convobridge/platform"
)

// mentionPattern matches Discord-style wire mention markup: <@id> or <@!id>.
var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// handlePattern matches normalized @display tokens for the reverse mapping.
var handlePattern = regexp.MustCompile(`@([A-Za-z0-9_.]+)`)

// normalizeMentions rewrites <@id>/<@!id> markup into @displayname tokens.
// Resolution order: mention metadata carried with the message, then the
// member cache, then a literal @id fallback. References to the engine's
// own bot ID resolve to its configured display name.
func (e *Engine) normalizeMentions(content string, mentions []platform.Mention) string {
	if !strings.Contains(content, "<@") {
		return content
	}
	meta := make(map[string]string, len(mentions))
	for _, mn := range mentions {
		meta[mn.ID] = mn.DisplayName
	}
	return mentionPattern.ReplaceAllStringFunc(content, func(match string) string {
		id := mentionPattern.FindStringSubmatch(match)[1]
		if id == e.BotID {
			return "@" + e.BotDisplayName
		}
		if name, ok := meta[id]; ok && name != "" {
			return "@" + name
		}
		if name, ok := e.lookupMember(id); ok {
			return "@" + name
		}
		return "@" + id
	})
}

// DenormalizeOutbound converts @name tokens in model output back into
// platform mention markup, looking up name against the member cache.
// Unmatched handles are left literal.
func (e *Engine) DenormalizeOutbound(text string) string {
	members := e.memberSnapshot()
	byName := make(map[string]string, len(members))
	for id, name := range members {
		byName[name] = id
	}
	if e.BotDisplayName != "" {
		byName[e.BotDisplayName] = e.BotID
	}
	return handlePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1:]
		if id, ok := byName[name]; ok {
			return "<@" + id + ">"
		}
		return match
	})
}
