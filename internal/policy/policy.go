// Package policy decides whether the bot should answer an inbound message.
package policy

import (
	"strings"

	"github.com/xaenox/onebot-agent/internal/models"
	"github.com/xaenox/onebot-agent/pkg/config"
)

type userSet map[int64]struct{}

func newUserSet(ids []int64) userSet {
	s := make(userSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s userSet) has(id int64) bool {
	_, ok := s[id]
	return ok
}

// GroupPolicy holds the rules of one group. A user in BlackList is never
// permitted; an empty AllowedUsers admits every non-blacklisted user.
type GroupPolicy struct {
	ID           int64
	AtOnly       bool
	AllowedUsers userSet
	BlackList    userSet
}

// Policy is the global authorization policy. It is immutable after
// construction and safe for concurrent use.
type Policy struct {
	allowedDirect userSet
	botID         int64
	commandPrefix string
	groups        map[int64]*GroupPolicy
}

// New builds a policy from the bot section of the configuration.
func New(cfg config.BotConfig) *Policy {
	p := &Policy{
		allowedDirect: newUserSet(cfg.AllowedUsers),
		botID:         cfg.BotID,
		commandPrefix: cfg.CommandPrefix,
		groups:        make(map[int64]*GroupPolicy, len(cfg.Groups)),
	}
	for _, g := range cfg.Groups {
		p.groups[g.ID] = &GroupPolicy{
			ID:           g.ID,
			AtOnly:       g.MentionRequired(),
			AllowedUsers: newUserSet(g.AllowedUsers),
			BlackList:    newUserSet(g.BlackList),
		}
	}
	return p
}

// BotID is the bot's own user id, used for mention gating.
func (p *Policy) BotID() int64 {
	return p.botID
}

// CommandPrefix returns the configured command prefix.
func (p *Policy) CommandPrefix() string {
	return p.commandPrefix
}

// IsCommand reports whether text starts with the command prefix. An empty
// prefix disables commands.
func (p *Policy) IsCommand(text string) bool {
	return p.commandPrefix != "" && strings.HasPrefix(text, p.commandPrefix)
}

// IsUserAllowed applies the allow-list and black-list rules for the sender
// of scope. Commands bypass a group's allow-list but never its black-list.
func (p *Policy) IsUserAllowed(scope models.Scope, isCommand bool) bool {
	if !scope.IsGroup() {
		return p.allowedDirect.has(scope.UserID)
	}

	group, ok := p.groups[scope.GroupID]
	if !ok {
		return false
	}
	if group.BlackList.has(scope.UserID) {
		return false
	}
	if isCommand {
		return true
	}
	if len(group.AllowedUsers) == 0 {
		return true
	}
	return group.AllowedUsers.has(scope.UserID)
}

// ShouldRespond is IsUserAllowed followed by mention gating: a non-command
// group message in an at_only group must mention the bot.
func (p *Policy) ShouldRespond(scope models.Scope, isCommand bool, mentions []int64) bool {
	if !p.IsUserAllowed(scope, isCommand) {
		return false
	}
	if !scope.IsGroup() || isCommand {
		return true
	}

	if p.groups[scope.GroupID].AtOnly {
		for _, id := range mentions {
			if id == p.botID {
				return true
			}
		}
		return false
	}
	return true
}

// ShouldRespondTo evaluates a formatted message.
func (p *Policy) ShouldRespondTo(msg *models.FormattedMessage) bool {
	return p.ShouldRespond(msg.Scope, msg.IsCommand, msg.MentionedIDs)
}
