package models

import (
	"fmt"
	"strconv"
)

// ScopeKind distinguishes direct (1:1) conversations from group ones.
type ScopeKind string

const (
	ScopeDirect ScopeKind = "direct"
	ScopeGroup  ScopeKind = "group"
)

// Scope says where a message came from. GroupID is zero for direct scope.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	UserID  int64     `json:"user_id"`
	GroupID int64     `json:"group_id,omitempty"`
}

func DirectScope(userID int64) Scope {
	return Scope{Kind: ScopeDirect, UserID: userID}
}

func GroupScope(groupID, userID int64) Scope {
	return Scope{Kind: ScopeGroup, UserID: userID, GroupID: groupID}
}

// IsGroup reports whether the scope is a group conversation.
func (s Scope) IsGroup() bool {
	return s.Kind == ScopeGroup
}

// ThreadID is the durable partition key of the conversation: the user id
// for direct scope and "{user_id}-{group_id}" for group scope.
func (s Scope) ThreadID() string {
	if s.IsGroup() {
		return fmt.Sprintf("%d-%d", s.UserID, s.GroupID)
	}
	return strconv.FormatInt(s.UserID, 10)
}

func (s Scope) String() string {
	if s.IsGroup() {
		return fmt.Sprintf("group(%d, %d)", s.GroupID, s.UserID)
	}
	return fmt.Sprintf("direct(%d)", s.UserID)
}
