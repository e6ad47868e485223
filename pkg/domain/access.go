package domain

import "strings"

// AccessControlList decides who the bot answers. Deny entries always win; an
// empty allow list means open access.
type AccessControlList struct {
	AllowList []string `json:"allow_list" yaml:"allow_list"`
	DenyList  []string `json:"deny_list" yaml:"deny_list"`
}

// NewAccessControlList creates an ACL from allow and deny lists.
func NewAccessControlList(allowList, denyList []string) AccessControlList {
	if allowList == nil {
		allowList = []string{}
	}
	if denyList == nil {
		denyList = []string{}
	}
	return AccessControlList{AllowList: allowList, DenyList: denyList}
}

// IsAllowed reports whether a message from senderID in conversationID may be
// processed. Entries match either identifier, case-insensitively.
func (acl AccessControlList) IsAllowed(conversationID, senderID string) bool {
	for _, denied := range acl.DenyList {
		if matchesEntry(denied, conversationID, senderID) {
			return false
		}
	}
	if len(acl.AllowList) == 0 {
		return true
	}
	for _, allowed := range acl.AllowList {
		if matchesEntry(allowed, conversationID, senderID) {
			return true
		}
	}
	return false
}

func matchesEntry(entry, conversationID, senderID string) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	return strings.EqualFold(entry, conversationID) || strings.EqualFold(entry, senderID)
}
