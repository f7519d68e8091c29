package domain

import (
	"strconv"
	"strings"
)

// keySeparator joins the two participant ids of a conversation key.
const keySeparator = ":"

// CompareUserIDs orders two user ids. Ids that parse as integers sort before
// all other ids and compare numerically among themselves; numeric ties such
// as "7" and "007", and all other ids, compare lexicographically. This is a
// total order, so sorting any set of ids gives one canonical sequence.
func CompareUserIDs(a, b string) int {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB != nil:
		return -1
	case errA != nil && errB == nil:
		return 1
	case errA == nil && errB == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
	}
	return strings.Compare(a, b)
}

// ConversationKey derives the conversation id for an unordered pair of users.
// ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b string) string {
	if CompareUserIDs(a, b) > 0 {
		a, b = b, a
	}
	return a + keySeparator + b
}

// ParseConversationKey splits a key produced by ConversationKey back into its
// two participants, in canonical order.
func ParseConversationKey(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, keySeparator)
	if !ok || a == "" || b == "" || strings.Contains(b, keySeparator) {
		return "", "", Validationf("malformed conversation id %q", key)
	}
	if ConversationKey(a, b) != key {
		return "", "", Validationf("conversation id %q is not canonical", key)
	}
	return a, b, nil
}

// ValidUserID reports whether id can take part in a conversation key.
func ValidUserID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.Contains(id, keySeparator)
}
