package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "apollo"

// Topics builds the bridge's own topics under a prefix.
//
//	topics := mqtt.Topics{Prefix: "apollo"}
//	topics.SystemStatus() // "apollo/system/status"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimRight(t.Prefix, "/")
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: apollo/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// Reply returns a per-call reply topic under replyPrefix.
//
// Example: apollo/reply/5f0c...
func Reply(replyPrefix, id string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(replyPrefix, "/"), id)
}

// TopicMatches reports whether topic matches the subscription filter,
// honouring the + and # wildcards.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, part := range f {
		switch part {
		case "#":
			return true
		case "+":
			if i >= len(t) {
				return false
			}
		default:
			if i >= len(t) || t[i] != part {
				return false
			}
		}
	}
	return len(f) == len(t)
}
