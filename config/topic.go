package config

import (
	"fmt"
	"strings"
)

// maxTopicLength is the MQTT limit for a UTF-8 encoded topic string.
const maxTopicLength = 65535

// ValidateTopicFilter validates a subscription topic filter
func ValidateTopicFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("topic exceeds %d bytes", maxTopicLength)
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("topic cannot contain null characters")
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}

		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("+ wildcard must occupy entire segment")
		}
	}

	return nil
}
