package mqttbroker

import (
	"fmt"
	"strings"
)

// validFilter checks a subscription filter: "#" only as the last level and
// wildcards only as whole levels.
func validFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("topic filter %q: # must be the last level", filter)
		case level != "#" && level != "+" && strings.ContainsAny(level, "#+"):
			return fmt.Errorf("topic filter %q: wildcard inside a level", filter)
		}
	}
	return nil
}

// matchTopic reports whether topic matches filter. "+" matches exactly one
// level and "#" the remaining levels, including none.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	// topics starting with $ are not matched by leading wildcards
	if strings.HasPrefix(topic, "$") && (fl[0] == "#" || fl[0] == "+") {
		return false
	}

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
