package bus

import "strings"

// Match reports whether topic matches an MQTT subscription filter.
// "+" matches exactly one level and a trailing "#" matches the parent level
// and everything below it.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if filter == "" || topic == "" {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
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

// IsWildcard reports whether filter contains MQTT wildcard levels.
func IsWildcard(filter string) bool {
	for _, level := range strings.Split(filter, "/") {
		if level == "+" || level == "#" {
			return true
		}
	}
	return false
}

// GlobPattern translates an MQTT filter into a Redis PSUBSCRIBE pattern.
// Redis "*" also crosses "/" so the result may over-match; callers filter
// deliveries with Match.
func GlobPattern(filter string) string {
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = "*"
			if i > 0 {
				// "a/#" also matches "a" itself.
				return strings.Join(levels[:i], "/") + "*"
			}
		default:
			levels[i] = escapeGlob(level)
		}
	}
	return strings.Join(levels, "/")
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
