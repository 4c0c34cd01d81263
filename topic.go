package mqttloop

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateTopicName checks a topic a PUBLISH is sent to: non-empty UTF-8
// without wildcards or NUL and at most 65535 bytes.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if len(topic) > maxUint16 || !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a subscription filter. '+' must fill a whole
// level; '#' must fill the last level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if len(filter) > maxUint16 || !utf8.ValidString(filter) || strings.IndexByte(filter, 0) >= 0 {
		return ErrInvalidTopicFilter
	}

	start := 0
	for start <= len(filter) {
		end := strings.IndexByte(filter[start:], topicSeparator)
		last := end < 0
		if last {
			end = len(filter)
		} else {
			end += start
		}
		level := filter[start:end]

		if strings.IndexByte(level, singleLevelWildcard) >= 0 && level != "+" {
			return ErrInvalidTopicFilter
		}
		if strings.IndexByte(level, multiLevelWildcard) >= 0 && (level != "#" || !last) {
			return ErrInvalidTopicFilter
		}

		if last {
			break
		}
		start = end + 1
	}
	return nil
}

// TopicMatch reports whether topic matches filter. Topics starting with
// '$' are not matched by a leading wildcard.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard) {
		return false
	}

	for {
		flevel, frest, fmore := strings.Cut(filter, "/")
		if flevel == "#" {
			return true
		}
		tlevel, trest, tmore := strings.Cut(topic, "/")
		if flevel != "+" && flevel != tlevel {
			return false
		}

		switch {
		case !fmore && !tmore:
			return true
		case !fmore:
			return false
		case !tmore:
			// "a/#" also matches "a"
			return frest == "#"
		}
		filter, topic = frest, trest
	}
}
