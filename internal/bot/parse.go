package bot

import (
	"fmt"
	"strings"

	"socialrelay/internal/model"
)

// ChannelArgs holds the parsed arguments of /subscribe and /unsubscribe.
type ChannelArgs struct {
	Platform model.Platform
	Channel  string
}

// ParseChannelArgs parses "<platform> <channel>".
func ParseChannelArgs(args string) (ChannelArgs, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return ChannelArgs{}, fmt.Errorf("usage: <platform> <channel>")
	}
	p, err := model.ParsePlatform(parts[0])
	if err != nil {
		return ChannelArgs{}, err
	}
	return ChannelArgs{Platform: p, Channel: parts[1]}, nil
}

// ParsePlatformFilter parses the optional platform argument of /list.
// Empty input means every platform.
func ParsePlatformFilter(args string) (model.Platform, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return "", nil
	}
	return model.ParsePlatform(strings.Fields(s)[0])
}

// ParseRoleArg validates the mention set with /role. A bare word gets the
// "@" prefix so it renders as a mention.
func ParseRoleArg(args string) (string, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return "", fmt.Errorf("usage: /role <mention>")
	}
	if strings.ContainsAny(s, " \t\n") {
		return "", fmt.Errorf("mention must be a single word")
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	if len(s) < 2 {
		return "", fmt.Errorf("mention cannot be empty")
	}
	return s, nil
}
