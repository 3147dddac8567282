package tlssession

import (
	"regexp"
	"strings"

	"github.com/6ccg/vpncore/pkg/config"
)

// pushReplyPrefix starts every PUSH_REPLY message.
const pushReplyPrefix = "PUSH_REPLY,"

// PushReply is a parsed PUSH_REPLY message.
type PushReply struct {
	// Original is the raw message.
	Original string

	// Options holds the pushed options. Fields the server did not push
	// keep their zero value.
	Options *config.Configuration
}

var authTokenRegexp = regexp.MustCompile(`auth-token [^,]+`)

// String returns the message with the auth-token redacted.
func (r *PushReply) String() string {
	return authTokenRegexp.ReplaceAllString(r.Original, "auth-token <redacted>")
}

// IsPushReply returns whether the message is a PUSH_REPLY.
func IsPushReply(message string) bool {
	return strings.HasPrefix(message, pushReplyPrefix)
}

// ParsePushReply parses a PUSH_REPLY message. It returns nil and no error
// when the message is not a push reply. When the server announces more
// messages, the error wraps [config.ErrContinuationPushReply].
func ParsePushReply(message string) (*PushReply, error) {
	if !IsPushReply(message) {
		return nil, nil
	}
	lines := strings.Split(strings.TrimPrefix(message, pushReplyPrefix), ",")
	options, err := config.ParseOptionLines(lines)
	if err != nil {
		return nil, err
	}
	return &PushReply{Original: message, Options: options}, nil
}
