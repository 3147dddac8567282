package tunnel

import (
	"errors"

	"github.com/6ccg/vpncore/internal/datachannel"
	"github.com/6ccg/vpncore/internal/packetmuxer"
	"github.com/6ccg/vpncore/internal/reliabletransport"
	"github.com/6ccg/vpncore/internal/tlssession"
	"github.com/6ccg/vpncore/internal/wire"
)

var (
	// ErrMalformedPacket means a packet from the link could not be parsed.
	ErrMalformedPacket = wire.ErrMalformedPacket

	// ErrControlChannel means a wrapped control packet failed
	// authentication, decryption or the replay check.
	ErrControlChannel = wire.ErrControlChannel

	// ErrMissingSessionID means a session id was needed before it was known.
	ErrMissingSessionID = reliabletransport.ErrMissingSessionID

	// ErrSessionMismatch means the server used a session id that is not the
	// one learned from its hard reset.
	ErrSessionMismatch = reliabletransport.ErrSessionMismatch

	// ErrStaleSession means the server sent a hard reset while a soft reset
	// was in progress.
	ErrStaleSession = errors.New("stale session")

	// ErrBadKey means the data channel key could not be set up.
	ErrBadKey = errors.New("bad key")

	// ErrNegotiationTimeout means the server did not complete a negotiation
	// in time.
	ErrNegotiationTimeout = errors.New("negotiation timeout")

	// ErrPingTimeout means nothing was received within the keepalive
	// timeout.
	ErrPingTimeout = errors.New("ping timeout")

	// ErrBadCredentials means the server sent AUTH_FAILED.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrServerShutdown means the server sent RESTART.
	ErrServerShutdown = errors.New("server shutdown")

	// ErrServerCompression means the server pushed a compression algorithm.
	ErrServerCompression = errors.New("server compression is not supported")

	// ErrNoRouting means the push reply carried neither IPv4 nor IPv6
	// settings.
	ErrNoRouting = errors.New("no routing information")

	// ErrFailedLinkWrite means the link refused outgoing packets.
	ErrFailedLinkWrite = packetmuxer.ErrFailedLinkWrite

	// ErrEncryptionData wraps data channel failures.
	ErrEncryptionData = datachannel.ErrEncryptionData

	// ErrWrongControlDataPrefix means the server's key exchange reply is
	// malformed.
	ErrWrongControlDataPrefix = tlssession.ErrWrongControlDataPrefix

	// ErrTLS wraps TLS engine failures.
	ErrTLS = tlssession.ErrTLS

	// ErrAlreadyStarted is returned by Start while the session runs.
	ErrAlreadyStarted = errors.New("session already started")
)
