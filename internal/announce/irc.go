package announce

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/release"
)

// reconnectBackoffCap caps the exponential reconnect delay at this multiple
// of the base delay.
const reconnectBackoffCap = 5

// announcePattern matches the tracker announce grammar:
//
//	New Torrent Announcement: <Movies :: x264> Name:'Dune 2021 1080p BluRay x264'
//	uploaded by 'anon' - https://tracker.example/torrent/123456
var announcePattern = regexp.MustCompile(`Name:'([^']+)'.*?https?://\S+?[/=](\d+)\s*$`)

// IRCListener holds a long-lived connection to a tracker announce channel
// and feeds parsed announcements through the match pipeline.
type IRCListener struct {
	cfg     config.IRCConfig
	matcher *Matcher
	logger  zerolog.Logger

	mu   sync.Mutex
	conn *ircevent.Connection
	stop chan struct{}
	done chan struct{}
}

// NewIRCListener creates the IRC announce listener.
func NewIRCListener(cfg config.IRCConfig, matcher *Matcher, logger zerolog.Logger) *IRCListener {
	return &IRCListener{
		cfg:     cfg,
		matcher: matcher,
		logger:  logger.With().Str("component", "irc").Str("server", cfg.Server).Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start connects in the background. Reconnects use exponential backoff from
// the configured base delay, capped at five times the base, bounded by the
// configured retry count.
func (l *IRCListener) Start() {
	go l.run()
}

// Stop disconnects and waits for the run loop to exit.
func (l *IRCListener) Stop() {
	close(l.stop)
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Quit()
	}
	l.mu.Unlock()
	<-l.done
}

func (l *IRCListener) run() {
	defer close(l.done)

	base := l.cfg.ReconnectDelay()
	retries := 0

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		conn := l.newConnection()
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		if err := conn.Connect(); err != nil {
			l.logger.Error().Err(err).Int("retries", retries).Msg("IRC connect failed")
		} else {
			l.logger.Info().Msg("IRC connected")
			retries = 0
			conn.Loop()
			l.logger.Warn().Msg("IRC disconnected")
		}

		select {
		case <-l.stop:
			return
		default:
		}

		if !l.cfg.Reconnect {
			return
		}
		retries++
		if l.cfg.ReconnectMaxRetries > 0 && retries > l.cfg.ReconnectMaxRetries {
			l.logger.Error().Int("retries", retries-1).Msg("IRC reconnect budget exhausted, giving up")
			return
		}

		delay := base * time.Duration(1<<uint(retries-1))
		if max := base * reconnectBackoffCap; delay > max {
			delay = max
		}
		l.logger.Info().Dur("delay", delay).Int("attempt", retries).Msg("IRC reconnecting")
		select {
		case <-l.stop:
			return
		case <-time.After(delay):
		}
	}
}

func (l *IRCListener) newConnection() *ircevent.Connection {
	conn := &ircevent.Connection{
		Server:        fmt.Sprintf("%s:%d", l.cfg.Server, l.cfg.Port),
		Nick:          l.cfg.Nickname,
		User:          l.cfg.Nickname,
		RealName:      l.cfg.Nickname,
		UseTLS:        l.cfg.SSL,
		Timeout:       2 * time.Minute,
		KeepAlive:     4 * time.Minute,
		ReconnectFreq: 0, // the run loop owns reconnection
		QuitMessage:   "fetcharr signing off",
	}
	if l.cfg.SSL {
		conn.TLSConfig = &tls.Config{ServerName: l.cfg.Server}
	}

	conn.AddConnectCallback(func(_ ircmsg.Message) {
		for _, channel := range l.cfg.Channels {
			if err := conn.Join(channel); err != nil {
				l.logger.Error().Err(err).Str("channel", channel).Msg("Failed to join channel")
			}
		}
	})
	conn.AddCallback("PRIVMSG", l.onMessage)
	return conn
}

func (l *IRCListener) onMessage(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	line := msg.Params[len(msg.Params)-1]

	rel, ok := ParseAnnounce(line, l.cfg.AnnounceBaseURL, l.cfg.RSSKey)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	matched, err := l.matcher.HandleRelease(ctx, rel)
	if err != nil {
		l.logger.Error().Err(err).Str("release", rel.Title).Msg("Failed to process announce")
		return
	}
	if matched {
		l.logger.Info().Str("release", rel.Title).Msg("Announce matched a waiting request")
	}
}

// ParseAnnounce extracts a release from one announce line. The download URL
// is synthesized from the tracker's RSS key and the announced torrent id.
func ParseAnnounce(line, baseURL, rssKey string) (release.Release, bool) {
	m := announcePattern.FindStringSubmatch(line)
	if m == nil {
		return release.Release{}, false
	}

	name, torrentID := m[1], m[2]
	return release.Release{
		Title:       name,
		IndexerID:   "irc",
		IndexerName: "irc-announce",
		DownloadURL: fmt.Sprintf("%s/download/%s/%s/%s.torrent",
			baseURL, torrentID, rssKey, url.QueryEscape(name)),
		PublishDate: time.Now().UTC(),
	}, true
}
