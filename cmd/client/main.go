package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/voip/internal/adapters/media"
	"github.com/dkeye/voip/internal/adapters/rtc"
	signaling "github.com/dkeye/voip/internal/adapters/signal"
	"github.com/dkeye/voip/internal/app/call"
	"github.com/dkeye/voip/internal/config"
	"github.com/dkeye/voip/internal/core"
	"github.com/dkeye/voip/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("voip-client", pflag.ExitOnError)
	fs.String("url", "", "relay websocket url")
	fs.String("input", "", "Ogg/Opus file to send; silence when empty")
	fs.Bool("muted", false, "start muted")
	fs.Bool("call", false, "send the offer instead of waiting for one")
	configFile := fs.String("config", config.FileName("client"), "client config file")
	statsEvery := fs.Duration("stats", 5*time.Second, "remote audio report interval")
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	for _, name := range []string{"url", "input", "muted", "call"} {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			log.Fatal().Err(err).Str("flag", name).Msg("bind flag")
		}
	}
	cfg, err := config.LoadClient(v, *configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load client config")
	}
	zerolog.SetGlobalLevel(config.Level(cfg.LogLevel))

	stats := media.NewRemoteStats()
	engines, err := rtc.NewFactory(rtc.Options{ICEServers: cfg.ICEServers(), Stats: stats})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	opened := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)
	sess, err := call.NewSession(call.Options{
		Channels: &signaling.Dialer{URL: cfg.URL},
		Engines:  engines,
		Capturer: media.CapturerFor(cfg.Input),
		Observer: logObserver(opened, closed),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("session setup")
	}
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("connect failed")
		return
	}

	select {
	case <-opened:
	case <-closed:
		log.Error().Str("url", cfg.URL).Msg("relay unreachable")
		return
	case <-ctx.Done():
		return
	}

	var local core.LocalStream
	if cfg.Call {
		local, err = sess.StartCall(ctx)
	} else {
		local, err = sess.AttachAudio(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to start call")
		return
	}
	log.Info().Str("stream", local.ID()).Bool("caller", cfg.Call).Msg("local audio ready")
	if cfg.Muted {
		sess.SetMuted(true)
	}

	ticker := time.NewTicker(*statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sess.Disconnect()
			return
		case <-ticker.C:
			ev := log.Info().Str("state", sess.State().String()).Bool("muted", sess.Muted())
			for _, st := range stats.Snapshot() {
				ev = ev.Uint64(st.StreamID, st.Packets)
			}
			ev.Msg("call status")
		}
	}
}

// logObserver is the presentation layer: every notification becomes a log line.
func logObserver(opened, closed chan<- struct{}) call.Observer {
	notify := func(ch chan<- struct{}) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return call.ObserverFuncs{
		Transport: func(s domain.TransportState) {
			log.Info().Str("module", "client").Str("transport", s.String()).Msg("signaling")
			switch s {
			case domain.TransportOpen:
				notify(opened)
			case domain.TransportClosed:
				notify(closed)
			}
		},
		Peer: func(s core.PeerState) {
			log.Info().
				Str("module", "client").
				Str("connection", s.Connection.String()).
				Str("signaling", s.Signaling.String()).
				Str("ice", s.ICE.String()).
				Msg("peer")
		},
		Error: func(msg string, err error) {
			log.Warn().Err(err).Str("module", "client").Msg(msg)
		},
		Streams: func(streams []*call.RemoteStream) {
			ids := make([]string, 0, len(streams))
			for _, s := range streams {
				ids = append(ids, s.ID)
			}
			log.Info().Str("module", "client").Strs("streams", ids).Msg("remote streams")
		},
	}
}
