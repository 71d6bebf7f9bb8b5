// Replicator-client is a headless peer for exercising a relay: it connects,
// optionally claims simulation authority, publishes a few entities, and can
// echo routed packets back to their sender.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/session"
	"github.com/energizer-project/replicator/internal/util"
)

const AppName = "replicator-client"

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	host := flag.String("host", "", "server host (overrides config)")
	port := flag.Int("port", 0, "server port (overrides config)")
	entities := flag.Int("entities", 0, "number of entities to create and update")
	authority := flag.Bool("authority", false, "claim simulation authority")
	echo := flag.Bool("echo", false, "send routed packets back to their sender")
	flag.Parse()

	if err := util.InitLogger(AppName, util.LogConfig{Level: "info", Console: true}); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cc := cfg.GetClient()
	if *host != "" {
		cc.ServerHost = *host
	}
	if *port != 0 {
		cc.ServerPort = *port
	}
	if cc.GUID == "" {
		cc.GUID = uuid.NewString()
	}

	scfg := sessionConfig(cc)
	transport, err := session.ListenUDP(":0", 0)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open UDP socket")
	}
	defer transport.Close()

	var failed error
	s := session.New(scfg, transport, session.NewHTTPHandshaker(scfg.HandshakeTimeout), session.ObserverFuncs{
		StateChanged: func(from, to session.State) {
			log.Info().Stringer("from", from).Stringer("to", to).Msg("session state changed")
		},
		ConnectionError: func(err error) { failed = err },
		CloneAcks: func(acks []protocol.Ack) {
			log.Debug().Int("acks", len(acks)).Msg("entity acks received")
		},
	})
	s.AddReliableHandler("msgCloneRemove", func(data []byte) {
		if h, err := protocol.DecodeCloneRemove(data); err == nil {
			log.Info().Stringer("handle", h).Msg("entity removed by server")
		}
	})
	if *authority {
		s.SetAuthority(uint32(time.Now().Unix()))
	}

	if err := s.Connect(cc.ServerHost, uint16(cc.ServerPort)); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	frame := time.Duration(cc.FrameIntervalMS) * time.Millisecond
	if frame <= 0 {
		frame = 16 * time.Millisecond
	}
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	pub := &publisher{count: *entities}
	ownerWarned := false
	for {
		select {
		case <-ctx.Done():
			s.Disconnect("Client exiting.")
			log.Info().Msg("client stopped")
			return
		case now := <-ticker.C:
			s.RunFrame(now)
			if failed != nil {
				log.Fatal().Err(failed).Msg("session ended")
			}
			if s.State() != session.StateConnected {
				continue
			}
			if owner, ok := entityOwner(s.LocalID()); ok {
				if items := pub.next(owner, now); len(items) > 0 {
					if err := s.QueueCloneBatch(items); err != nil {
						log.Warn().Err(err).Msg("failed to queue entity batch")
					}
				}
			} else if !ownerWarned {
				log.Warn().Uint16("peer", s.LocalID()).Msg("peer id does not fit an entity owner slot; not publishing entities")
				ownerWarned = true
			}
			for {
				p, ok := s.DequeueRoutedPacket()
				if !ok {
					break
				}
				log.Debug().Uint16("from", p.Peer).Int("bytes", len(p.Payload)).Msg("routed packet")
				if *echo {
					if err := s.EnqueueRoutedPacket(p.Peer, p.Payload); err != nil {
						log.Warn().Err(err).Uint16("to", p.Peer).Msg("failed to echo routed packet")
					}
				}
			}
		}
	}
}

func sessionConfig(cc config.ClientConfig) session.Config {
	scfg := session.DefaultConfig()
	if cc.Name != "" {
		scfg.Name = cc.Name
	}
	scfg.GUID = cc.GUID
	if cc.ConnectRetrySec > 0 {
		scfg.ConnectRetry = time.Duration(cc.ConnectRetrySec) * time.Second
	}
	if cc.MaxConnectAttempts > 0 {
		scfg.MaxConnectAttempts = cc.MaxConnectAttempts
	}
	if cc.SendIntervalMS > 0 {
		scfg.SendInterval = time.Duration(cc.SendIntervalMS) * time.Millisecond
	}
	if cc.InactivityTimeoutSec > 0 {
		scfg.InactivityTimeout = time.Duration(cc.InactivityTimeoutSec) * time.Second
	}
	if cc.HandshakeTimeoutSec > 0 {
		scfg.HandshakeTimeout = time.Duration(cc.HandshakeTimeoutSec) * time.Second
	}
	return scfg
}

// entityOwner maps a peer id onto the one-byte owner field of entity
// handles. Ids above 255 have no slot.
func entityOwner(id uint16) (uint8, bool) {
	if id == protocol.NoPeer || id > 0xFF {
		return 0, false
	}
	return uint8(id), true
}

// publisher creates its entities once, then sends one update per entity
// every second carrying the current time.
type publisher struct {
	count      int
	owner      uint8
	created    bool
	lastUpdate time.Time
}

func (p *publisher) next(owner uint8, now time.Time) []protocol.BatchItem {
	if p.count <= 0 {
		return nil
	}
	if owner != p.owner {
		// New session id: the old handles died with the old session.
		p.owner, p.created = owner, false
	}

	op := protocol.OpUpdate
	if !p.created {
		op = protocol.OpCreate
	} else if now.Sub(p.lastUpdate) < time.Second {
		return nil
	}

	payload := binary.LittleEndian.AppendUint64(nil, uint64(now.UnixMilli()))
	items := make([]protocol.BatchItem, 0, p.count)
	for i := 1; i <= p.count; i++ {
		items = append(items, protocol.BatchItem{
			Op:         op,
			Handle:     protocol.EntityHandle{Owner: owner, ID: uint16(i)},
			ObjectType: 1,
			Payload:    payload,
		})
	}
	p.created = true
	p.lastUpdate = now
	return items
}
