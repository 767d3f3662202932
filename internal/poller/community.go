package poller

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"SwarmSync/internal/config"
	"SwarmSync/internal/opengroup"
)

const (
	communityInterval      = 4 * time.Second
	communityRetryInterval = 2 * time.Second
)

// CommunityCursors persists per-server cursors. storage.State implements it.
type CommunityCursors interface {
	CommunityCursor(server, field string) (int64, error)
	SetCommunityCursor(server, field string, v int64) error
}

// OpenGroups is the part of opengroup.Client the community poller uses.
type OpenGroups interface {
	Capabilities(ctx context.Context, server opengroup.Server) (opengroup.Capabilities, error)
	SetCapabilities(server opengroup.Server, caps opengroup.Capabilities)
	Sequence(ctx context.Context, server opengroup.Server, reqs []opengroup.BatchRequest) ([]opengroup.BatchResponse, error)
}

// CommunitySink receives community traffic.
type CommunitySink interface {
	RoomInfo(server opengroup.Server, room string, info opengroup.RoomPollInfo)
	RoomMessages(ctx context.Context, server opengroup.Server, room string, additions []opengroup.Message, deletions []int64) error
	DirectMessages(ctx context.Context, server opengroup.Server, msgs []opengroup.DirectMessage, fromOutbox bool) error
}

// CommunityConfig configures a CommunityPoller.
type CommunityConfig struct {
	BaseURL    string
	OpenGroups OpenGroups
	Cursors    CommunityCursors
	Configs    Configs
	Sink       CommunitySink
	Logger     *slog.Logger
	Metrics    Metrics
}

// CommunityPoller polls every joined room of one community server with a
// single /sequence batch per pass. A pass returns the polled rooms.
type CommunityPoller struct {
	*loop[[]string]

	baseURL string
	og      OpenGroups
	cursors CommunityCursors
	configs Configs
	sink    CommunitySink
	log     *slog.Logger
}

// NewCommunityPoller creates a community poller. Run starts it.
func NewCommunityPoller(cfg CommunityConfig) *CommunityPoller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &CommunityPoller{
		baseURL: cfg.BaseURL,
		og:      cfg.OpenGroups,
		cursors: cfg.Cursors,
		configs: cfg.Configs,
		sink:    cfg.Sink,
		log:     log.With("component", "community-poller", "server", cfg.BaseURL),
	}

	p.loop = newLoop("community", p.poll, func(err error, _ []string) time.Duration {
		if err != nil {
			return communityRetryInterval
		}
		return communityInterval
	})
	p.loop.metrics = cfg.Metrics

	return p
}

// Run polls periodically until ctx is done.
func (p *CommunityPoller) Run(ctx context.Context) error {
	return p.loop.run(ctx, true)
}

// server returns the joined rooms of this server and its key.
func (p *CommunityPoller) server() (opengroup.Server, []string, error) {
	var (
		rooms  []string
		pubKey string
	)

	err := p.configs.WithUserConfigs(func(r config.UserReader) error {
		for _, c := range r.UserGroups().Communities() {
			if c.BaseURL == p.baseURL {
				rooms = append(rooms, c.Room)
				pubKey = c.PubKey
			}
		}
		return nil
	})
	if err != nil {
		return opengroup.Server{}, nil, err
	}

	key, err := hex.DecodeString(pubKey)
	if err != nil && len(rooms) > 0 {
		return opengroup.Server{}, nil, fmt.Errorf("server key of %s:\n%w", p.baseURL, err)
	}

	sort.Strings(rooms)

	return opengroup.Server{BaseURL: p.baseURL, PubKey: key}, rooms, nil
}

func roomSeqField(room string) string  { return "seq/" + room }
func roomInfoField(room string) string { return "info/" + room }

const (
	inboxField  = "inbox"
	outboxField = "outbox"
)

// poll runs one pass over every joined room of the server.
func (p *CommunityPoller) poll(ctx context.Context) ([]string, error) {
	server, rooms, err := p.server()
	if err != nil || len(rooms) == 0 {
		return nil, err
	}

	caps, err := p.og.Capabilities(ctx, server)
	if err != nil {
		return nil, err
	}

	reqs := []opengroup.BatchRequest{opengroup.CapabilitiesRequest()}

	for _, room := range rooms {
		info, err := p.cursors.CommunityCursor(p.baseURL, roomInfoField(room))
		if err != nil {
			return nil, err
		}
		seq, err := p.cursors.CommunityCursor(p.baseURL, roomSeqField(room))
		if err != nil {
			return nil, err
		}

		reqs = append(reqs, opengroup.PollInfoRequest(room, info), opengroup.MessagesRequest(room, seq))
	}

	blind := caps.Has(opengroup.CapabilityBlind)
	if blind {
		inbox, err := p.cursors.CommunityCursor(p.baseURL, inboxField)
		if err != nil {
			return nil, err
		}
		outbox, err := p.cursors.CommunityCursor(p.baseURL, outboxField)
		if err != nil {
			return nil, err
		}

		reqs = append(reqs, opengroup.InboxRequest(inbox, false), opengroup.InboxRequest(outbox, true))
	}

	resp, err := p.og.Sequence(ctx, server, reqs)
	if err != nil {
		return nil, fmt.Errorf("poll %s:\n%w", p.baseURL, err)
	}
	if len(resp) != len(reqs) {
		return nil, fmt.Errorf("poll %s: %d responses for %d requests", p.baseURL, len(resp), len(reqs))
	}

	var fresh opengroup.Capabilities
	if err := resp[0].Decode(&fresh); err == nil {
		p.og.SetCapabilities(server, fresh)
	}

	for i, room := range rooms {
		p.handleRoom(ctx, server, room, resp[1+2*i], resp[2+2*i])
	}

	if blind {
		base := 1 + 2*len(rooms)
		p.handleDirect(ctx, server, resp[base], false)
		p.handleDirect(ctx, server, resp[base+1], true)
	}

	return rooms, nil
}

// handleRoom processes the poll info and messages of one room. Messages
// are applied in seqno order and the highest seqno becomes the cursor.
func (p *CommunityPoller) handleRoom(ctx context.Context, server opengroup.Server, room string, infoResp, msgResp opengroup.BatchResponse) {
	var info opengroup.RoomPollInfo
	if err := infoResp.Decode(&info); err != nil {
		p.log.Warn("room poll info failed", "room", room, "error", err)
	} else {
		p.sink.RoomInfo(server, room, info)
		if info.Details != nil {
			if err := p.cursors.SetCommunityCursor(p.baseURL, roomInfoField(room), info.Details.InfoUpdates); err != nil {
				p.log.Warn("save room info cursor failed", "room", room, "error", err)
			}
		}
	}

	var msgs []opengroup.Message
	if err := msgResp.Decode(&msgs); err != nil {
		p.log.Warn("room messages failed", "room", room, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seqno < msgs[j].Seqno })

	var (
		additions []opengroup.Message
		deletions []int64
	)
	for _, m := range msgs {
		if m.Deleted {
			deletions = append(deletions, m.ID)
		} else {
			additions = append(additions, m)
		}
	}

	if err := p.sink.RoomMessages(ctx, server, room, additions, deletions); err != nil {
		p.log.Warn("room messages not handled", "room", room, "error", err)
		return
	}

	maxSeq := msgs[len(msgs)-1].Seqno
	if err := p.cursors.SetCommunityCursor(p.baseURL, roomSeqField(room), maxSeq); err != nil {
		p.log.Warn("save room cursor failed", "room", room, "error", err)
	}
}

// handleDirect processes inbox or outbox messages in id order.
func (p *CommunityPoller) handleDirect(ctx context.Context, server opengroup.Server, resp opengroup.BatchResponse, outbox bool) {
	var msgs []opengroup.DirectMessage
	if err := resp.Decode(&msgs); err != nil {
		p.log.Debug("direct messages failed", "outbox", outbox, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	if err := p.sink.DirectMessages(ctx, server, msgs, outbox); err != nil {
		p.log.Warn("direct messages not handled", "outbox", outbox, "error", err)
		return
	}

	field := inboxField
	if outbox {
		field = outboxField
	}

	if err := p.cursors.SetCommunityCursor(p.baseURL, field, msgs[len(msgs)-1].ID); err != nil {
		p.log.Warn("save direct message cursor failed", "field", field, "error", err)
	}
}
