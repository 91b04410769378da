// Package topology assembles a complete two-region mesh inside one process.
// Every component gets its own loopback listener and talks to the others
// over HTTP through one shared dispatcher, exactly as separate processes
// would.
package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/internal/telemetry"
	"github.com/ryandielhenn/relaymesh/pkg/auditor"
	"github.com/ryandielhenn/relaymesh/pkg/dispatch"
	"github.com/ryandielhenn/relaymesh/pkg/front"
	"github.com/ryandielhenn/relaymesh/pkg/hub"
	"github.com/ryandielhenn/relaymesh/pkg/node"
	"github.com/ryandielhenn/relaymesh/pkg/offline"
	"github.com/ryandielhenn/relaymesh/pkg/presence"
	"github.com/ryandielhenn/relaymesh/pkg/provider"
	"github.com/ryandielhenn/relaymesh/pkg/ring"
	"github.com/ryandielhenn/relaymesh/pkg/routing"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

type Config struct {
	Regions  []string
	Hubs     int // per region
	Host     string
	Tag      string
	Codec    wire.Codec
	MaxBody  int64
	Dispatch dispatch.Config
	Domains  []string

	ProviderSecrets map[string]string
	Policy          provider.Policy
	ByzantineID     string
	ByzantineMode   provider.Mode
	ByzantineStart  int64

	// OfflineProvider, if set, starts offline and is reached in every
	// region through an offline relay and uplink.
	OfflineProvider string
	UplinkBatch     int
	UplinkInterval  time.Duration

	Voters     int
	Quorum     int
	PendingTTL time.Duration
}

// Component is one running service and the URL it accepts traffic on.
type Component struct {
	ID     string
	Kind   string
	Region string
	URL    string
}

type Mesh struct {
	cfg  Config
	root *zap.Logger
	log  *zap.Logger
	disp *dispatch.Dispatcher

	Presence  *presence.Tracker
	Auditor   *auditor.Auditor
	Fronts    map[string]*front.Front
	Hubs      []*hub.Hub
	Providers []*provider.Provider
	Relays    []*offline.Relay
	Uplinks   []*offline.Uplink

	frontURLs  map[string]string
	components []Component
	servers    []*http.Server
	cancel     context.CancelFunc
	loops      sync.WaitGroup
}

func (c *Config) setDefaults() {
	if len(c.Regions) == 0 {
		c.Regions = []string{"R1", "R2"}
	}
	if c.Hubs <= 0 {
		c.Hubs = 2
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Codec == nil {
		c.Codec = wire.JSON
	}
	if len(c.Domains) == 0 {
		c.Domains = []string{"payments", "identity", "storage", "compute"}
	}
	if c.Voters <= 0 {
		c.Voters = len(c.ProviderSecrets)
	}
}

// listeners reserves one loopback port per component before anything is
// built, so every URL is known up front.
type listeners struct {
	host string
	lns  []net.Listener
}

func (l *listeners) next() (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(l.host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	l.lns = append(l.lns, ln)
	return ln, nil
}

func (l *listeners) closeAll() {
	for _, ln := range l.lns {
		_ = ln.Close()
	}
}

// Start builds and serves the mesh. Close must be called to release it.
func Start(ctx context.Context, cfg Config, logger *zap.Logger) (*Mesh, error) {
	cfg.setDefaults()
	if len(cfg.ProviderSecrets) == 0 {
		return nil, errors.New("topology: no provider secrets")
	}
	logger = logging.OrNop(logger)
	log := logger.Named("topology")

	providerIDs := make([]string, 0, len(cfg.ProviderSecrets))
	for id := range cfg.ProviderSecrets {
		providerIDs = append(providerIDs, id)
	}
	slices.Sort(providerIDs)

	m := &Mesh{
		cfg:       cfg,
		root:      logger,
		log:       log,
		disp:      dispatch.New(dispatch.NewHTTPSender(cfg.Codec), cfg.Dispatch, logger),
		Presence:  presence.NewTracker(),
		Fronts:    make(map[string]*front.Front),
		frontURLs: make(map[string]string),
	}
	if cfg.OfflineProvider != "" {
		m.Presence.Set(cfg.OfflineProvider, presence.Offline)
	}

	ls := &listeners{host: cfg.Host}
	fail := func(err error) (*Mesh, error) {
		ls.closeAll()
		m.disp.Close()
		return nil, err
	}
	type pending struct {
		ln  net.Listener
		mux *http.ServeMux
	}
	var serve []pending
	mount := func(id, kind, region, path string, ln net.Listener, stats func() any) *http.ServeMux {
		mux := http.NewServeMux()
		node.New(id, kind, region, stats).Mount(mux)
		serve = append(serve, pending{ln: ln, mux: mux})
		m.components = append(m.components, Component{ID: id, Kind: kind, Region: region, URL: node.URL(ln.Addr().String(), path)})
		return mux
	}

	auditLn, err := ls.next()
	if err != nil {
		return fail(err)
	}
	auditURL := node.URL(auditLn.Addr().String(), "/audit")

	keys := make(map[string][]byte, len(providerIDs))
	for _, id := range providerIDs {
		k, err := provider.DeriveKeys(id, []byte(cfg.ProviderSecrets[id]))
		if err != nil {
			return fail(err)
		}
		keys[id] = k.Vote
	}
	m.Auditor = auditor.New(auditor.Config{
		Voters:     cfg.Voters,
		Quorum:     cfg.Quorum,
		Keys:       keys,
		PendingTTL: cfg.PendingTTL,
		MaxBody:    cfg.MaxBody,
	}, logger)
	m.Auditor.Mount(mount("AUDITOR", "auditor", "", "/audit", auditLn, func() any { return m.Auditor.Snapshot() }))

	for _, region := range cfg.Regions {
		if err := m.buildRegion(region, providerIDs, auditURL, ls, mount); err != nil {
			return fail(err)
		}
	}

	for _, p := range serve {
		srv := &http.Server{Handler: p.mux, ReadHeaderTimeout: 5 * time.Second}
		m.servers = append(m.servers, srv)
		go func(ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("serve", zap.String("addr", ln.Addr().String()), zap.Error(err))
			}
		}(p.ln)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loops.Add(1 + len(m.Uplinks))
	go func() {
		defer m.loops.Done()
		m.Auditor.Run(loopCtx)
	}()
	for _, u := range m.Uplinks {
		go func() {
			defer m.loops.Done()
			u.Run(loopCtx)
		}()
	}

	log.Info("mesh started",
		zap.Strings("regions", cfg.Regions),
		zap.Int("components", len(m.components)),
		zap.String("codec", cfg.Codec.Name()))
	return m, nil
}

type mountFunc func(id, kind, region, path string, ln net.Listener, stats func() any) *http.ServeMux

func (m *Mesh) buildRegion(region string, providerIDs []string, auditURL string, ls *listeners, mount mountFunc) error {
	cfg := m.cfg

	hubIDs := make([]string, cfg.Hubs)
	hubLns := make([]net.Listener, cfg.Hubs)
	for i := range hubIDs {
		hubIDs[i] = fmt.Sprintf("HUB_%s_%c", region, 'A'+i)
		ln, err := ls.next()
		if err != nil {
			return err
		}
		hubLns[i] = ln
	}

	table := routing.NewTable()
	for i, id := range hubIDs {
		table.AddHub(id, node.URL(hubLns[i].Addr().String(), "/submit"))
	}

	for _, pid := range providerIDs {
		ln, err := ls.next()
		if err != nil {
			return err
		}
		ingestURL := node.URL(ln.Addr().String(), "/ingest")
		pcfg := provider.Config{
			ID:       pid,
			Region:   region,
			Tag:      cfg.Tag,
			Secret:   []byte(cfg.ProviderSecrets[pid]),
			Policy:   cfg.Policy,
			Presence: m.Presence,
			MaxBody:  cfg.MaxBody,
		}
		if pid == cfg.ByzantineID {
			pcfg.Mode = cfg.ByzantineMode
			pcfg.ByzantineStart = cfg.ByzantineStart
		}
		p, err := provider.New(pcfg, m.disp, m.root)
		if err != nil {
			return err
		}
		m.Providers = append(m.Providers, p)
		p.Mount(mount(pid, "provider", region, "/ingest", ln, func() any { return p.Stats() }))

		if pid != cfg.OfflineProvider {
			table.AddProvider(pid, ingestURL)
			continue
		}

		relayLn, err := ls.next()
		if err != nil {
			return err
		}
		relayID := "RELAY_" + region + "_" + pid
		buf := offline.NewBuffer()
		relay := offline.NewRelay(relayID, buf, cfg.MaxBody, m.root)
		relay.Mount(mount(relayID, "relay", region, "/relay", relayLn, func() any { return relay.Stats() }))
		m.Relays = append(m.Relays, relay)
		m.Uplinks = append(m.Uplinks, offline.NewUplink(offline.UplinkConfig{
			RelayID:    relayID,
			ProviderID: pid,
			IngestURL:  ingestURL,
			OutcomeURL: node.URL(hubLns[0].Addr().String(), "/outcome"),
			Batch:      cfg.UplinkBatch,
			Interval:   cfg.UplinkInterval,
		}, buf, m.Presence.Online, m.disp, m.root))
		table.AddProvider(pid, node.URL(relayLn.Addr().String(), "/relay"))
	}

	// Each hub forwards to its share of the providers and relays to its
	// peers, so every provider sees an artifact exactly once whichever hub
	// it entered at.
	entry := ring.New(0, nil)
	for i, id := range hubIDs {
		tb := routing.NewTable()
		for _, pid := range providerIDs {
			if addr, ok := table.ProviderAddr(pid); ok {
				tb.AddProvider(pid, addr)
			}
		}
		for _, hid := range hubIDs {
			addr, _ := table.HubAddr(hid)
			tb.AddHub(hid, addr)
		}
		var share []string
		for j, pid := range providerIDs {
			if j%len(hubIDs) == i {
				share = append(share, pid)
			}
		}
		for _, d := range cfg.Domains {
			tb.SetRoute(d, routing.Route{Providers: share, Hubs: hubIDs})
		}

		addr := hubLns[i].Addr().String()
		h := hub.New(hub.Config{
			ID:         id,
			Region:     region,
			Tag:        cfg.Tag,
			Routes:     tb,
			OutcomeURL: node.URL(addr, "/outcome"),
			AuditorURL: auditURL,
			MaxBody:    cfg.MaxBody,
		}, m.disp, m.root)
		m.Hubs = append(m.Hubs, h)
		h.Mount(mount(id, "hub", region, "/submit", hubLns[i], func() any { return h.Stats() }))
		entry.Add(id, node.URL(addr, "/submit"))
	}

	frontLn, err := ls.next()
	if err != nil {
		return err
	}
	frontID := "FRONT_" + region
	f := front.New(front.Config{ID: frontID, Region: region, Tag: cfg.Tag, Hubs: entry, MaxBody: cfg.MaxBody}, m.disp, m.root)
	m.Fronts[region] = f
	m.frontURLs[region] = node.URL(frontLn.Addr().String(), "/convey")
	mux := mount(frontID, "front", region, "/convey", frontLn, func() any { return f.Stats() })
	mux.Handle("/convey", telemetry.Instrument("front_convey", f))
	return nil
}

// FrontURL is the /convey URL of region's front.
func (m *Mesh) FrontURL(region string) string { return m.frontURLs[region] }

// Components lists every running service in start order.
func (m *Mesh) Components() []Component { return slices.Clone(m.components) }

// SetOnline brings a provider online; a buffered backlog starts draining on
// the next uplink tick.
func (m *Mesh) SetOnline(providerID string) {
	if m.Presence.Set(providerID, presence.Online) {
		m.log.Info("provider online", zap.String("provider", providerID))
	}
}

// Flush waits until the dispatcher has attempted every queued delivery.
func (m *Mesh) Flush(ctx context.Context) error { return m.disp.Flush(ctx) }

// Settle flushes until the auditor has evaluated want records, or ctx ends.
func (m *Mesh) Settle(ctx context.Context, want uint64) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		s := m.Auditor.Snapshot()
		if s.Success+s.Fail >= want {
			return m.Flush(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Mesh) Dispatch() dispatch.Stats { return m.disp.Stats() }

// Close stops background loops and servers, then the dispatcher.
func (m *Mesh) Close(ctx context.Context) error {
	m.cancel()
	m.loops.Wait()
	var errs []error
	for _, srv := range m.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.disp.Close()
	return errors.Join(errs...)
}
