package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mfscore/mfsmaster/internal/bgsaver"
	"github.com/mfscore/mfsmaster/internal/changelog"
	"github.com/mfscore/mfsmaster/internal/chunks"
	"github.com/mfscore/mfsmaster/internal/config"
	"github.com/mfscore/mfsmaster/internal/csdb"
	"github.com/mfscore/mfsmaster/internal/eventloop"
	"github.com/mfscore/mfsmaster/internal/ledger"
	"github.com/mfscore/mfsmaster/internal/matocs"
	"github.com/mfscore/mfsmaster/internal/matoml"
	"github.com/mfscore/mfsmaster/internal/metadata"
	"github.com/mfscore/mfsmaster/internal/metrics"
	"github.com/mfscore/mfsmaster/internal/multilan"
	"github.com/mfscore/mfsmaster/internal/topology"
)

// defaultVershex is the VERSHEX this build reports in MASTER_ACK and
// STATE replies until overridden by config (spec §4.6, §4.8).
const defaultVershex = 0x01070000

// daemon bundles every collaborator a running master wires together,
// constructed once from a loaded config and torn down as a unit when Run
// returns.
type daemon struct {
	cfg      *config.Config
	cfgPath  string
	dataPath string
	backLogs int
	vershex  uint32

	csdb     *csdb.DB
	ledger   *ledger.Ledger
	topo     *topology.Topology
	lan      *multilan.Table
	meta     *metadata.Store
	chunkTbl *chunks.Table

	matocsMgr  *matocs.Manager
	dispatcher *matocs.Dispatcher

	chlog        *changelog.Changelog
	chlogSrc     changelogSource
	syncPersist  *syncPersister
	saver        *bgsaver.Supervisor
	checkpointDB *matoml.CheckpointStore
	metricsReg   *metrics.Registry
	loop         *eventloop.Loop

	matocsAddr  string
	matomlAddr  string
	metricsAddr string

	mlMu       sync.Mutex
	mlSessions map[string]*matoml.Session

	coreMu sync.Mutex // guards matocsMgr/dispatcher/csdb/chunkTbl/ledger across connection goroutines
}

func newDaemon(cfgPath string) (*daemon, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("mfsmaster: load config: %w", err)
	}

	dataPath := cfg.GetString("DATA_PATH", ".")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("mfsmaster: create data path: %w", err)
	}

	d := &daemon{
		cfg:         cfg,
		cfgPath:     cfgPath,
		dataPath:    dataPath,
		backLogs:    cfg.GetInt("BACK_LOGS", 50),
		vershex:     cfg.GetUint32("MASTER_VERSHEX", defaultVershex),
		ledger:      ledger.New(),
		lan:         multilan.New(),
		chunkTbl:    chunks.New(),
		loop:        eventloop.New(),
		matocsAddr:  net.JoinHostPort(cfg.GetString("MATOCS_LISTEN_HOST", "0.0.0.0"), strconv.Itoa(cfg.GetInt("MATOCS_LISTEN_PORT", 9420))),
		matomlAddr:  net.JoinHostPort(cfg.GetString("MATOML_LISTEN_HOST", "0.0.0.0"), strconv.Itoa(cfg.GetInt("MATOML_LISTEN_PORT", 9419))),
		metricsAddr: cfg.GetString("METRICS_LISTEN", ""),
		mlSessions:  make(map[string]*matoml.Session),
	}

	d.meta = metadata.New(dataPath, loadMetaID(dataPath), loadMetaVersion(dataPath))
	d.topo = loadTopology(cfg.GetString("TOPOLOGY_FILENAME", filepath.Join(dataPath, "mfstopology.cfg")))
	loadMultilanClasses(d.lan, cfg.GetString("MULTILAN_CLASSES", ""))

	mode := changelog.ModeBackground
	if flagSingleUser || strings.EqualFold(cfg.GetString("CHANGELOG_MODE", "background"), "sync") {
		mode = changelog.ModeSync
	}

	var persister changelog.Persister
	switch mode {
	case changelog.ModeSync:
		sp, err := openSyncPersister(dataPath)
		if err != nil {
			return nil, err
		}
		d.syncPersist = sp
		persister = sp
	default:
		// SpawnSelf re-execs this binary with only a single argv marker, so
		// the data path and rotation depth it needs are threaded through the
		// environment the child inherits rather than extra argv slots.
		os.Setenv("MFSMASTER_DATA_PATH", dataPath)
		os.Setenv("MFSMASTER_BACK_LOGS", strconv.Itoa(cfg.GetInt("BACK_LOGS", 50)))
		saver, err := bgsaver.SpawnSelf("__bgsaver", d.onChangelogAck, d.onBgSaverFatal)
		if err != nil {
			return nil, fmt.Errorf("mfsmaster: spawn bg-saver: %w", err)
		}
		d.saver = saver
		persister = &bgsaverPersister{sup: saver}
	}

	d.chlog = changelog.New(changelog.Config{
		Mode:              mode,
		Persister:         persister,
		Meta:              d.meta,
		SecondsToRemember: cfg.GetSeconds("CHANGELOG_SECONDS_TO_REMEMBER", time.Hour),
		PreserveBytes:     int64(cfg.GetInt("CHANGELOG_PRESERVE_BYTES", 50<<20)),
	})
	d.chlogSrc = changelogSource{cl: d.chlog}

	d.csdb = csdb.New(csdbLogger{cl: d.chlog}, nil)

	th := matocs.DefaultThresholds
	th.HeavyLoadThreshold = cfg.GetUint32("HEAVY_LOAD_THRESHOLD", th.HeavyLoadThreshold)
	th.HeavyLoadRatioThreshold = cfg.GetFloat("HEAVY_LOAD_RATIO_THRESHOLD", th.HeavyLoadRatioThreshold)
	th.HeavyLoadGracePeriod = cfg.GetSeconds("HEAVY_LOAD_GRACE_PERIOD", th.HeavyLoadGracePeriod)
	d.matocsMgr = matocs.NewManager(d.csdb, d.ledger, d.topo, th)

	var authSecret []byte
	if s := cfg.GetString("AUTH_SECRET", ""); s != "" {
		authSecret = []byte(s)
	}
	d.dispatcher = matocs.NewDispatcher(d.matocsMgr, d.chunkTbl, d.meta, d.vershex)
	d.dispatcher.AuthSecret = authSecret

	if cp := cfg.GetString("CHECKPOINT_FILE", filepath.Join(dataPath, "matoml_checkpoints.db")); cp != "" {
		store, err := matoml.OpenCheckpointStore(cp)
		if err != nil {
			return nil, err
		}
		d.checkpointDB = store
	}

	d.metricsReg = metrics.New()
	return d, nil
}

// onChangelogAck is the bg-saver's CHANGELOG_ACK callback, feeding the
// changelog_delay diagnostic (spec §4.7).
func (d *daemon) onChangelogAck(ts uint32) {
	d.metricsReg.ChangelogDelay.Set(float64(bgsaver.ChangelogDelay(time.Now(), ts)))
}

// onBgSaverFatal implements spec §4.7's escalation: the status pipe dying
// means the child is gone, and since ModeBackground has no synchronous
// fallback path wired here, the whole master follows it down rather than
// silently losing durability.
func (d *daemon) onBgSaverFatal(err error) {
	logrus.Errorf("mfsmaster: bg-saver died: %v, terminating", err)
	os.Exit(1)
}

// run wires every collaborator's lifecycle hooks into the event loop,
// starts both listeners under an errgroup, and blocks until ctx is
// cancelled or any supervised goroutine returns an error (spec §5, §4.2;
// SPEC_FULL.md's DOMAIN STACK errgroup entry).
func (d *daemon) run(ctx context.Context) error {
	d.registerHousekeeping()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.serveMATOCS(ctx) })
	g.Go(func() error { return d.serveMATOML(ctx) })
	g.Go(func() error {
		d.loop.Run(ctx)
		return nil
	})
	if d.metricsAddr != "" {
		g.Go(func() error { return d.metricsReg.Serve(ctx, d.metricsAddr) })
	}

	err := g.Wait()
	d.shutdown()
	return err
}

func (d *daemon) shutdown() {
	if d.saver != nil {
		_ = d.saver.Terminate()
	}
	if d.syncPersist != nil {
		_ = d.syncPersist.Close()
	}
	if d.checkpointDB != nil {
		_ = d.checkpointDB.Close()
	}
}

// registerHousekeeping wires every periodic collaborator check into the
// single cooperative scheduler (spec §4.2, §4.5, §4.9).
func (d *daemon) registerHousekeeping() {
	d.loop.Every(time.Second, 0, func(now time.Time) {
		d.coreMu.Lock()
		corrected := d.csdb.SelfCheck()
		d.coreMu.Unlock()
		if corrected {
			logrus.Warn("mfsmaster: csdb counters drifted, corrected")
		}
		if d.saver != nil && !d.saver.Healthy(now) {
			d.onBgSaverFatal(fmt.Errorf("no ack or alive message for %s", bgsaver.AliveTimeout))
		}
	})
	d.loop.Every(600*time.Second, 0, func(now time.Time) {
		d.coreMu.Lock()
		removed := d.csdb.RemoveUnused(d.cfg.GetInt("REMOVE_UNUSED_DAYS", 0))
		d.coreMu.Unlock()
		if removed > 0 {
			logrus.Infof("mfsmaster: removed %d stale chunk servers", removed)
		}
	})
	d.loop.Every(3600*time.Second, 0, func(now time.Time) {
		if err := d.rotateChangelog(); err != nil {
			logrus.Errorf("mfsmaster: changelog rotate: %v", err)
		}
	})
	d.loop.OnEachLoop(func() {
		d.metricsReg.PendingOps.Set(float64(d.ledger.PendingCount()))
	})
	d.loop.OnInfo(func() string {
		d.coreMu.Lock()
		defer d.coreMu.Unlock()
		return fmt.Sprintf("matocs sessions: %d, %s", len(d.matocsMgr.Sessions()), d.chunkTbl.String())
	})
	d.loop.OnReload(func() {
		cfg, err := config.Load(d.cfgPath)
		if err != nil {
			logrus.Errorf("mfsmaster: reload config: %v", err)
			return
		}
		d.cfg = cfg
	})
}

// rotateChangelog implements spec §4.7's documented fallback: rotate
// through the healthy bg-saver when one is running, otherwise rename the
// segments directly in this goroutine (sync mode, or an unhealthy saver).
func (d *daemon) rotateChangelog() error {
	if d.saver != nil && d.saver.Healthy(time.Now()) {
		return d.saver.RotateLog()
	}
	return d.chlog.Rotate(d.dataPath, d.backLogs)
}

func loadTopology(path string) *topology.Topology {
	f, err := os.Open(path)
	if err != nil {
		return topology.New()
	}
	defer f.Close()
	t, err := topology.Parse(f)
	if err != nil {
		logrus.Errorf("mfsmaster: parse topology %s: %v", path, err)
		return topology.New()
	}
	return t
}

// loadMultilanClasses parses a comma-separated CIDR list from config into
// multilan classes (spec §4.4); a real mfsipmap.cfg's static override
// table is left to a future enrichment since SPEC_FULL.md's multilan
// component only exercises the dynamic class rewrite.
func loadMultilanClasses(t *multilan.Table, csv string) {
	if csv == "" {
		return
	}
	for _, field := range strings.Split(csv, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(field)
		if err != nil {
			logrus.Errorf("mfsmaster: bad MULTILAN_CLASSES entry %q: %v", field, err)
			continue
		}
		t.AddClass(ipToUint32(ipnet.IP), ipToUint32(net.IP(ipnet.Mask)))
	}
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func loadMetaID(dataPath string) uint64 {
	v, err := os.ReadFile(filepath.Join(dataPath, "metadata.id"))
	if err != nil || len(v) != 8 {
		return 0
	}
	var id uint64
	for _, b := range v {
		id = id<<8 | uint64(b)
	}
	return id
}

// loadMetaVersion starts a fresh install at version 0; recovering it from
// a metadata image on restart depends on the dump/restore format, which
// is explicitly out of scope here (spec Non-goals, §1).
func loadMetaVersion(dataPath string) uint64 {
	return 0
}
