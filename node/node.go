package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	tmdb "github.com/tendermint/tm-db"

	"stakebft/audit"
	"stakebft/config"
	"stakebft/consensus"
	"stakebft/dispute"
	"stakebft/ledger"
	"stakebft/libs/metric"
	"stakebft/oracle"
	"stakebft/power"
	"stakebft/privval"
	"stakebft/rpc"
	"stakebft/slot"
	"stakebft/state"
	"stakebft/store"
	"stakebft/types"
)

const engineDBName = "engine"

type Provider func(*config.Config, log.Logger) (*Node, error)

// Node is one engine process: the registry, resolver and arbiter of a
// validator, its p2p switch and its RPC server.
type Node struct {
	service.BaseService

	// config
	config     *config.Config
	genesisDoc *types.GenesisDoc
	privVal    types.PrivValidator
	nodeID     string

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// engine
	store     *store.KVStore
	evsw      events.EventSwitch
	ledger    ledger.Client
	registry  *state.Registry
	resolver  *consensus.Resolver
	arbiter   *dispute.Arbiter
	recorder  *audit.Recorder
	keyring   *privval.Keyring
	clock     *slot.Clock
	metricSet *metric.MetricSet

	consensusReactor *consensus.Reactor
	slotReactor      *slot.Reactor

	rpcListeners []net.Listener
}

type options struct {
	db       tmdb.DB
	ledger   ledger.Client
	oracle   oracle.ScoreOracle
	evidence dispute.EvidenceResolver
}

type Option func(*options)

// WithDB keeps the engine state in db instead of the node's data dir.
func WithDB(db tmdb.DB) Option {
	return func(o *options) {
		o.db = db
	}
}

// WithLedger replaces the ledger chosen by the engine config.
func WithLedger(client ledger.Client) Option {
	return func(o *options) {
		o.ledger = client
	}
}

// WithOracle replaces the default performance oracle.
func WithOracle(so oracle.ScoreOracle) Option {
	return func(o *options) {
		o.oracle = so
	}
}

func WithEvidenceResolver(er dispute.EvidenceResolver) Option {
	return func(o *options) {
		o.evidence = er
	}
}

// DefaultNewNode builds a node from the files under the config root.
func DefaultNewNode(config *config.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}
	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())

	return NewNode(config, pv, nodeKey, genDoc, logger)
}

func NewNode(
	config *config.Config,
	privVal types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	logger log.Logger,
	opts ...Option,
) (*Node, error) {
	if err := config.Engine.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in [engine] section: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	engCfg := *config.Engine
	chainID := genDoc.ChainID
	nodeID := engCfg.NodeID
	if nodeID == "" {
		pub, err := privVal.GetPubKey()
		if err != nil {
			return nil, fmt.Errorf("can't get pubkey: %w", err)
		}
		nodeID = types.ValidatorIDFromPubKey(pub)
		engCfg.NodeID = nodeID
	}
	logger = logger.With("node", nodeID)

	kv, err := createStore(config, o.db, logger)
	if err != nil {
		return nil, err
	}

	evsw := events.NewEventSwitch()
	evsw.SetLogger(logger.With("module", "events"))

	ledgerClient, err := createLedger(&engCfg, genDoc, o.ledger, logger)
	if err != nil {
		return nil, err
	}

	scoreOracle := o.oracle
	if scoreOracle == nil {
		scoreOracle = oracle.Performance{}
	}
	guarded, err := oracle.NewGuarded(scoreOracle, engCfg.OracleTimeout, engCfg.OracleCacheSize)
	if err != nil {
		return nil, err
	}
	guarded.SetLogger(logger.With("module", "oracle"))

	calc, err := power.NewCalculator(power.ParamsFromConfig(&engCfg), guarded)
	if err != nil {
		return nil, err
	}
	calc.SetLogger(logger.With("module", "power"))

	registry := state.NewRegistry(&engCfg, state.MakeGenesisState(genDoc, engCfg.InitialReputation), ledgerClient, calc,
		state.WithStore(kv), state.WithEventSwitch(evsw))
	registry.SetLogger(logger.With("module", "registry"))
	if err := registry.LoadFromStore(); err != nil {
		return nil, err
	}

	epoch, found, err := kv.LoadEpoch()
	if err != nil {
		return nil, fmt.Errorf("load epoch: %w", err)
	}
	if !found || epoch.Before(genDoc.InitialEpoch) {
		epoch = genDoc.InitialEpoch
	}

	resolver := consensus.NewResolver(&engCfg, chainID, epoch,
		consensus.WithPrivValidator(privVal),
		consensus.WithEventSwitch(evsw),
		consensus.WithParticipationRecorder(registry),
	)
	resolver.SetLogger(logger.With("module", "consensus"))

	// only arbiters open disputes on failed topics, or every active
	// validator would open its own
	arbCfg := engCfg
	if arbCfg.AutoDisputeOnFailure && !isArbiter(genDoc, nodeID, arbCfg.ArbiterRole) {
		logger.Info("not an arbiter, failed topics won't be disputed automatically")
		arbCfg.AutoDisputeOnFailure = false
	}

	var consensusReactor *consensus.Reactor
	arbiter := dispute.NewArbiter(&arbCfg, chainID, registry, resolver, ledgerClient,
		dispute.WithPrivValidator(privVal),
		dispute.WithStore(kv),
		dispute.WithEventSwitch(evsw),
		dispute.WithEvidenceResolver(o.evidence),
		dispute.WithBroadcaster(func(msg *types.DisputeMessage) {
			consensusReactor.BroadcastDispute(msg)
		}),
	)
	arbiter.SetLogger(logger.With("module", "dispute"))
	if err := arbiter.LoadFromStore(); err != nil {
		return nil, err
	}

	keyring := privval.NewKeyringFromGenesis(genDoc)
	consensusReactor = consensus.NewReactor(chainID, resolver, keyring, consensus.WithDisputeHandler(arbiter))
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	recorder := audit.NewRecorder(evsw, kv, engCfg.AuditStreamBuffer)
	recorder.SetLogger(logger.With("module", "audit"))

	clock := slot.NewClock(epoch, engCfg.EpochDuration)
	clock.SetLogger(logger.With("module", "clock"))
	slotReactor := slot.NewReactor(clock)
	slotReactor.SetLogger(logger.With("module", "slot"))

	metricSet := metric.NewMetricSet()
	for label, item := range map[string]metric.MetricItem{
		"consensus": resolver.Metrics(),
		"dispute":   arbiter.Metrics(),
		"registry":  registry.Metrics(),
		"audit":     recorder.Metrics(),
	} {
		if err := metricSet.SetMetrics(label, item); err != nil {
			return nil, err
		}
	}

	p2pLogger := logger.With("module", "p2p")

	// setup node identity
	nodeInfo, err := makeNodeInfo(config, nodeKey, chainID)
	if err != nil {
		return nil, err
	}

	// Setup Transport.
	transport := createTransport(nodeInfo, nodeKey)

	// Setup Switch.
	sw := createSwitch(config, transport, consensusReactor, slotReactor, nodeInfo, nodeKey, p2pLogger)

	node := &Node{
		config:     config,
		genesisDoc: genDoc,
		privVal:    privVal,
		nodeID:     nodeID,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		store:     kv,
		evsw:      evsw,
		ledger:    ledgerClient,
		registry:  registry,
		resolver:  resolver,
		arbiter:   arbiter,
		recorder:  recorder,
		keyring:   keyring,
		clock:     clock,
		metricSet: metricSet,

		consensusReactor: consensusReactor,
		slotReactor:      slotReactor,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)
	return node, nil
}

func createStore(config *config.Config, db tmdb.DB, logger log.Logger) (*store.KVStore, error) {
	storeLogger := logger.With("module", "store")
	if db != nil {
		return store.NewKVStoreWithDB(db, storeLogger)
	}
	return store.NewKVStore(engineDBName, config.DBDir(), storeLogger)
}

func createLedger(cfg *config.EngineConfig, genDoc *types.GenesisDoc, client ledger.Client, logger log.Logger) (ledger.Client, error) {
	if client == nil {
		switch cfg.LedgerBackend {
		case config.LedgerBackendRPC:
			rc, err := ledger.NewRPCClient(cfg.LedgerRPCAddress)
			if err != nil {
				return nil, err
			}
			client = rc
		default:
			client = ledger.NewMemLedgerFromGenesis(genDoc)
		}
	}
	retrying := ledger.NewRetrying(client, cfg.LedgerTimeout, cfg.LedgerMaxElapsed)
	retrying.SetLogger(logger.With("module", "ledger"))
	return retrying, nil
}

func isArbiter(genDoc *types.GenesisDoc, id, role string) bool {
	s, ok := genDoc.Staker(id)
	if !ok {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func createTransport(
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = conn.DefaultMConnConfig()
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)
	return transport
}

func createSwitch(config *config.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	slotReactor *slot.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", consensusReactor)
	sw.AddReactor("SLOT", slotReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

// NodeID is the registry id this node votes and arbitrates as.
func (n *Node) NodeID() string {
	return n.nodeID
}

func (n *Node) Resolver() *consensus.Resolver {
	return n.resolver
}

func (n *Node) Arbiter() *dispute.Arbiter {
	return n.arbiter
}

func (n *Node) Registry() *state.Registry {
	return n.registry
}

func (n *Node) Recorder() *audit.Recorder {
	return n.recorder
}

func (n *Node) OnStart() error {
	if err := n.evsw.Start(); err != nil {
		return err
	}
	if err := n.recorder.Start(); err != nil {
		return err
	}

	// enter the starting epoch before anything can vote
	n.enterEpoch(n.clock.GetEpoch())

	if err := n.resolver.Start(); err != nil {
		return err
	}
	if err := n.arbiter.Start(); err != nil {
		return err
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// start the Switch
	if err := n.sw.Start(); err != nil {
		return err
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	if err := n.clock.Start(); err != nil {
		return err
	}
	go n.epochRoutine()
	return nil
}

func (n *Node) OnStop() {
	n.Logger.Info("Stopping Node")

	if err := n.clock.Stop(); err != nil {
		n.Logger.Error("Error stopping clock", "err", err)
	}
	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("Error stopping switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("Error closing transport", "err", err)
	}
	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("Error closing listener", "listener", l, "err", err)
		}
	}
	if err := n.arbiter.Stop(); err != nil {
		n.Logger.Error("Error stopping arbiter", "err", err)
	}
	if err := n.resolver.Stop(); err != nil {
		n.Logger.Error("Error stopping resolver", "err", err)
	}
	if err := n.recorder.Stop(); err != nil {
		n.Logger.Error("Error stopping audit recorder", "err", err)
	}
	if err := n.evsw.Stop(); err != nil {
		n.Logger.Error("Error stopping event switch", "err", err)
	}
	if err := n.store.Close(); err != nil {
		n.Logger.Error("Error closing store", "err", err)
	}
}

// epochRoutine rotates the active set on every tick of the clock.
func (n *Node) epochRoutine() {
	for {
		select {
		case <-n.Quit():
			return
		case epoch := <-n.clock.Chan():
			n.enterEpoch(epoch)
			n.slotReactor.BroadcastEpoch(epoch)
		}
	}
}

// enterEpoch refreshes the registry from the ledger, selects the active set
// of epoch and hands it to the resolver. A failed refresh selects from the
// last good snapshot.
func (n *Node) enterEpoch(epoch types.Epoch) {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.Engine.EpochDuration)
	defer cancel()

	if err := n.registry.Refresh(ctx, epoch); err != nil {
		n.Logger.Error("ledger refresh failed", "epoch", epoch, "err", err)
	}
	set, err := n.registry.SelectActiveSet(ctx, n.config.Engine.ActiveSetSize, epoch)
	if err != nil {
		n.Logger.Error("active set selection failed", "epoch", epoch, "err", err)
		return
	}
	if err := n.resolver.AdvanceEpoch(epoch, set); err != nil {
		n.Logger.Error("can't enter epoch", "epoch", epoch, "err", err)
		return
	}
	if err := n.store.SaveEpoch(epoch); err != nil {
		n.Logger.Error("failed to persist epoch", "epoch", epoch, "err", err)
	}
}

// startRPC serves the engine routes, the ledger routes of a local ledger
// and the audit stream.
func (n *Node) startRPC() ([]net.Listener, error) {
	env := &rpc.Environment{
		NodeID:    n.nodeID,
		Resolver:  n.resolver,
		Arbiter:   n.arbiter,
		Registry:  n.registry,
		Recorder:  n.recorder,
		Verifier:  n.keyring,
		MetricSet: n.metricSet,
		Logger:    n.Logger.With("module", "rpc"),
	}
	routes := rpc.Routes(env)
	if mem, ok := localLedger(n.ledger); ok {
		rpc.AddRoutes(routes, ledger.Routes(mem))
	}

	rpcLogger := n.Logger.With("module", "rpc-server")
	mux := http.NewServeMux()
	wm := rpcserver.NewWebsocketManager(routes)
	wm.SetLogger(rpcLogger.With("protocol", "websocket"))
	mux.HandleFunc("/websocket", wm.WebsocketHandler)
	rpcserver.RegisterRPCFuncs(mux, routes, rpcLogger)
	mux.HandleFunc(rpc.AuditStreamPath, env.AuditStreamHandler())

	config := rpcserver.DefaultConfig()
	config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
	config.MaxHeaderBytes = n.config.RPC.MaxHeaderBytes
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	listeners := make([]net.Listener, 0, len(listenAddrs))
	for _, listenAddr := range listenAddrs {
		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil &&
				!errors.Is(err, net.ErrClosed) {
				rpcLogger.Error("Error serving server", "err", err)
			}
		}()
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

func localLedger(c ledger.Client) (*ledger.MemLedger, bool) {
	if r, ok := c.(*ledger.Retrying); ok {
		c = r.Unwrap()
	}
	mem, ok := c.(*ledger.MemLedger)
	return mem, ok
}
