package goed2k

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goed2k/goed2k/proto"
)

const (
	SERVER_STATE_STOP = iota
	SERVER_STATE_RESOLVE
	SERVER_STATE_CONNECTING
	SERVER_STATE_HANDSHAKE
	SERVER_STATE_ACTIVE
)

const GED2K_VERSION_MAJOR = 1
const GED2K_VERSION_MINOR = 1
const GED2K_VERSION_TINY = 0

// ServerConnection is the single logical link to an index server:
// stop -> resolve -> connecting -> handshake -> active -> stop. Loss
// schedules a reconnect backed off by the failcount.
type ServerConnection struct {
	log     *zap.Logger
	session *Session

	mutex        sync.Mutex
	state        int
	conn         net.Conn
	address      string
	clientId     uint32
	tcpFlags     uint32
	failCount    int
	lastSent     time.Time
	lastReceived time.Time
	nextAttempt  time.Time
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewServerConnection(s *Session) *ServerConnection {
	return &ServerConnection{log: s.log.Named("server"), session: s, state: SERVER_STATE_STOP}
}

func (sc *ServerConnection) State() int {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.state
}

func (sc *ServerConnection) IsActive() bool {
	return sc.State() == SERVER_STATE_ACTIVE
}

func (sc *ServerConnection) ClientId() uint32 {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.clientId
}

func (sc *ServerConnection) IsLowId() bool {
	return proto.IsLowId(sc.ClientId())
}

// Start begins connecting to host:port. Safe to call again after stop.
func (sc *ServerConnection) Start(address string) {
	sc.mutex.Lock()
	if sc.state != SERVER_STATE_STOP {
		sc.mutex.Unlock()
		return
	}

	sc.state = SERVER_STATE_RESOLVE
	sc.address = address
	sc.ctx, sc.cancel = context.WithCancel(context.Background())
	ctx := sc.ctx
	sc.mutex.Unlock()

	go sc.run(ctx, address)
}

func (sc *ServerConnection) run(ctx context.Context, address string) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		sc.fail(err)
		return
	}

	resolveCtx, cancel := context.WithTimeout(ctx, sc.session.settings.PeerConnectTimeout)
	addrs, err := net.DefaultResolver.LookupHost(resolveCtx, host)
	cancel()
	if err != nil || len(addrs) == 0 {
		sc.fail(ErrUnreachableEndpoint)
		return
	}

	sc.setState(SERVER_STATE_CONNECTING)
	dialer := net.Dialer{Timeout: sc.session.settings.PeerConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addrs[0], port))
	if err != nil {
		sc.fail(ErrTimedOut)
		return
	}

	sc.mutex.Lock()
	sc.conn = conn
	sc.state = SERVER_STATE_HANDSHAKE
	sc.mutex.Unlock()

	login := sc.session.CreateLoginRequest()
	if _, err := sc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_LOGINREQUEST, &login); err != nil {
		sc.fail(err)
		return
	}

	sc.readLoop(conn)
}

func (sc *ServerConnection) readLoop(conn net.Conn) {
	combiner := proto.PacketCombiner{}
	for {
		conn.SetReadDeadline(time.Now().Add(sc.session.settings.KeepAliveTimeout * 2))
		ph, body, err := combiner.Read(conn)
		if err != nil {
			sc.fail(err)
			return
		}

		sc.mutex.Lock()
		sc.lastReceived = time.Now()
		sc.mutex.Unlock()

		if err := sc.onPacket(ph, body); err != nil {
			sc.fail(err)
			return
		}
	}
}

func (sc *ServerConnection) onPacket(ph proto.PacketHeader, body []byte) error {
	sb := proto.StateBuffer{Data: body}

	switch ph.Packet {
	case proto.OP_IDCHANGE:
		idc := proto.IdChange{}
		sb.Read(&idc)
		if sb.Error() != nil {
			return sb.Error()
		}

		sc.mutex.Lock()
		sc.clientId = idc.ClientId
		sc.tcpFlags = idc.TcpFlags
		sc.state = SERVER_STATE_ACTIVE
		sc.failCount = 0
		sc.mutex.Unlock()

		sc.log.Info("logged in", zap.Uint32("clientId", idc.ClientId),
			zap.Bool("lowId", proto.IsLowId(idc.ClientId)))
		sc.session.alerts.Push(ServerConnectionAlert{ClientId: idc.ClientId})
		sc.session.OnServerActive()
	case proto.OP_SERVERMESSAGE:
		sm := proto.ServerMessage{}
		sb.Read(&sm)
		if sb.Error() != nil {
			return sb.Error()
		}

		sc.session.alerts.Push(ServerMessageAlert{Message: sm.Message.ToString()})
	case proto.OP_SERVERSTATUS:
		ss := proto.Status{}
		sb.Read(&ss)
		if sb.Error() != nil {
			return sb.Error()
		}

		sc.session.alerts.Push(ServerStatusAlert{UsersCount: ss.UsersCount, FilesCount: ss.FilesCount})
	case proto.OP_SERVERIDENT:
		ident := proto.UsualPacket{}
		sb.Read(&ident)
		if sb.Error() != nil {
			return sb.Error()
		}

		sc.session.alerts.Push(ServerIdentAlert{Ident: ident})
	case proto.OP_SERVERLIST:
		sl := proto.ServerList{}
		sb.Read(&sl)
		if sb.Error() != nil {
			return sb.Error()
		}

		sc.log.Debug("server list", zap.Int("count", len(sl.Servers)))
	case proto.OP_SEARCHRESULT:
		res := proto.SearchResult{}
		sb.Read(&res)
		if sb.Error() != nil {
			return sb.Error()
		}

		items := make([]proto.SearchItem, 0, len(res.Items))
		for i := range res.Items {
			items = append(items, proto.ToSearchItem(&res.Items[i]))
		}

		sc.session.alerts.Push(SearchResultAlert{Items: items, MoreResults: res.MoreResults != 0})
	case proto.OP_FOUNDSOURCES:
		fs := proto.FoundFileSources{}
		sb.Read(&fs)
		if sb.Error() != nil {
			return sb.Error()
		}

		sc.session.alerts.Push(FoundSourcesAlert{Hash: fs.H, Sources: fs.Sources})
		sc.session.OnSourcesFound(fs.H, fs.Sources, PEER_SRC_SERVER)
	case proto.OP_CALLBACKREQUESTED:
		cb := proto.CallbackRequested{}
		sb.Read(&cb)
		if sb.Error() != nil {
			return sb.Error()
		}

		sc.session.OnCallbackRequested(cb.Point)
	case proto.OP_CALLBACK_FAIL:
		sc.session.alerts.Push(CallbackFailedAlert{})
	case proto.OP_REJECT:
		sc.log.Debug("server rejected last request")
	default:
		sc.log.Debug("unhandled server packet", zap.Uint8("opcode", ph.Packet))
	}

	return sb.Error()
}

// Search posts a compiled query tree.
func (sc *ServerConnection) Search(req proto.SearchRequest) error {
	if !sc.IsActive() {
		return ErrUnreachableEndpoint
	}

	_, err := sc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_SEARCHREQUEST, &req)
	return err
}

func (sc *ServerConnection) SearchMore() error {
	if !sc.IsActive() {
		return ErrUnreachableEndpoint
	}

	sm := proto.SearchMore{}
	_, err := sc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_QUERY_MORE_RESULT, &sm)
	return err
}

func (sc *ServerConnection) GetSources(h proto.ED2KHash, size uint64) error {
	if !sc.IsActive() {
		return ErrUnreachableEndpoint
	}

	gfs := proto.GetFileSources{Hash: h, FileSize: size}
	_, err := sc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_GETSOURCES, &gfs)
	return err
}

// RequestCallback asks the server to relay a connect-back from a LowID
// peer.
func (sc *ServerConnection) RequestCallback(clientId uint32) error {
	if !sc.IsActive() {
		return ErrUnreachableEndpoint
	}

	cr := proto.CallbackRequest{ClientId: clientId}
	_, err := sc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_CALLBACKREQUEST, &cr)
	return err
}

// Announce pushes a batch of shared files, bounded per call.
func (sc *ServerConnection) Announce(files []proto.UsualPacket, limit int) error {
	if !sc.IsActive() {
		return ErrUnreachableEndpoint
	}

	for len(files) > 0 {
		n := proto.Min(len(files), limit)
		batch := proto.OfferFilesList{Files: files[:n]}
		if _, err := sc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_OFFERFILES, &batch); err != nil {
			return err
		}

		files = files[n:]
	}

	return nil
}

// Tick drives keep-alive and reconnect from the session second tick.
func (sc *ServerConnection) Tick(now time.Time) {
	sc.mutex.Lock()
	state := sc.state
	idle := !sc.lastSent.IsZero() && now.Sub(sc.lastSent) > sc.session.settings.KeepAliveTimeout
	address := sc.address
	canRetry := sc.address != "" && (sc.nextAttempt.IsZero() || now.After(sc.nextAttempt))
	sc.mutex.Unlock()

	switch {
	case state == SERVER_STATE_ACTIVE && idle:
		gsl := proto.GetServerList{}
		sc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_GETSERVERLIST, &gsl)
	case state == SERVER_STATE_STOP && canRetry:
		sc.Start(address)
	}
}

func (sc *ServerConnection) SendPacket(protocol byte, packet byte, msg proto.SerializableSize) (int, error) {
	frame, err := proto.SerializePacket(protocol, packet, msg, false)
	if err != nil {
		return 0, err
	}

	sc.mutex.Lock()
	conn := sc.conn
	sc.lastSent = time.Now()
	sc.mutex.Unlock()

	if conn == nil {
		return 0, ErrConnectionReset
	}

	return conn.Write(frame)
}

func (sc *ServerConnection) setState(state int) {
	sc.mutex.Lock()
	sc.state = state
	sc.mutex.Unlock()
}

// fail closes the link and schedules the next attempt with failcount
// backoff, capped at ten intervals.
func (sc *ServerConnection) fail(err error) {
	sc.mutex.Lock()
	if sc.conn != nil {
		sc.conn.Close()
		sc.conn = nil
	}

	wasStopped := sc.state == SERVER_STATE_STOP
	sc.state = SERVER_STATE_STOP
	sc.clientId = 0
	sc.failCount++
	backoff := sc.failCount
	if backoff > 10 {
		backoff = 10
	}

	sc.nextAttempt = time.Now().Add(sc.session.settings.ReconnectTimeout * time.Duration(backoff))
	sc.mutex.Unlock()

	if !wasStopped {
		sc.log.Warn("server connection lost", zap.Error(err))
		sc.session.alerts.Push(ServerConnectionAlert{Err: err})
	}
}

// Stop drops the link without scheduling a reconnect.
func (sc *ServerConnection) Stop() {
	sc.mutex.Lock()
	if sc.cancel != nil {
		sc.cancel()
	}

	if sc.conn != nil {
		sc.conn.Close()
		sc.conn = nil
	}

	sc.state = SERVER_STATE_STOP
	sc.address = ""
	sc.clientId = 0
	sc.mutex.Unlock()
}
