package goed2k

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goed2k/goed2k/kad"
	"github.com/goed2k/goed2k/proto"
)

// Session owns every transfer, the connection registry, the bandwidth
// channels, the disk and hash workers, the server link and the kad
// node, and drives them all from one periodic tick.
type Session struct {
	log      *zap.Logger
	settings Settings

	mutex       sync.Mutex
	transfers   map[proto.ED2KHash]*Transfer
	connections map[proto.Endpoint]*PeerConnection
	checking    *Transfer
	checkQueue  []*Transfer
	externalIp  uint32
	nextStorage int
	nextQueue   int
	savePath    string
	closed      bool

	alerts      *AlertQueue
	disk        *DiskIO
	hasher      *TransferParamsMaker
	known       *KnownFiles
	upload      *BandwidthChannel
	download    *BandwidthChannel
	halfOpen    *HalfOpenThrottle
	uploadQueue *UploadQueue
	server      *ServerConnection
	slaves      []*ServerConnection
	dht         *kad.Node
	stat        Statistics

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
}

func NewSession(settings Settings, savePath string, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{
		log:         log.Named("session"),
		settings:    settings,
		transfers:   make(map[proto.ED2KHash]*Transfer),
		connections: make(map[proto.Endpoint]*PeerConnection),
		savePath:    savePath,
		alerts:      NewAlertQueue(settings.AlertQueueSize),
		upload:      NewBandwidthChannel(settings.UploadRateLimit),
		download:    NewBandwidthChannel(settings.DownloadRateLimit),
		halfOpen:    NewHalfOpenThrottle(settings.HalfOpenLimit),
		uploadQueue: NewUploadQueue(settings.UnchokeSlotsLimit),
		stat:        MakeStatistics(),
		quit:        make(chan struct{}),
	}

	s.disk = NewDiskIO(log, &settings)
	s.hasher = NewTransferParamsMaker(log)
	s.server = NewServerConnection(s)

	if settings.KnownFile != "" {
		known, err := OpenKnownFiles(filepath.Join(savePath, settings.KnownFile))
		if err != nil {
			s.log.Warn("known files db unavailable", zap.Error(err))
		} else {
			s.known = known
		}
	}

	return s, nil
}

// Start opens the listener and launches the tick loop.
func (s *Session) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.settings.ListenPort))
	if err != nil {
		s.alerts.Push(ListenFailedAlert{Port: s.settings.ListenPort, Err: err})
		return err
	}

	s.mutex.Lock()
	s.listener = listener
	s.mutex.Unlock()

	s.wg.Add(2)
	go s.acceptLoop(listener)
	go s.tickLoop()

	s.restoreKnownFiles()
	return nil
}

func (s *Session) restoreKnownFiles() {
	if s.known == nil {
		return
	}

	s.known.ForEach(func(atp proto.AddTransferParameters) error {
		if _, err := s.AddTransfer(atp); err != nil && err != ErrDuplicateTransfer {
			s.log.Warn("restore failed", zap.Error(err))
		}

		return nil
	})
}

func (s *Session) Stop() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}

	s.closed = true
	listener := s.listener
	transfers := make([]*Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		transfers = append(transfers, t)
	}
	connections := make([]*PeerConnection, 0, len(s.connections))
	for _, pc := range s.connections {
		connections = append(connections, pc)
	}
	s.mutex.Unlock()

	close(s.quit)
	if listener != nil {
		listener.Close()
	}

	s.server.Stop()
	for _, slave := range s.slaves {
		slave.Stop()
	}

	if s.dht != nil {
		s.dht.Stop()
	}

	for _, t := range transfers {
		s.saveResume(t)
		t.Abort()
	}

	for _, pc := range connections {
		pc.Close(ErrSessionClosing)
	}

	s.wg.Wait()
	s.hasher.Stop()
	s.disk.Stop()
	if s.known != nil {
		s.known.Close()
	}
}

func (s *Session) Alerts() *AlertQueue {
	return s.alerts
}

func (s *Session) Settings() *Settings {
	return &s.settings
}

// ServerConnect points the session at an index server.
func (s *Session) ServerConnect(address string) {
	s.server.Start(address)
}

// AddSlaveServer opens an additional announce-only server link.
func (s *Session) AddSlaveServer(address string) {
	slave := NewServerConnection(s)
	s.mutex.Lock()
	s.slaves = append(s.slaves, slave)
	s.mutex.Unlock()
	slave.Start(address)
}

// StartDHT brings the kad node up on the UDP port.
func (s *Session) StartDHT(port uint16) error {
	node, err := kad.NewNode(s.log, port, s.settings.SearchBranching, s.settings.MaxPeersReply)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.dht = node
	s.mutex.Unlock()
	return node.Start()
}

func (s *Session) Dht() *kad.Node {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dht
}

// AddTransfer registers a new transfer; one per hash.
func (s *Session) AddTransfer(atp proto.AddTransferParameters) (*Transfer, error) {
	if atp.Filesize == 0 {
		return nil, ErrFileSizeZero
	}

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil, ErrSessionClosing
	}

	if _, ok := s.transfers[atp.Hashes.Hash]; ok {
		s.mutex.Unlock()
		return nil, ErrDuplicateTransfer
	}

	s.nextStorage++
	s.nextQueue++
	path := filepath.Join(s.savePath, atp.Filename.ToString())
	t := CreateTransfer(s, atp, path, s.nextStorage, s.nextQueue)
	s.transfers[atp.Hashes.Hash] = t
	s.mutex.Unlock()

	s.alerts.Push(TransferAddedAlert{Hash: t.Hash()})

	if s.acceptResume(t, &atp) {
		t.ApplyResume(&atp)
		t.finishChecklessStart()
	} else {
		s.queueCheck(t)
	}

	return t, nil
}

// acceptResume decides whether stored state replaces the full check. A
// mtime mismatch in strict mode rejects the blob and queues the check.
func (s *Session) acceptResume(t *Transfer, atp *proto.AddTransferParameters) bool {
	if atp.Pieces.Count() == 0 && len(atp.DownloadedBlocks) == 0 {
		return false
	}

	if s.settings.IgnoreResumeTimestamps {
		return true
	}

	st, err := os.Stat(t.Filepath())
	if err != nil || atp.SavedMtime == 0 {
		return false
	}

	if st.ModTime().Unix() != atp.SavedMtime {
		s.log.Debug("resume data rejected", zap.String("hash", t.Hash().ToString()),
			zap.Error(ErrMismatchingFileMtime))
		return false
	}

	return true
}

// AddTransferFromLink decodes an ed2k link into a fresh transfer.
func (s *Session) AddTransferFromLink(link string) (*Transfer, error) {
	l, err := proto.ParseED2KLink(link)
	if err != nil {
		return nil, err
	}

	atp := proto.CreateAddTransferParameters(l.Hash, l.Size, l.Name)
	return s.AddTransfer(atp)
}

// ShareFile hashes a local file and registers it for seeding.
func (s *Session) ShareFile(path string) error {
	_, err := s.hasher.Submit(path, func(res HashResult) {
		if res.Err != nil {
			s.alerts.Push(TransferErrorAlert{Err: res.Err})
			return
		}

		if t, err := s.AddTransfer(res.Params); err == nil {
			t.mutex.Lock()
			t.filepath = res.Path
			t.mutex.Unlock()
		}
	})

	return err
}

func (s *Session) RemoveTransfer(h proto.ED2KHash) error {
	s.mutex.Lock()
	t, ok := s.transfers[h]
	if ok {
		delete(s.transfers, h)
	}
	s.mutex.Unlock()

	if !ok {
		return ErrInvalidHandle
	}

	t.Abort()
	if s.known != nil {
		s.known.Remove(h)
	}

	return nil
}

func (s *Session) FindTransfer(h proto.ED2KHash) *Transfer {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.transfers[h]
}

// queueCheck funnels transfers through the single checking slot.
func (s *Session) queueCheck(t *Transfer) {
	s.mutex.Lock()
	if s.checking == nil {
		s.checking = t
		s.mutex.Unlock()
		t.StartCheck()
		return
	}

	s.checkQueue = append(s.checkQueue, t)
	s.mutex.Unlock()
}

// OnCheckFinished promotes the next queued transfer into the checking
// slot.
func (s *Session) OnCheckFinished(t *Transfer) {
	s.mutex.Lock()
	if s.checking == t {
		s.checking = nil
	}

	var next *Transfer
	if s.checking == nil && len(s.checkQueue) > 0 {
		next = s.checkQueue[0]
		s.checkQueue = s.checkQueue[1:]
		s.checking = next
	}
	s.mutex.Unlock()

	if next != nil {
		next.StartCheck()
	}

	// a transfer that just came out of checking asks for sources right
	// away
	if s.server.IsActive() && !t.IsFinished() {
		s.server.GetSources(t.Hash(), t.Size())
	}
}

// Search compiles and posts a keyword query to the active server.
func (s *Session) Search(query string) error {
	req, err := proto.BuildSearchRequest(query)
	if err != nil {
		return err
	}

	return s.server.Search(req)
}

func (s *Session) SearchMore() error {
	return s.server.SearchMore()
}

// OnServerActive runs on login: announce the share and query sources
// for every incomplete transfer.
func (s *Session) OnServerActive() {
	files := []proto.UsualPacket{}
	s.mutex.Lock()
	transfers := make([]*Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		transfers = append(transfers, t)
	}
	clientId := s.server.ClientId()
	s.mutex.Unlock()

	for _, t := range transfers {
		if t.CanShare() {
			up := proto.UsualPacket{H: t.Hash(), Point: proto.Endpoint{Ip: clientId, Port: s.settings.ListenPort}}
			name, err := proto.CreateTag(t.Filename(), proto.FT_FILENAME, "")
			if err != nil {
				continue
			}

			up.Properties = append(up.Properties, name)
			up.Properties = append(up.Properties, proto.MustTag(t.Size(), proto.FT_FILESIZE, ""))
			files = append(files, up)
		}

		if !t.IsFinished() {
			s.server.GetSources(t.Hash(), t.Size())
		}
	}

	if len(files) > 0 {
		s.announce(files)
	}
}

// announce fans the shared list out to the active server and every
// slave link.
func (s *Session) announce(files []proto.UsualPacket) {
	limit := s.settings.AnnounceItemsPerCallLimit
	s.server.Announce(files, limit)

	s.mutex.Lock()
	slaves := append([]*ServerConnection{}, s.slaves...)
	s.mutex.Unlock()

	for _, slave := range slaves {
		slave.Announce(files, limit)
	}
}

// OnSourcesFound seeds transfer peers from server or kad results.
func (s *Session) OnSourcesFound(h proto.ED2KHash, sources []proto.Endpoint, sourceFlag byte) {
	t := s.FindTransfer(h)
	if t == nil {
		return
	}

	for _, ep := range sources {
		if ep.IsEmpty() || proto.IsLowId(ep.Ip) {
			// LowID sources go through the server callback
			if !ep.IsEmpty() && s.server.IsActive() && !s.server.IsLowId() {
				s.server.RequestCallback(ep.Ip)
			}

			continue
		}

		t.AddPeer(ep, sourceFlag)
	}
}

// OnCallbackRequested answers a LowID relay: connect out immediately.
func (s *Session) OnCallbackRequested(point proto.Endpoint) {
	s.log.Debug("callback requested", zap.String("endpoint", point.AsString()))
	s.ConnectToPeer(point, nil)
}

func (s *Session) OnPublicIp(ip uint32) {
	s.mutex.Lock()
	changed := s.externalIp != ip
	s.externalIp = ip
	dht := s.dht
	s.mutex.Unlock()

	if changed && dht != nil {
		dht.SetExternalIp(ip)
	}
}

// ConnectToPeer opens the single allowed connection to an endpoint and
// binds it to the transfer when one is given.
func (s *Session) ConnectToPeer(endpoint proto.Endpoint, t *Transfer) *PeerConnection {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}

	if _, ok := s.connections[endpoint]; ok {
		s.mutex.Unlock()
		return nil
	}

	if len(s.connections) >= s.settings.ConnectionsLimit {
		s.mutex.Unlock()
		return nil
	}

	pc := NewPeerConnection(s, endpoint, nil, false)
	s.connections[endpoint] = pc
	s.mutex.Unlock()

	if t != nil {
		t.AttachPeer(pc)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pc.Connect()
	}()

	return pc
}

func (s *Session) GetPeerConnection(endpoint proto.Endpoint) *PeerConnection {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.connections[endpoint]
}

func (s *Session) PeerConnectionClosed(pc *PeerConnection, err error) {
	s.mutex.Lock()
	if cur, ok := s.connections[pc.endpoint]; ok && cur == pc {
		delete(s.connections, pc.endpoint)
	}
	s.mutex.Unlock()
}

func (s *Session) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}

			s.log.Warn("accept failed", zap.Error(err))
			return
		}

		endpoint := endpointFromAddr(conn.RemoteAddr())

		s.mutex.Lock()
		_, dup := s.connections[endpoint]
		tooMany := len(s.connections) >= s.settings.ConnectionsLimit
		if !dup && !tooMany && !s.closed {
			pc := NewPeerConnection(s, endpoint, conn, true)
			s.connections[endpoint] = pc
			s.mutex.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				pc.Start()
			}()
			continue
		}
		s.mutex.Unlock()

		// duplicate inbound is refused, the first connection wins
		if dup {
			s.log.Debug("duplicate peer refused", zap.String("endpoint", endpoint.AsString()),
				zap.Error(ErrDuplicatePeerId))
		}

		conn.Close()
	}
}

func endpointFromAddr(addr net.Addr) proto.Endpoint {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return proto.Endpoint{}
	}

	ip4 := tcp.IP.To4()
	if ip4 == nil {
		return proto.Endpoint{}
	}

	return proto.Endpoint{
		Ip:   uint32(ip4[0]) | uint32(ip4[1])<<8 | uint32(ip4[2])<<16 | uint32(ip4[3])<<24,
		Port: uint16(tcp.Port),
	}
}

// tickLoop is the session heart: it wakes on the tick interval and runs
// secondTick once at least a whole second has passed since the last run.
func (s *Session) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.settings.TickInterval)
	defer ticker.Stop()

	lastSecond := time.Now()
	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			if now.Sub(lastSecond) >= time.Second {
				s.secondTick(now.Sub(lastSecond), now)
				lastSecond = now
			}
		}
	}
}

func (s *Session) secondTick(duration time.Duration, now time.Time) {
	s.server.Tick(now)

	s.mutex.Lock()
	slaves := append([]*ServerConnection{}, s.slaves...)
	transfers := make([]*Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		transfers = append(transfers, t)
	}
	dht := s.dht
	s.mutex.Unlock()

	for _, slave := range slaves {
		slave.Tick(now)
	}

	for _, t := range transfers {
		t.SecondTick(duration, now)
		s.stat.Add(t.Stat())
	}

	s.connectNewPeers(transfers, now)
	s.pushQueueRankings()
	s.stat.SecondTick(duration)
	s.alerts.Push(SessionStatsAlert{DownloadRate: s.stat.DownloadRate(), UploadRate: s.stat.UploadRate()})

	if dht != nil {
		dht.Tick(now)
	}

	s.autosaveResume(transfers)
}

// connectNewPeers hands out this second's connect budget round robin
// across the transfers that want more peers.
func (s *Session) connectNewPeers(transfers []*Transfer, now time.Time) {
	budget := s.settings.ConnectionSpeed
	if budget <= 0 {
		return
	}

	steps := len(transfers) * 2
	for i := 0; budget > 0 && i < steps; i++ {
		t := transfers[i%len(transfers)]
		if !t.WantMorePeers() {
			continue
		}

		candidate := t.FindConnectCandidate(now)
		if candidate == nil || candidate.IsEmpty() {
			continue
		}

		if pc := s.ConnectToPeer(candidate.Endpoint(), t); pc != nil {
			candidate.LastConnected = now
			budget--
		}
	}
}

func (s *Session) pushQueueRankings() {
	for pc, rank := range s.uploadQueue.Rankings() {
		pc.SendQueueRank(rank)
	}
}

func (s *Session) autosaveResume(transfers []*Transfer) {
	for _, t := range transfers {
		if t.NeedSaveResumeData() {
			s.saveResume(t)
		}
	}
}

func (s *Session) saveResume(t *Transfer) {
	params := t.Params()
	s.alerts.Push(ResumeDataAlert{Hash: t.Hash(), Params: params})
	if s.known != nil {
		if err := s.known.Store(&params); err != nil {
			s.log.Warn("resume store failed", zap.Error(err))
		}
	}
}

// identity packets

func (s *Session) CreateLoginRequest() proto.LoginRequest {
	version := s.settings.AppVersion
	versionClient := uint32(GED2K_VERSION_MAJOR<<24 | GED2K_VERSION_MINOR<<17 | GED2K_VERSION_TINY<<10 | 1<<7)
	capability := uint32(proto.CAPABLE_AUXPORT | proto.CAPABLE_NEWTAGS | proto.CAPABLE_UNICODE |
		proto.CAPABLE_LARGEFILES | proto.CAPABLE_ZLIB)

	login := proto.LoginRequest{}
	login.H = s.settings.UserAgent
	login.Point = proto.Endpoint{Ip: 0, Port: s.settings.ListenPort}
	login.Properties = append(login.Properties, proto.MustTag(version, proto.CT_VERSION, ""))
	login.Properties = append(login.Properties, proto.MustTag(capability, proto.CT_SERVER_FLAGS, ""))
	name, _ := proto.CreateTag(s.settings.ClientName, proto.CT_NAME, "")
	login.Properties = append(login.Properties, name)
	login.Properties = append(login.Properties, proto.MustTag(versionClient, proto.CT_EMULE_VERSION, ""))
	return login
}

func (s *Session) CreateHello() proto.Hello {
	return proto.Hello{HashSize: byte(proto.HASH_SIZE), Answer: s.CreateHelloAnswer()}
}

func (s *Session) CreateHelloAnswer() proto.HelloAnswer {
	answer := proto.HelloAnswer{}
	answer.H = s.settings.UserAgent
	answer.Point = proto.Endpoint{Ip: s.ExternalIp(), Port: s.settings.ListenPort}

	name, _ := proto.CreateTag(s.settings.ClientName, proto.CT_NAME, "")
	answer.Properties = append(answer.Properties, name)
	answer.Properties = append(answer.Properties, proto.MustTag(s.settings.AppVersion, proto.CT_VERSION, ""))

	mo := proto.MiscOptions{DataCompVer: 1, SourceExchange1Ver: 1, MultiPacket: 1}
	mo2 := proto.MiscOptions2(0)
	mo2.SetLargeFiles()
	mo2.SetSourceExt2()

	answer.Properties = append(answer.Properties, proto.MustTag(mo.AsUint32(), proto.CT_EMULE_MISCOPTIONS1, ""))
	answer.Properties = append(answer.Properties, proto.MustTag(uint32(mo2), proto.CT_EMULE_MISCOPTIONS2, ""))
	return answer
}

func (s *Session) CreateExtHello() proto.ExtHello {
	eh := proto.ExtHello{Version: 0x44, ProtocolVersion: 0x01}
	eh.Properties = append(eh.Properties, proto.MustTag(byte(1), proto.ET_COMPRESSION, ""))
	eh.Properties = append(eh.Properties, proto.MustTag(byte(1), proto.ET_SOURCEEXCHANGE, ""))
	eh.Properties = append(eh.Properties, proto.MustTag(uint16(s.settings.ListenPort), proto.ET_UDPPORT, ""))
	return eh
}

func (s *Session) ExternalIp() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.externalIp
}

func (s *Session) Stat() *Statistics {
	return &s.stat
}

// SearchSourcesDHT looks a file hash up in the overlay and feeds hits
// into the transfer's peer list.
func (s *Session) SearchSourcesDHT(h proto.ED2KHash, size uint64) error {
	dht := s.Dht()
	if dht == nil {
		return ErrNoRouter
	}

	return dht.SearchSources(h, size, func(sources []proto.Endpoint) {
		s.OnSourcesFound(h, sources, PEER_SRC_DHT)
	})
}
