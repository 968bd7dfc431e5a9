package goed2k

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/goed2k/goed2k/proto"
)

// Alert is one event surfaced to the embedder. Every asynchronous
// operation emits exactly one terminal alert; progress and state
// changes are non-terminal.
type Alert interface {
	What() string
}

type ServerMessageAlert struct {
	Message string
}

func (a ServerMessageAlert) What() string {
	return "server message: " + a.Message
}

type ServerStatusAlert struct {
	UsersCount uint32
	FilesCount uint32
}

func (a ServerStatusAlert) What() string {
	return fmt.Sprintf("server status: %d users %d files", a.UsersCount, a.FilesCount)
}

type ServerIdentAlert struct {
	Ident proto.UsualPacket
}

func (a ServerIdentAlert) What() string {
	return "server ident"
}

type ServerConnectionAlert struct {
	ClientId uint32
	Err      error
}

func (a ServerConnectionAlert) What() string {
	if a.Err != nil {
		return "server connection failed: " + a.Err.Error()
	}

	if proto.IsLowId(a.ClientId) {
		return fmt.Sprintf("server connection: LowID %d", a.ClientId)
	}

	return fmt.Sprintf("server connection: HighID %d", a.ClientId)
}

type SearchResultAlert struct {
	Items       []proto.SearchItem
	MoreResults bool
}

func (a SearchResultAlert) What() string {
	return fmt.Sprintf("search result: %d items", len(a.Items))
}

type FoundSourcesAlert struct {
	Hash    proto.ED2KHash
	Sources []proto.Endpoint
}

func (a FoundSourcesAlert) What() string {
	return fmt.Sprintf("found %d sources for %s", len(a.Sources), a.Hash.ToString())
}

type CallbackFailedAlert struct {
	ClientId uint32
}

func (a CallbackFailedAlert) What() string {
	return fmt.Sprintf("callback to %d failed", a.ClientId)
}

type TransferAddedAlert struct {
	Hash proto.ED2KHash
}

func (a TransferAddedAlert) What() string {
	return "transfer added: " + a.Hash.ToString()
}

type StateChangedAlert struct {
	Hash proto.ED2KHash
	Old  TransferState
	New  TransferState
}

func (a StateChangedAlert) What() string {
	return fmt.Sprintf("transfer %s: %v -> %v", a.Hash.ToString(), a.Old, a.New)
}

type TransferCompletedAlert struct {
	Hash proto.ED2KHash
}

func (a TransferCompletedAlert) What() string {
	return "transfer completed: " + a.Hash.ToString()
}

type TransferErrorAlert struct {
	Hash proto.ED2KHash
	Err  error
}

func (a TransferErrorAlert) What() string {
	return fmt.Sprintf("transfer %s failed: %v", a.Hash.ToString(), a.Err)
}

type ResumeDataAlert struct {
	Hash   proto.ED2KHash
	Params proto.AddTransferParameters
}

func (a ResumeDataAlert) What() string {
	return "resume data: " + a.Hash.ToString()
}

type PieceFailedAlert struct {
	Hash       proto.ED2KHash
	PieceIndex int
}

func (a PieceFailedAlert) What() string {
	return fmt.Sprintf("piece %d failed hash check on %s", a.PieceIndex, a.Hash.ToString())
}

type PeerDisconnectedAlert struct {
	Point proto.Endpoint
	Err   error
}

func (a PeerDisconnectedAlert) What() string {
	return fmt.Sprintf("peer %s disconnected: %v", a.Point.AsString(), a.Err)
}

type ListenFailedAlert struct {
	Port uint16
	Err  error
}

func (a ListenFailedAlert) What() string {
	return fmt.Sprintf("listen on %d failed: %v", a.Port, a.Err)
}

type SessionStatsAlert struct {
	DownloadRate int
	UploadRate   int
}

func (a SessionStatsAlert) What() string {
	return fmt.Sprintf("rates: down %s/s up %s/s",
		humanize.Bytes(uint64(a.DownloadRate)), humanize.Bytes(uint64(a.UploadRate)))
}

// AlertQueue is the bounded, mutex-guarded event channel between the
// engine workers and the embedder. Overflow drops the oldest entry so
// a stalled consumer cannot wedge the event loop.
type AlertQueue struct {
	mutex  sync.Mutex
	limit  int
	alerts []Alert
	signal chan struct{}
}

func NewAlertQueue(limit int) *AlertQueue {
	if limit <= 0 {
		limit = 1000
	}

	return &AlertQueue{limit: limit, signal: make(chan struct{}, 1)}
}

func (q *AlertQueue) Push(a Alert) {
	q.mutex.Lock()
	if len(q.alerts) >= q.limit {
		q.alerts = q.alerts[1:]
	}

	q.alerts = append(q.alerts, a)
	q.mutex.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// PopAll drains the queue.
func (q *AlertQueue) PopAll() []Alert {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	res := q.alerts
	q.alerts = nil
	return res
}

// Wait returns a channel pulsed whenever an alert arrives.
func (q *AlertQueue) Wait() <-chan struct{} {
	return q.signal
}
