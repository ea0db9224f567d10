package ims

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClientTx is a scripted sip.ClientTransaction fed by the fake
// transactor below.
type fakeClientTx struct {
	request   *sip.Request
	responses chan *sip.Response
	done      chan struct{}

	mu         sync.Mutex
	cancelled  bool
	terminated bool
	// onCancel lets a test script the peer's reaction to a CANCEL sent
	// for this transaction's INVITE, usually a 487 on the response
	// channel. The fake transactor fires it on a matching CANCEL.
	onCancel func(tx *fakeClientTx)
}

func newFakeClientTx(req *sip.Request) *fakeClientTx {
	return &fakeClientTx{
		request:   req,
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (m *fakeClientTx) Responses() <-chan *sip.Response { return m.responses }

func (m *fakeClientTx) Done() <-chan struct{} { return m.done }

func (m *fakeClientTx) Err() error { return nil }

func (m *fakeClientTx) Request() *sip.Request { return m.request }

func (m *fakeClientTx) Ack(req *sip.Request) error { return nil }

func (m *fakeClientTx) Close() error { return nil }

func (m *fakeClientTx) Terminate() {
	m.mu.Lock()
	m.terminated = true
	m.mu.Unlock()
}

func (m *fakeClientTx) cancel() {
	m.mu.Lock()
	already := m.cancelled
	m.cancelled = true
	onCancel := m.onCancel
	m.mu.Unlock()
	if !already && onCancel != nil {
		onCancel(m)
	}
}

func (m *fakeClientTx) OnTerminate(f sip.FnTxTerminate) bool { return false }

func (m *fakeClientTx) OnRetransmission(f func(r *sip.Response)) bool { return false }

func (m *fakeClientTx) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// fakeServerTx records every response a handler sends.
type fakeServerTx struct {
	request *sip.Request
	done    chan struct{}

	mu        sync.Mutex
	responses []*sip.Response
}

func newFakeServerTx(req *sip.Request) *fakeServerTx {
	return &fakeServerTx{request: req, done: make(chan struct{})}
}

func (m *fakeServerTx) Respond(res *sip.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, res)
	return nil
}

func (m *fakeServerTx) Responses() []*sip.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sip.Response, len(m.responses))
	copy(out, m.responses)
	return out
}

// LastStatus returns the status of the most recent response, 0 when none
// was sent.
func (m *fakeServerTx) LastStatus() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return 0
	}
	return int(m.responses[len(m.responses)-1].StatusCode)
}

func (m *fakeServerTx) Request() *sip.Request { return m.request }

func (m *fakeServerTx) Ack(req *sip.Request) error { return nil }

func (m *fakeServerTx) Cancel() error { return nil }

func (m *fakeServerTx) Close() error { return nil }

func (m *fakeServerTx) Done() <-chan struct{} { return m.done }

func (m *fakeServerTx) Terminate() {}

func (m *fakeServerTx) Err() error { return nil }

func (m *fakeServerTx) Acks() <-chan *sip.Request { return nil }

func (m *fakeServerTx) OnTerminate(f sip.FnTxTerminate) bool { return false }

func (m *fakeServerTx) OnClose(f sip.FnTxTerminate) bool { return false }

func (m *fakeServerTx) OnCancel(f func(r *sip.Request)) bool { return false }

// scriptStep feeds responses into the transaction created for one
// outbound request.
type scriptStep func(tx *fakeClientTx, req *sip.Request)

// fakeTransactor hands out scripted client transactions in request order
// and records everything sent through it.
type fakeTransactor struct {
	mu      sync.Mutex
	steps   []scriptStep
	sent    []*sip.Request
	written []*sip.Request
	txs     []*fakeClientTx
}

func (f *fakeTransactor) script(steps ...scriptStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

func (f *fakeTransactor) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	var step scriptStep
	if len(f.steps) > 0 {
		step = f.steps[0]
		f.steps = f.steps[1:]
	}
	tx := newFakeClientTx(req)
	f.txs = append(f.txs, tx)
	var toCancel []*fakeClientTx
	if req.Method == sip.CANCEL && req.CallID() != nil {
		for _, prev := range f.txs {
			if prev.request.Method == sip.INVITE && prev.request.CallID() != nil &&
				prev.request.CallID().Value() == req.CallID().Value() {
				toCancel = append(toCancel, prev)
			}
		}
	}
	f.mu.Unlock()
	for _, prev := range toCancel {
		prev.cancel()
	}
	if step != nil {
		step(tx, req)
	}
	return tx, nil
}

func (f *fakeTransactor) WriteRequest(req *sip.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, req)
	return nil
}

func (f *fakeTransactor) sentRequests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*sip.Request, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransactor) writtenRequests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*sip.Request, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransactor) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, r := range f.sent {
		out = append(out, string(r.Method))
	}
	return out
}

// replyWith scripts a single response built from the outbound request.
func replyWith(code int, reason string, decorate ...func(*sip.Response)) scriptStep {
	return func(tx *fakeClientTx, req *sip.Request) {
		res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
		for _, d := range decorate {
			d(res)
		}
		tx.responses <- res
	}
}

func withToTag(tag string) func(*sip.Response) {
	return func(res *sip.Response) {
		if to := res.To(); to != nil {
			to.Params.Add("tag", tag)
		}
	}
}

func withHeader(name, value string) func(*sip.Response) {
	return func(res *sip.Response) {
		res.AppendHeader(sip.NewHeader(name, value))
	}
}

func withBody(contentType string, body []byte) func(*sip.Response) {
	return func(res *sip.Response) {
		res.SetBody(body)
		res.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
}

func withContact(uriStr string) func(*sip.Response) {
	return func(res *sip.Response) {
		var u sip.Uri
		if err := sip.ParseUri(uriStr, &u); err != nil {
			panic(err)
		}
		res.AppendHeader(&sip.ContactHeader{Address: u})
	}
}

// recordingListener counts session lifecycle callbacks.
type recordingListener struct {
	mu              sync.Mutex
	started         int
	aborted         int
	abortedReasons  []TerminationReason
	remote          int
	rejectedUser    int
	rejectedTimeout int
	rejectedRemote  []int
	errs            []*ServiceError
}

func (l *recordingListener) HandleSessionStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *recordingListener) HandleSessionAborted(reason TerminationReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted++
	l.abortedReasons = append(l.abortedReasons, reason)
}

func (l *recordingListener) HandleSessionTerminatedByRemote() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote++
}

func (l *recordingListener) HandleSessionRejectedByUser() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectedUser++
}

func (l *recordingListener) HandleSessionRejectedByTimeout() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectedTimeout++
}

func (l *recordingListener) HandleSessionRejectedByRemote(statusCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectedRemote = append(l.rejectedRemote, statusCode)
}

func (l *recordingListener) HandleError(err *ServiceError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

// terminalCount sums the terminal callbacks; exactly one is expected per
// finished session.
func (l *recordingListener) terminalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted + l.remote + l.rejectedUser + l.rejectedTimeout + len(l.rejectedRemote) + len(l.errs)
}

func (l *recordingListener) startedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *recordingListener) remoteCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *recordingListener) abortedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

func (l *recordingListener) rejectedRemoteCodes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.rejectedRemote))
	copy(out, l.rejectedRemote)
	return out
}

func (l *recordingListener) errCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}
