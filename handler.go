package palindrom

import "sync"

// StateResetFunc is called once with the freshly fetched document after the
// HTTP handshake succeeds.
type StateResetFunc func(doc *Document)

// SocketOpenedFunc is called once per successful socket upgrade.
type SocketOpenedFunc func()

// RemotePatchFunc is called after a patch batch from the server has been
// applied to the local document.
type RemotePatchFunc func(ops []Operation)

// eventSlots holds one subscriber per lifecycle event. Slots are filled
// before Start and read-only afterwards.
type eventSlots struct {
	mu           sync.RWMutex
	stateReset   StateResetFunc
	socketOpened SocketOpenedFunc
	remotePatch  RemotePatchFunc
	connError    ConnectionErrorHandler
}

func newEventSlots(onError ConnectionErrorHandler) *eventSlots {
	return &eventSlots{connError: onError}
}

func (s *eventSlots) fireStateReset(doc *Document) {
	s.mu.RLock()
	fn := s.stateReset
	s.mu.RUnlock()
	if fn != nil {
		fn(doc)
	}
}

func (s *eventSlots) fireSocketOpened() {
	s.mu.RLock()
	fn := s.socketOpened
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (s *eventSlots) fireRemotePatch(ops []Operation) {
	s.mu.RLock()
	fn := s.remotePatch
	s.mu.RUnlock()
	if fn != nil {
		fn(ops)
	}
}

func (s *eventSlots) fireConnectionError(e *ConnectionError) {
	s.mu.RLock()
	fn := s.connError
	s.mu.RUnlock()
	fn(e)
}
