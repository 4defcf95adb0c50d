package netevent

import (
	"container/heap"
	"errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
	"runtime"
	"sync"
	"time"
)

type eventLoopConfig struct {
	Name            string
	LockOsThread    bool
	EventBufferSize int
}

type fdState struct {
	read     *registration
	write    *registration
	attached bool
}

func (s *fdState) interest() Interest {
	var interest Interest
	if s.read != nil {
		interest |= Readable
	}
	if s.write != nil {
		interest |= Writable
	}
	return interest
}

func (s *fdState) slot(interest Interest) **registration {
	if interest == Readable {
		return &s.read
	}
	return &s.write
}

// eventLoop is one waiter goroutine with its own epoll instance and the
// registrations of the descriptors hashed onto it.
type eventLoop struct {
	Name         string
	lockOsThread bool
	isRunning    *atomic.Bool
	poller       *poller
	dispatch     func(task func(), fallback func(err error))
	stats        *engineStats

	lock      sync.Mutex
	fds       map[int]*fdState
	deadlines deadlineHeap
	done      chan struct{}
}

func newEventLoop(config eventLoopConfig, dispatch func(task func(), fallback func(err error)), stats *engineStats) (*eventLoop, error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	poller, err := openPoller(config.EventBufferSize)
	if err != nil {
		log.Error().Msgf("can't open poller: %+v", err)
		return nil, err
	}
	return &eventLoop{
		Name:         config.Name,
		lockOsThread: config.LockOsThread,
		isRunning:    atomic.NewBool(true),
		poller:       poller,
		dispatch:     dispatch,
		stats:        stats,
		fds:          make(map[int]*fdState),
		done:         make(chan struct{}),
	}, nil
}

func (el *eventLoop) start() {
	go el.run()
}

func (el *eventLoop) run() {
	defer close(el.done)
	if el.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for el.isRunning.Load() {
		evCount, err := el.poller.waitForEvents(el.nextTimeout(), el.onEvent)
		if err != nil {
			log.Error().Msgf("[%s] got error while waiting for the net events: %+v", el.Name, err)
			if errors.Is(err, unix.EBADF) {
				return
			}
		}
		el.expire(time.Now())
		if log.Debug().Enabled() && evCount > 0 {
			log.Debug().Msgf("[%s] processed %d netpoll events", el.Name, evCount)
		}
	}
}

func (el *eventLoop) register(fd int, interest Interest, timeout time.Duration, callback Callback) error {
	reg := &registration{fd: fd, interest: interest, callback: callback, index: -1}
	if timeout >= 0 {
		reg.deadline = time.Now().Add(timeout)
	}

	el.lock.Lock()
	if !el.isRunning.Load() {
		el.lock.Unlock()
		return ErrEngineClosed
	}
	state, ok := el.fds[fd]
	if !ok {
		state = &fdState{}
		el.fds[fd] = state
	}
	slot := state.slot(interest)
	previous := *slot
	if previous != nil {
		el.deadlines.remove(previous)
	}
	*slot = reg
	if err := el.apply(fd, state); err != nil {
		*slot = previous
		if previous != nil && previous.hasDeadline() {
			heap.Push(&el.deadlines, previous)
		}
		if state.interest() == 0 {
			delete(el.fds, fd)
		}
		el.lock.Unlock()
		return newNetError("register", fd, err)
	}
	wake := false
	if reg.hasDeadline() {
		heap.Push(&el.deadlines, reg)
		wake = el.deadlines[0] == reg
	}
	el.lock.Unlock()

	el.stats.registered.Inc()
	if previous != nil {
		el.stats.superseded.Inc()
		log.Warn().Msgf("[%d] %s registration superseded, previous callback dropped", fd, interest)
	}
	if wake {
		el.poller.wakeup()
	}
	return nil
}

// unregister drops every registration of fd and fails them with ErrClosed.
func (el *eventLoop) unregister(fd int) {
	el.lock.Lock()
	state, ok := el.fds[fd]
	if !ok {
		el.lock.Unlock()
		return
	}
	delete(el.fds, fd)
	var removed []*registration
	for _, reg := range []*registration{state.read, state.write} {
		if reg != nil {
			el.deadlines.remove(reg)
			removed = append(removed, reg)
		}
	}
	state.read, state.write = nil, nil
	if err := el.apply(fd, state); err != nil {
		log.Debug().Msgf("[%d] got error while detaching fd from netpoll: %v", fd, err)
	}
	el.lock.Unlock()

	for _, reg := range removed {
		el.stats.cancelled.Inc()
		el.fire(reg, ErrClosed)
	}
}

func (el *eventLoop) onEvent(fd int, events uint32) {
	ready := interestFromEvents(events)
	el.lock.Lock()
	state, ok := el.fds[fd]
	if !ok {
		// stale kernel interest, nobody is waiting for this fd anymore
		_ = el.poller.control(fd, 0, true)
		el.lock.Unlock()
		return
	}
	var fired []*registration
	if ready&Readable != 0 && state.read != nil {
		fired = append(fired, state.read)
		el.deadlines.remove(state.read)
		state.read = nil
	}
	if ready&Writable != 0 && state.write != nil {
		fired = append(fired, state.write)
		el.deadlines.remove(state.write)
		state.write = nil
	}
	if err := el.apply(fd, state); err != nil {
		log.Error().Msgf("[%d] got error while updating netpoll: %v", fd, err)
	}
	if state.interest() == 0 {
		delete(el.fds, fd)
	}
	el.lock.Unlock()

	for _, reg := range fired {
		el.stats.fired.Inc()
		el.fire(reg, nil)
	}
}

func (el *eventLoop) expire(now time.Time) {
	var expired []*registration
	el.lock.Lock()
	for len(el.deadlines) > 0 && !el.deadlines[0].deadline.After(now) {
		reg := heap.Pop(&el.deadlines).(*registration)
		expired = append(expired, reg)
		state, ok := el.fds[reg.fd]
		if !ok {
			continue
		}
		slot := state.slot(reg.interest)
		if *slot == reg {
			*slot = nil
		}
		if err := el.apply(reg.fd, state); err != nil {
			log.Error().Msgf("[%d] got error while updating netpoll: %v", reg.fd, err)
		}
		if state.interest() == 0 {
			delete(el.fds, reg.fd)
		}
	}
	el.lock.Unlock()

	for _, reg := range expired {
		el.stats.timedOut.Inc()
		el.fire(reg, ErrTimeout)
	}
}

// nextTimeout returns the epoll timeout in milliseconds until the earliest
// deadline, or -1 when nothing can expire.
func (el *eventLoop) nextTimeout() int {
	el.lock.Lock()
	defer el.lock.Unlock()
	if len(el.deadlines) == 0 {
		return -1
	}
	wait := time.Until(el.deadlines[0].deadline)
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

// apply syncs the kernel interest set with state. Must hold el.lock.
func (el *eventLoop) apply(fd int, state *fdState) error {
	interest := state.interest()
	err := el.poller.control(fd, interest, state.attached)
	switch {
	case err == nil:
	case state.attached && errors.Is(err, unix.ENOENT):
		// the kernel forgot fd when its previous owner closed it
		err = nil
		if interest != 0 {
			err = el.poller.control(fd, interest, false)
		}
	case !state.attached && errors.Is(err, unix.EEXIST):
		err = el.poller.control(fd, interest, true)
	case interest == 0 && errors.Is(err, unix.EBADF):
		err = nil
	}
	if err != nil {
		return err
	}
	state.attached = interest != 0
	return nil
}

func (el *eventLoop) fire(reg *registration, err error) {
	callback := reg.callback
	run := func() {
		callback(err)
	}
	// the outcome is delivered even when the queue is gone
	el.dispatch(run, func(error) {
		run()
	})
}

func (el *eventLoop) pending() int {
	el.lock.Lock()
	defer el.lock.Unlock()
	count := 0
	for _, state := range el.fds {
		if state.read != nil {
			count++
		}
		if state.write != nil {
			count++
		}
	}
	return count
}

// stop ends the waiter and fails whatever is still registered.
func (el *eventLoop) stop() {
	el.lock.Lock()
	el.isRunning.Store(false)
	el.lock.Unlock()
	el.poller.wakeup()
	<-el.done

	el.lock.Lock()
	var remaining []*registration
	for fd, state := range el.fds {
		for _, reg := range []*registration{state.read, state.write} {
			if reg != nil {
				remaining = append(remaining, reg)
			}
		}
		delete(el.fds, fd)
	}
	el.deadlines = nil
	el.lock.Unlock()
	el.poller.close()

	for _, reg := range remaining {
		el.stats.cancelled.Inc()
		el.fire(reg, ErrEngineClosed)
	}
	log.Info().Msgf("event loop %s stopped", el.Name)
}
