package taskpool

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestParkingLot_UnparkOneFIFO(t *testing.T) {
	lot := newParkingLot()
	var key uint32
	addr := unsafe.Pointer(&key)

	t1 := &Task{id: 1}
	t2 := &Task{id: 2}
	lot.park(addr, t1, nil)
	lot.park(addr, t2, nil)

	w := lot.unparkOne(addr)
	require.NotNil(t, w)
	require.Equal(t, uint64(1), w.task.id)

	w = lot.unparkOne(addr)
	require.NotNil(t, w)
	require.Equal(t, uint64(2), w.task.id)

	require.Nil(t, lot.unparkOne(addr))
}

func TestParkingLot_UnparkAllEmptyReturnsNothing(t *testing.T) {
	lot := newParkingLot()
	var key uint32
	require.Empty(t, lot.unparkAll(unsafe.Pointer(&key)))
}

func TestParkingLot_UnparkMaxPartial(t *testing.T) {
	lot := newParkingLot()
	var key uint32
	addr := unsafe.Pointer(&key)
	for i := 0; i < 4; i++ {
		lot.park(addr, &Task{id: uint64(i)}, nil)
	}

	woken := lot.unparkMax(addr, 1)
	require.Len(t, woken, 1)
	requeued := lot.unparkAll(addr)
	require.Len(t, requeued, 3)
}

func TestParkingLot_DistinctAddressesIndependent(t *testing.T) {
	lot := newParkingLot()
	var k1, k2 uint32
	a1, a2 := unsafe.Pointer(&k1), unsafe.Pointer(&k2)
	lot.park(a1, &Task{id: 1}, nil)
	lot.park(a2, &Task{id: 2}, nil)

	require.Len(t, lot.unparkAll(a1), 1)
	require.Len(t, lot.unparkAll(a2), 1)
}

func TestParkingLot_RemoveWaiter(t *testing.T) {
	lot := newParkingLot()
	var key uint32
	addr := unsafe.Pointer(&key)
	task := &Task{id: 7}
	lot.park(addr, task, nil)

	require.True(t, lot.removeWaiter(addr, task))
	require.False(t, lot.removeWaiter(addr, task))
	require.Empty(t, lot.unparkAll(addr))
}

// TestParkingLot_ParkUnparkOneRoundTrip exercises the blocking API's basic
// round trip: a goroutine parks on a key, Park returns the token delivered
// by UnparkOne once woken.
func TestParkingLot_ParkUnparkOneRoundTrip(t *testing.T) {
	lot := newParkingLot()
	var key int
	addr := unsafe.Pointer(&key)

	done := make(chan ParkResult, 1)
	go func() {
		res, err := lot.Park(addr, nil, nil, nil, ParkToken(42), time.Time{})
		require.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return lot.UnparkOne(addr, func(UnparkResult) UnparkToken { return UnparkToken(7) }) == 1
	}, time.Second, time.Millisecond)

	res := <-done
	require.Equal(t, ParkUnparked, res.Kind)
	require.Equal(t, UnparkToken(7), res.Token)
}

// TestParkingLot_ParkValidateRejects confirms a failing validate callback
// returns ErrParkInvalid without ever registering a waiter.
func TestParkingLot_ParkValidateRejects(t *testing.T) {
	lot := newParkingLot()
	var key int
	addr := unsafe.Pointer(&key)

	res, err := lot.Park(addr, func() bool { return false }, nil, nil, 0, time.Time{})
	require.ErrorIs(t, err, ErrParkInvalid)
	require.Equal(t, ParkInvalid, res.Kind)
	require.Empty(t, lot.unparkAll(addr))
}

// TestParkingLot_ParkTimesOut confirms a Park call past its deadline returns
// ErrParkTimedOut and that the waiter is actually removed (no leak).
func TestParkingLot_ParkTimesOut(t *testing.T) {
	lot := newParkingLot()
	var key int
	addr := unsafe.Pointer(&key)

	var timedOutKey unsafe.Pointer
	var wasLast bool
	res, err := lot.Park(addr, nil, nil, func(k unsafe.Pointer, last bool) {
		timedOutKey = k
		wasLast = last
	}, 0, time.Now().Add(20*time.Millisecond))

	require.ErrorIs(t, err, ErrParkTimedOut)
	require.Equal(t, ParkTimedOut, res.Kind)
	require.Equal(t, addr, timedOutKey)
	require.True(t, wasLast)
	require.Equal(t, 0, lot.UnparkAll(addr, 0))
}

// TestParkingLot_UnparkFilterSkipsAndStops exercises the three FilterOp
// outcomes in one pass: the first waiter is skipped, the second woken, the
// third left parked by an early stop.
func TestParkingLot_UnparkFilterSkipsAndStops(t *testing.T) {
	lot := newParkingLot()
	var key int
	addr := unsafe.Pointer(&key)

	var wg sync.WaitGroup
	results := make([]ParkResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			res, _ := lot.Park(addr, nil, nil, nil, ParkToken(i), time.Time{})
			results[i] = res
		}()
	}

	require.Eventually(t, func() bool {
		return lot.UnparkFilter(addr, func(tok ParkToken) FilterOp {
			switch tok {
			case 0:
				return FilterSkip
			case 1:
				return FilterUnpark
			default:
				return FilterStop
			}
		}, func(UnparkResult) UnparkToken { return UnparkToken(99) }) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, ParkUnparked, results[1].Kind)
	require.Equal(t, UnparkToken(99), results[1].Token)

	// The skipped and stopped waiters remain parked; release them so the
	// goroutines don't leak past the test.
	require.Equal(t, 2, lot.UnparkAll(addr, UnparkToken(1)))
	wg.Wait()
	require.Equal(t, ParkUnparked, results[0].Kind)
	require.Equal(t, ParkUnparked, results[2].Kind)
}

// TestParkingLot_UnparkRequeueScenarioS5 is scenario S5 from spec.md §8:
// park four waiters on k1, unparkRequeue(k1 -> k2, 1, 2) wakes exactly one
// and moves exactly two onto k2, then unparkAll(k2) wakes those two and
// unparkAll(k1) wakes the remaining one.
func TestParkingLot_UnparkRequeueScenarioS5(t *testing.T) {
	lot := newParkingLot()
	var k1, k2 int
	a1, a2 := unsafe.Pointer(&k1), unsafe.Pointer(&k2)

	var wg sync.WaitGroup
	results := make([]ParkResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			res, _ := lot.Park(a1, nil, nil, nil, ParkToken(i), time.Time{})
			results[i] = res
		}()
	}
	require.Eventually(t, func() bool {
		return len(lot.bucketFor(a1).waiters) == 4
	}, time.Second, time.Millisecond)

	unparked, requeued := lot.UnparkRequeue(a1, a2, nil, func(UnparkResult) UnparkToken { return UnparkToken(1) }, 1, 2)
	require.Equal(t, 1, unparked)
	require.Equal(t, 2, requeued)

	require.Equal(t, 2, lot.UnparkAll(a2, UnparkToken(2)))
	require.Equal(t, 1, lot.UnparkAll(a1, UnparkToken(3)))

	wg.Wait()

	var unparkedDirectly, viaRequeue int
	for _, res := range results {
		require.Equal(t, ParkUnparked, res.Kind)
		switch res.Token {
		case UnparkToken(1):
			unparkedDirectly++
		case UnparkToken(2):
			viaRequeue++
		}
	}
	require.Equal(t, 1, unparkedDirectly)
	require.Equal(t, 2, viaRequeue)
}

// TestParkingLot_ParkMultipleWakesOnFiringKey is testable property #6 from
// spec.md §8: a ParkMultiple call across several keys resumes exactly once,
// reporting which key fired, regardless of which one an unparker targets.
func TestParkingLot_ParkMultipleWakesOnFiringKey(t *testing.T) {
	lot := newParkingLot()
	var k1, k2, k3 int
	keys := []unsafe.Pointer{unsafe.Pointer(&k1), unsafe.Pointer(&k2), unsafe.Pointer(&k3)}

	done := make(chan ParkResult, 1)
	go func() {
		res, err := lot.ParkMultiple(keys, nil, nil, ParkToken(0), time.Time{})
		require.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return lot.UnparkOne(keys[1], func(UnparkResult) UnparkToken { return UnparkToken(55) }) == 1
	}, time.Second, time.Millisecond)

	res := <-done
	require.Equal(t, ParkUnparked, res.Kind)
	require.Equal(t, 1, res.Key)
	require.Equal(t, UnparkToken(55), res.Token)

	// The legs on k1/k3 must have been cleaned up, not leaked.
	require.Empty(t, lot.bucketFor(keys[0]).waiters)
	require.Empty(t, lot.bucketFor(keys[2]).waiters)
}
