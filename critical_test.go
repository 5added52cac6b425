package canmodule

import (
	"sync"
	"testing"

	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	m, _ := newTestModule(t, DefaultConfig())
	guard, err := m.Lock(PurposeOD)
	require.Nil(t, err)
	assert.True(t, m.Context().Raised())
	guard.Unlock()
	assert.False(t, m.Context().Raised())
	// Unlocking twice through the guard is a no-op
	guard.Unlock()

	assert.ErrorIs(t, m.Unlock(PurposeOD), ErrCriticalNotHeld)
	_, err = m.Lock(purposeCount)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestGuardReportsUnbalancedUnlock(t *testing.T) {
	m, _ := newTestModule(t, DefaultConfig())
	guard, err := m.Lock(PurposeEmcy)
	require.Nil(t, err)
	// Section exited behind the guard's back
	require.Nil(t, m.Unlock(PurposeEmcy))
	guard.Unlock()
	assert.ErrorIs(t, guard.Err(), ErrCriticalNotHeld)
	assert.False(t, m.Context().Raised())

	guard, err = m.Lock(PurposeEmcy)
	require.Nil(t, err)
	guard.Unlock()
	assert.Nil(t, guard.Err())
}

func TestSamePurposeReentryRejected(t *testing.T) {
	m, _ := newTestModule(t, DefaultConfig())
	guard, err := m.Lock(PurposeSend)
	require.Nil(t, err)
	_, err = m.Lock(PurposeSend)
	assert.ErrorIs(t, err, ErrCriticalReentry)
	// The outer section is still intact
	assert.True(t, m.Context().Raised())
	guard.Unlock()
	assert.False(t, m.Context().Raised())
}

func TestSendInsideSendSectionRejected(t *testing.T) {
	m, _ := newNormalModule(t)
	slot, err := m.TxBufferInit(0, 0x181, false, 1, false)
	require.Nil(t, err)
	var sendErr error
	require.Nil(t, m.WithLock(PurposeSend, func() {
		sendErr = m.Send(slot, frameWithData(0x181, 1))
	}))
	assert.ErrorIs(t, sendErr, ErrCriticalReentry)
	assert.False(t, m.IsPending(slot))
}

func TestCrossPurposeNesting(t *testing.T) {
	m, _ := newNormalModule(t)
	slot, err := m.TxBufferInit(0, 0x181, false, 1, false)
	require.Nil(t, err)
	od, err := m.Lock(PurposeOD)
	require.Nil(t, err)
	emcy, err := m.Lock(PurposeEmcy)
	require.Nil(t, err)
	// Send takes its own purpose inside OD and EMCY sections
	assert.Nil(t, m.Send(slot, frameWithData(0x181, 1)))
	emcy.Unlock()
	assert.True(t, m.Context().Raised())
	od.Unlock()
	assert.False(t, m.Context().Raised())
	assert.True(t, m.IsPending(slot))
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	m, _ := newTestModule(t, DefaultConfig())
	assert.Panics(t, func() {
		_ = m.WithLock(PurposeOD, func() {
			panic("boom")
		})
	})
	assert.False(t, m.Context().Raised())
	assert.Nil(t, m.WithLock(PurposeOD, func() {}))
}

func TestPurposeString(t *testing.T) {
	assert.Equal(t, "send", PurposeSend.String())
	assert.Equal(t, "emcy", PurposeEmcy.String())
	assert.Equal(t, "od", PurposeOD.String())
	assert.Equal(t, "purpose(7)", Purpose(7).String())
}

// Interrupt handlers mutate a shared value while the processing
// context checks that nothing changes inside its critical sections
func TestCriticalSectionStress(t *testing.T) {
	m, bus := newTestModule(t, DefaultConfig())
	const interrupts = 4
	const frames = 2000
	shared := 0
	_, err := m.Subscribe(0x200, 0x700, false, RxHandlerFunc(func(ctx *irq.Context, frame *can.Frame) {
		shared++
	}))
	require.Nil(t, err)
	_, err = m.Subscribe(0x300, 0x7FF, false, RxHandlerFunc(func(ctx *irq.Context, frame *can.Frame) {
		// Handlers can use the same purposes as the processing loop
		_ = m.WithLockFrom(ctx, PurposeOD, func() {
			shared++
		})
	}))
	require.Nil(t, err)
	require.Nil(t, m.SetNormalMode())

	wg := sync.WaitGroup{}
	for i := 0; i < interrupts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < frames; j++ {
				if j%2 == 0 {
					bus.receive(frameWithData(0x200 + uint32(i)))
				} else {
					bus.receive(frameWithData(0x300))
				}
			}
		}(i)
	}

	violations := 0
	processed := 0
	for k := 0; k < 2000; k++ {
		purpose := Purpose(k % int(purposeCount))
		err := m.WithLock(purpose, func() {
			before := shared
			for n := 0; n < 100; n++ {
				if shared != before {
					violations++
				}
			}
			shared++
			processed++
		})
		assert.Nil(t, err)
	}
	wg.Wait()
	assert.Equal(t, 0, violations)
	err = m.WithLock(PurposeOD, func() {
		assert.Equal(t, interrupts*frames+processed, shared)
	})
	assert.Nil(t, err)
}
