package stm

import (
	"math"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// TestTypeWidthRoundTrip is S6 at byte width: flip every byte of a 256-byte
// buffer with StoreUint8 inside one transaction; each written value must
// read back unchanged through LoadUint8, and after each byte is restored the
// committed buffer must equal the original. Wider wrappers are covered by
// TestLoadStoreUint16ThroughFloat64.
func TestTypeWidthRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	var buf [256]byte
	for i := range buf {
		buf[i] = byte(i)
	}
	want := buf

	err := Run(e, e.NewTxn(), DefaultAttributes(), func(tx *Txn) error {
		for i := range buf {
			flipped := ^buf[i]
			if err := tx.StoreUint8(&buf[i], flipped); err != nil {
				return err
			}
			got, err := tx.LoadUint8(&buf[i])
			if err != nil {
				return err
			}
			if got != flipped {
				t.Fatalf("byte %d: want %x got %x", i, flipped, got)
			}
			// restore so later iterations see the original neighbor bytes,
			// and the post-commit buffer matches want untouched.
			if err := tx.StoreUint8(&buf[i], buf[i]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, want, buf)
}

// TestLoadStoreUint16ThroughFloat64 is a narrower round-trip (R1) over every
// fixed-width wrapper from 16 bits up: the 16-, 32- and 64-bit integer,
// uintptr and float wrappers.
func TestLoadStoreUint16ThroughFloat64(t *testing.T) {
	e := newTestEngine(t)

	var u16 uint16
	var i16 int16
	var u32 uint32
	var i32 int32
	var u64 uint64
	var i64 int64
	var uptr uintptr
	var f32 float32
	var f64 float64

	err := Run(e, e.NewTxn(), DefaultAttributes(), func(tx *Txn) error {
		must := func(err error) {
			if err != nil {
				t.Fatal(err)
			}
		}
		must(tx.StoreUint16(&u16, 0xBEEF))
		must(tx.StoreInt16(&i16, -1234))
		must(tx.StoreUint32(&u32, 0xDEADBEEF))
		must(tx.StoreInt32(&i32, -123456))
		must(tx.StoreUint64(&u64, 0x0102030405060708))
		must(tx.StoreInt64(&i64, -1))
		must(tx.StoreUintptr(&uptr, 0xABCD))
		must(tx.StoreFloat32(&f32, 3.5))
		must(tx.StoreFloat64(&f64, math.Pi))
		return nil
	})
	require.NoError(t, err)

	err = Run(e, e.NewTxn(), DefaultAttributes(), func(tx *Txn) error {
		gu16, err := tx.LoadUint16(&u16)
		require.NoError(t, err)
		require.Equal(t, uint16(0xBEEF), gu16)

		gi16, err := tx.LoadInt16(&i16)
		require.NoError(t, err)
		require.Equal(t, int16(-1234), gi16)

		gu32, err := tx.LoadUint32(&u32)
		require.NoError(t, err)
		require.Equal(t, uint32(0xDEADBEEF), gu32)

		gi32, err := tx.LoadInt32(&i32)
		require.NoError(t, err)
		require.Equal(t, int32(-123456), gi32)

		gu64, err := tx.LoadUint64(&u64)
		require.NoError(t, err)
		require.Equal(t, uint64(0x0102030405060708), gu64)

		gi64, err := tx.LoadInt64(&i64)
		require.NoError(t, err)
		require.Equal(t, int64(-1), gi64)

		guptr, err := tx.LoadUintptr(&uptr)
		require.NoError(t, err)
		require.Equal(t, uintptr(0xABCD), guptr)

		gf32, err := tx.LoadFloat32(&f32)
		require.NoError(t, err)
		require.Equal(t, float32(3.5), gf32)

		gf64, err := tx.LoadFloat64(&f64)
		require.NoError(t, err)
		require.Equal(t, math.Pi, gf64)
		return nil
	})
	require.NoError(t, err)
}

// TestAdjacentLanesDoNotCorruptUnderConcurrency is R2: concurrent stores to
// the four distinct bytes of one word must never corrupt a sibling lane.
func TestAdjacentLanesDoNotCorruptUnderConcurrency(t *testing.T) {
	e := newTestEngine(t)
	var word [4]byte

	const iterations = 2000
	var wg sync.WaitGroup
	wg.Add(4)
	for lane := 0; lane < 4; lane++ {
		go func(lane int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				val := byte(lane*60 + i%60)
				_ = Run(e, e.NewTxn(), DefaultAttributes(), func(tx *Txn) error {
					return tx.StoreUint8(&word[lane], val)
				})
			}
		}(lane)
	}
	wg.Wait()

	err := Run(e, e.NewTxn(), DefaultAttributes(), func(tx *Txn) error {
		for lane := 0; lane < 4; lane++ {
			v, err := tx.LoadUint8(&word[lane])
			if err != nil {
				return err
			}
			want := byte(lane*60 + (iterations-1)%60)
			require.Equal(t, want, v, "lane %d corrupted", lane)
		}
		return nil
	})
	require.NoError(t, err)
}

// TestBulkBytesRoundTrip exercises LoadBytes/StoreBytes across a region that
// straddles multiple words and is not word-aligned.
func TestBulkBytesRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	var buf [37]byte
	src := make([]byte, len(buf))
	for i := range src {
		src[i] = byte(200 + i)
	}

	err := Run(e, e.NewTxn(), DefaultAttributes(), func(tx *Txn) error {
		return tx.StoreBytes(&buf[3], src[:20], 20)
	})
	require.NoError(t, err)

	dst := make([]byte, 20)
	err = Run(e, e.NewTxn(), DefaultAttributes(), func(tx *Txn) error {
		return tx.LoadBytes(dst, &buf[3], 20)
	})
	require.NoError(t, err)
	require.Equal(t, src[:20], dst)
}

// TestStackEscapeBypassesEngine checks SetStackBounds: an address inside the
// published bounds is read/written directly, outside the transactional path
// entirely.
func TestStackEscapeBypassesEngine(t *testing.T) {
	e := newTestEngine(t)
	var local uint32 = 10
	addr := uintptr(unsafe.Pointer(&local))

	tx := e.NewTxn()
	tx.Start(DefaultAttributes())
	tx.SetStackBounds(addr, addr+8)

	require.NoError(t, tx.StoreUint32(&local, 99))
	require.Equal(t, uint32(99), local, "stack-escape store must apply immediately, not buffer")

	v, err := tx.LoadUint32(&local)
	require.NoError(t, err)
	require.Equal(t, uint32(99), v)
	require.True(t, tx.Commit())
}
