package datastore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func freshStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.SeedInventory(context.Background(), DefaultSemester))
	return s
}

func TestSeedInventoryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SeedInventory(ctx, DefaultSemester))
	require.NoError(t, s.SeedInventory(ctx, DefaultSemester))
	require.NoError(t, s.SeedInventory(ctx, DefaultSemester))

	cls, lab, err := s.FreeCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, InitialClassrooms, cls)
	require.Equal(t, InitialLabs, lab)
}

func TestAllocateRoomsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := freshStore(t)

	resID, err := s.AllocateRooms(ctx, 3, 1, 1, 1)
	require.NoError(t, err)

	rooms := s.ReservationRooms(resID)
	require.Len(t, rooms, 4)

	for _, id := range rooms {
		status, _, ok := s.RoomStatus(id)
		require.True(t, ok)
		require.Equal(t, StatusBusy, status)
	}

	require.NoError(t, s.ConfirmReservation(ctx, resID))
	status, ok := s.ReservationStatus(resID)
	require.True(t, ok)
	require.Equal(t, ReservationConfirmed, status)

	for _, id := range rooms {
		status, _, _ := s.RoomStatus(id)
		require.Equal(t, StatusBusy, status)
	}
}

func TestAllocateRoomsSubstitutesMobileLabsWhenLabsDepleted(t *testing.T) {
	ctx := context.Background()
	s := freshStore(t)

	// deplete all 60 labs first
	_, err := s.AllocateRooms(ctx, 0, InitialLabs, 1, 1)
	require.NoError(t, err)

	cls, lab, err := s.FreeCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, InitialClassrooms, cls)
	require.Equal(t, 0, lab)

	// broker would compute: salones_propuestos=2, laboratorios_propuestos=0,
	// aulas_moviles=2, then call AllocateRooms(2+2, 0, ...)
	resID, err := s.AllocateRooms(ctx, 4, 0, 1, 2)
	require.NoError(t, err)

	rooms := s.ReservationRooms(resID)
	require.Len(t, rooms, 4)

	var adapted int
	for _, id := range rooms {
		status, isAdapted, _ := s.RoomStatus(id)
		require.Equal(t, StatusBusy, status)
		if isAdapted {
			adapted++
		}
	}
	require.Equal(t, 2, adapted)
}

func TestAllocateRoomsDeniedOnFullExhaustion(t *testing.T) {
	ctx := context.Background()
	s := freshStore(t)

	_, err := s.AllocateRooms(ctx, InitialClassrooms, InitialLabs, 1, 1)
	require.NoError(t, err)

	_, err = s.AllocateRooms(ctx, 1, 0, 1, 2)
	require.ErrorIs(t, err, ErrShortageClass)
}

func TestFailReservationReleasesRoomsAndResetsAdapted(t *testing.T) {
	ctx := context.Background()
	s := freshStore(t)

	_, err := s.AllocateRooms(ctx, 0, InitialLabs, 1, 1)
	require.NoError(t, err)

	resID, err := s.AllocateRooms(ctx, 4, 0, 1, 2)
	require.NoError(t, err)
	rooms := s.ReservationRooms(resID)

	require.NoError(t, s.FailReservation(ctx, resID))

	status, ok := s.ReservationStatus(resID)
	require.True(t, ok)
	require.Equal(t, ReservationFailed, status)

	for _, id := range rooms {
		st, adapted, ok := s.RoomStatus(id)
		require.True(t, ok)
		require.Equal(t, StatusFree, st)
		require.False(t, adapted)
	}
}

func TestEnsureFacultyUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.EnsureFaculty(ctx, 7, "Ingeniería", DefaultSemester))
	}
	require.True(t, s.faculties[7])
	require.Len(t, s.faculties, 1)
}

func TestConcurrentAllocationFairness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SeedInventory(ctx, DefaultSemester))

	// drain down to exactly 50 free classrooms, 0 free labs: 50
	// concurrent single-classroom requests against 50 free rooms, plus
	// one that must lose.
	_, err := s.AllocateRooms(ctx, InitialClassrooms-50, 0, 1, 1)
	require.NoError(t, err)
	_, err = s.AllocateRooms(ctx, 0, InitialLabs, 1, 1)
	require.NoError(t, err)

	const n = 51
	results := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AllocateRooms(ctx, 1, 0, 1, int64(100+i))
			results[i] = err
		}(i)
	}
	wg.Wait()

	var accepted, denied int
	for _, err := range results {
		switch {
		case err == nil:
			accepted++
		case err == ErrShortageClass:
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 50, accepted)
	require.Equal(t, 1, denied)
}

func TestBusyCountMatchesLinkedRooms(t *testing.T) {
	ctx := context.Background()
	s := freshStore(t)
	resA, err := s.AllocateRooms(ctx, 2, 1, 1, 1)
	require.NoError(t, err)
	resB, err := s.AllocateRooms(ctx, 3, 0, 1, 2)
	require.NoError(t, err)

	require.Equal(t, len(s.ReservationRooms(resA))+len(s.ReservationRooms(resB)), s.BusyCount())

	require.NoError(t, s.FailReservation(ctx, resB))
	require.Equal(t, len(s.ReservationRooms(resA)), s.BusyCount())
}
