package buddy_test

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/aperture/buddy"
	"golang.org/x/exp/slog"
)

func TestPrintDetailedMap(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       1 << 18,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	alloc, err := m.Alloc(2)
	require.NoError(t, err)
	require.NoError(t, m.SetAllocationUserData(alloc, "scanout buffer"))

	writer := jwriter.NewWriter()
	m.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	output := writer.Bytes()
	require.True(t, json.Valid(output))

	var parsed struct {
		TotalBytes  int
		ChunkSize   int
		MaxOrder    int
		Allocations int
		Regions     []struct {
			Offset     int
			Size       int
			Type       string
			CustomData string
		}
	}
	require.NoError(t, json.Unmarshal(output, &parsed))
	require.Equal(t, 1<<18, parsed.TotalBytes)
	require.Equal(t, 4096, parsed.ChunkSize)
	require.Equal(t, 6, parsed.MaxOrder)
	require.Equal(t, 1, parsed.Allocations)
	require.NotEmpty(t, parsed.Regions)
	require.Equal(t, "Allocated", parsed.Regions[0].Type)
	require.Equal(t, "scanout buffer", parsed.Regions[0].CustomData)

	require.NoError(t, m.Free(alloc))
}

func TestDebugLogAllAllocations(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       1 << 18,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	first, err := m.Alloc(0)
	require.NoError(t, err)
	second, err := m.Alloc(1)
	require.NoError(t, err)

	var logged int
	m.DebugLogAllAllocations(slog.Default(), func(log *slog.Logger, offset int, size int, userData any) {
		require.NotNil(t, log)
		require.Zero(t, offset%size)
		logged++
	})
	require.Equal(t, 2, logged)

	require.NoError(t, m.Free(first))
	require.NoError(t, m.Free(second))
}
