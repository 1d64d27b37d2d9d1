package buddy

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// BlockJsonData populates a json object with summary information about the
// managed range
func (m *Manager) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.rangeSize)
	json.Name("ChunkSize").Int(m.chunkSize)
	json.Name("MaxOrder").Int(m.maxOrder)
	json.Name("Allocations").Int(m.allocCount)
	json.Name("FreeBytes").Int(m.freeBytes)
	json.Name("FreeRegions").Int(m.freeCount)
}

// PrintDetailedMap writes the summary data and every allocated block and free
// region to the provided json writer. Depending on tree shape this can be
// slow and should generally only be done for diagnostic purposes.
func (m *Manager) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	m.BlockJsonData(objState)

	arrayState := objState.Name("Regions").Array()
	defer arrayState.End()

	_ = m.VisitAllRegions(func(_ BlockHandle, offset int, size int, userData any, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String(blockFree.String())
		} else {
			obj.Name("Type").String(blockAllocated.String())
			if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}
		}

		return nil
	})
}

// DebugLogAllAllocations calls the provided callback with the provided logger
// once for each allocated block in the managed range.
func (m *Manager) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	_ = m.VisitAllRegions(func(_ BlockHandle, offset int, size int, userData any, free bool) error {
		if !free {
			logFunc(logger, offset, size, userData)
		}
		return nil
	})
}
