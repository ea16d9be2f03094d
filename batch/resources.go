package batch

import (
	"crypto/rand"
	"fmt"
	"math"
)

// Memory-per-core ratios of the supported worker types, in MiB. A job's
// effective core reservation is adjusted up so that its share of worker
// memory covers its memory request.
var workerTypeMemoryPerCoreMiB = map[string]int64{
	"standard": 3840,
	"highmem":  7680,
	"highcpu":  924,
}

const (
	// GiBInBytes is one gibibyte.
	GiBInBytes = int64(1) << 30

	// MinStorageGiB is the floor applied to storage requests.
	MinStorageGiB = 10

	// LocalSSDSizeGiB is the fixed size of a local SSD data disk.
	LocalSSDSizeGiB = 375
)

// WorkerMemoryPerCoreMiB returns the MiB of memory available per core for a
// worker type, or an error for an unknown type.
func WorkerMemoryPerCoreMiB(workerType string) (int64, error) {
	mib, ok := workerTypeMemoryPerCoreMiB[workerType]
	if !ok {
		return 0, fmt.Errorf("unknown worker type %q", workerType)
	}
	return mib, nil
}

// TotalWorkerStorageGiB returns the data-disk capacity of a worker.
func TotalWorkerStorageGiB(localSSD bool, pdSSDGiB int) int {
	if localSSD {
		return LocalSSDSizeGiB
	}
	return pdSSDGiB
}

// AdjustCoresForMemoryRequest raises coresMcpu until the job's proportional
// share of worker memory covers memoryBytes.
func AdjustCoresForMemoryRequest(coresMcpu int, memoryBytes int64, workerType string) (int, error) {
	mibPerCore, err := WorkerMemoryPerCoreMiB(workerType)
	if err != nil {
		return 0, err
	}
	bytesPerCore := mibPerCore << 20
	minMcpu := int((memoryBytes*1000 + bytesPerCore - 1) / bytesPerCore)
	if minMcpu > coresMcpu {
		return minMcpu, nil
	}
	return coresMcpu, nil
}

// AdjustCoresForStorageRequest raises coresMcpu until the job's proportional
// share of the worker's data disk covers storageBytes.
func AdjustCoresForStorageRequest(coresMcpu int, storageBytes int64, workerCores int, localSSD bool, pdSSDGiB int) int {
	totalGiB := int64(TotalWorkerStorageGiB(localSSD, pdSSDGiB))
	if totalGiB <= 0 {
		return coresMcpu
	}
	totalBytes := totalGiB * GiBInBytes
	minMcpu := int((storageBytes*int64(workerCores)*1000 + totalBytes - 1) / totalBytes)
	if minMcpu > coresMcpu {
		return minMcpu
	}
	return coresMcpu
}

// AdjustCoresForPackability rounds coresMcpu up to a power-of-two fraction
// or multiple of a core, with a floor of a quarter core. Power-of-two
// reservations tile a worker without leaving unusable slivers.
func AdjustCoresForPackability(coresMcpu int) int {
	if coresMcpu < 1 {
		coresMcpu = 1
	}
	power := math.Ceil(math.Log2(float64(coresMcpu) / 1000))
	if power < -2 {
		power = -2
	}
	return int(math.Exp2(power) * 1000)
}

// RoundStorageBytesToGiB rounds a storage request up to whole gibibytes
// with a floor of MinStorageGiB.
func RoundStorageBytesToGiB(storageBytes int64) int {
	gib := (storageBytes + GiBInBytes - 1) / GiBInBytes
	if gib < MinStorageGiB {
		gib = MinStorageGiB
	}
	return int(gib)
}

// DefaultCostRate is the billing rate in dollars per mcpu-millisecond,
// derived from a $0.01 per core-hour worker price. The authoritative rate
// lives in the resources table.
const DefaultCostRate = 0.01 / 3600 / 1000 / 1000

// CostFromMsecMcpu converts metered mcpu-milliseconds into dollars.
func CostFromMsecMcpu(msecMcpu int64, rate float64) float64 {
	if rate == 0 {
		rate = DefaultCostRate
	}
	return float64(msecMcpu) * rate
}

// CostString formats a cost for display.
func CostString(cost float64) string {
	return fmt.Sprintf("$%.4f", cost)
}

const attemptIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewAttemptID returns a random 6-character token identifying one execution
// of a job on an instance.
func NewAttemptID() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	for i := range buf {
		buf[i] = attemptIDAlphabet[int(buf[i])%len(attemptIDAlphabet)]
	}
	return string(buf[:])
}
