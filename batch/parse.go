package batch

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Resource request parsing. CPU is Kubernetes-style ("1", "0.5", "500m"),
// memory and storage accept decimal (K, M, G, ...) and binary (Ki, Mi, Gi,
// ...) suffixes.

var (
	cpuRegex     = regexp.MustCompile(`^[+]?((?:[0-9]*[.])?[0-9]+)(m)?$`)
	memoryRegex  = regexp.MustCompile(`^[+]?((?:[0-9]*[.])?[0-9]+)([KMGTP]i?)?$`)
	storageRegex = memoryRegex
)

var convFactor = map[string]float64{
	"K": 1e3, "Ki": 1 << 10,
	"M": 1e6, "Mi": 1 << 20,
	"G": 1e9, "Gi": 1 << 30,
	"T": 1e12, "Ti": 1 << 40,
	"P": 1e15, "Pi": 1 << 50,
}

// ParseCPUInMcpu parses a cpu request into milli-cpu. "1" is 1000 mcpu,
// "250m" is 250 mcpu.
func ParseCPUInMcpu(cpu string) (int, error) {
	m := cpuRegex.FindStringSubmatch(cpu)
	if m == nil {
		return 0, fmt.Errorf("could not parse cpu request %q", cpu)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse cpu request %q: %v", cpu, err)
	}
	if m[2] == "m" {
		n /= 1000
	}
	return int(n * 1000), nil
}

// ParseMemoryInBytes parses a memory request into bytes, rounding up.
func ParseMemoryInBytes(memory string) (int64, error) {
	return parseBytes("memory", memory, memoryRegex)
}

// ParseStorageInBytes parses a storage request into bytes, rounding up.
func ParseStorageInBytes(storage string) (int64, error) {
	return parseBytes("storage", storage, storageRegex)
}

func parseBytes(kind, s string, re *regexp.Regexp) (int64, error) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("could not parse %s request %q", kind, s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse %s request %q: %v", kind, s, err)
	}
	if m[2] != "" {
		n *= convFactor[m[2]]
	}
	return int64(math.Ceil(n)), nil
}
