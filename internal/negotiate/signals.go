package negotiate

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Signal reports how many workers the environment can run, or false when
// it has no opinion.
type Signal struct {
	Name  string
	Probe func() (int, bool)
}

// EnvSignal reads a core count granted by the platform from an environment
// variable. Fractional values round down.
func EnvSignal(name string) Signal {
	return Signal{
		Name: "env:" + name,
		Probe: func() (int, bool) {
			v := strings.TrimSpace(os.Getenv(name))
			if v == "" {
				return 0, false
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 1 {
				return 0, false
			}
			return int(f), true
		},
	}
}

// CgroupSignal derives whole cores from the CPU quota of the current
// cgroup, trying cgroup v2 and then v1 below root (normally /sys/fs/cgroup).
func CgroupSignal(root string) Signal {
	return Signal{
		Name: "cgroup",
		Probe: func() (int, bool) {
			if n, ok := cgroupV2Quota(root); ok {
				return n, true
			}
			return cgroupV1Quota(root)
		},
	}
}

// NumCPUSignal is the number of CPUs usable by this process.
func NumCPUSignal() Signal {
	return Signal{
		Name:  "num_cpu",
		Probe: func() (int, bool) { return runtime.NumCPU(), true },
	}
}

func DefaultSignals(envName string) []Signal {
	return []Signal{
		EnvSignal(envName),
		CgroupSignal("/sys/fs/cgroup"),
		NumCPUSignal(),
	}
}

// cpu.max holds "<quota> <period>" or "max <period>".
func cgroupV2Quota(root string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(root, "cpu.max"))
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] == "max" {
		return 0, false
	}
	return cores(fields[0], fields[1])
}

func cgroupV1Quota(root string) (int, bool) {
	for _, dir := range []string{"cpu", "cpu,cpuacct", "cpuacct,cpu"} {
		quota, err := os.ReadFile(filepath.Join(root, dir, "cpu.cfs_quota_us"))
		if err != nil {
			continue
		}
		period, err := os.ReadFile(filepath.Join(root, dir, "cpu.cfs_period_us"))
		if err != nil {
			continue
		}
		return cores(strings.TrimSpace(string(quota)), strings.TrimSpace(string(period)))
	}
	return 0, false
}

func cores(quota, period string) (int, bool) {
	q, err := strconv.ParseInt(quota, 10, 64)
	if err != nil || q <= 0 {
		return 0, false
	}
	p, err := strconv.ParseInt(period, 10, 64)
	if err != nil || p <= 0 {
		return 0, false
	}
	n := int(q / p)
	if n < 1 {
		n = 1
	}
	return n, true
}
