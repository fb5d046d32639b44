package coord

// DefaultPrefix namespaces every key scribed writes.
const DefaultPrefix = "scribed"

// Keys builds coordination-store key names under a common prefix.
type Keys struct {
	Prefix string
}

func (k Keys) p() string {
	if k.Prefix == "" {
		return DefaultPrefix
	}
	return k.Prefix
}

// Usage is the hash holding the aggregate vram_mb/ram_mb counters.
func (k Keys) Usage() string { return k.p() + ":usage" }

// Workers is the hash of worker id to registration JSON.
func (k Keys) Workers() string { return k.p() + ":workers" }

// Leases is the hash of model name to lease JSON for one worker.
func (k Keys) Leases(workerID string) string { return k.p() + ":leases:" + workerID }

// LeaseOwners is the set of worker ids that may hold lease entries.
func (k Keys) LeaseOwners() string { return k.p() + ":lease_owners" }

// TaskMeta is the per-task metadata hash.
func (k Keys) TaskMeta(taskID string) string { return k.p() + ":task:" + taskID }

// TaskMetaPattern matches every task metadata key for SCAN.
func (k Keys) TaskMetaPattern() string { return k.p() + ":task:*" }

// TaskIDFromMeta strips the metadata prefix from a key returned by SCAN.
func (k Keys) TaskIDFromMeta(key string) string {
	pre := k.p() + ":task:"
	if len(key) >= len(pre) && key[:len(pre)] == pre {
		return key[len(pre):]
	}
	return key
}

// ActiveTasks is the set of task ids not yet cleaned up or canceled.
func (k Keys) ActiveTasks() string { return k.p() + ":active_tasks" }

// Result is the cached projection of a finished task.
func (k Keys) Result(taskID string) string { return k.p() + ":result:" + taskID }
