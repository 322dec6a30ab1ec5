package types

// NodeID identifies a node in the cluster.
type NodeID string

// ReadPolicy controls how reads are served.
type ReadPolicy int

const (
	ReadPolicyStale ReadPolicy = iota
	ReadPolicyReadIndex
)

func (r ReadPolicy) String() string {
	switch r {
	case ReadPolicyStale:
		return "stale"
	case ReadPolicyReadIndex:
		return "read_index"
	default:
		return "unknown"
	}
}

// OpType identifies the operation type.
type OpType int

const (
	OpPut OpType = iota
	OpDelete
	OpCAS
	OpBatchPut
	OpBatchDelete
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCAS:
		return "cas"
	case OpBatchPut:
		return "batch_put"
	case OpBatchDelete:
		return "batch_delete"
	default:
		return "unknown"
	}
}

// Entry is a key-value pair used in batch operations.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Command represents an operation to be applied to the state machine.
type Command struct {
	ClientID string   `json:"client_id"`
	Seq      uint64   `json:"seq"`
	Op       OpType   `json:"op"`
	Key      string   `json:"key,omitempty"`
	Value    string   `json:"value,omitempty"`
	Expected string   `json:"expected,omitempty"`
	Entries  []Entry  `json:"entries,omitempty"`
	Keys     []string `json:"keys,omitempty"`
}

// ApplyResult is the result of applying a command.
type ApplyResult struct {
	Ok      bool              `json:"ok"`
	Value   string            `json:"value,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
	Deleted int               `json:"deleted,omitempty"`
	ErrCode string            `json:"err_code,omitempty"`
	ErrMsg  string            `json:"err_msg,omitempty"`
}

// LeaderHint tells clients where the leader is.
type LeaderHint struct {
	LeaderID   NodeID `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// Member is one entry of the cluster configuration.
type Member struct {
	ID   NodeID `json:"id"`
	Addr string `json:"addr"`
}

// NodeStatus holds status info about a Raft node.
type NodeStatus struct {
	ID            NodeID     `json:"id"`
	Role          string     `json:"role"`
	Term          uint64     `json:"term"`
	CommitIndex   uint64     `json:"commit_index"`
	LastApplied   uint64     `json:"last_applied"`
	FirstIndex    uint64     `json:"first_index"`
	LastIndex     uint64     `json:"last_index"`
	SnapshotIndex uint64     `json:"snapshot_index"`
	LeaderHint    LeaderHint `json:"leader_hint"`
	Members       []Member   `json:"members"`
}

// ConfigChangeType distinguishes membership change operations.
type ConfigChangeType int

const (
	ConfigAddNode ConfigChangeType = iota
	ConfigRemoveNode
)

func (c ConfigChangeType) String() string {
	switch c {
	case ConfigAddNode:
		return "add_node"
	case ConfigRemoveNode:
		return "remove_node"
	default:
		return "unknown"
	}
}

// ConfigChange is a single-node membership change carried in the log.
type ConfigChange struct {
	Type   ConfigChangeType `json:"type"`
	NodeID NodeID           `json:"node_id"`
	Addr   string           `json:"addr,omitempty"`
}

// ClusterConfig is the replicated set of cluster members.
type ClusterConfig struct {
	Members map[NodeID]string `json:"members"`
}

// Clone returns a deep copy of the configuration.
func (c ClusterConfig) Clone() ClusterConfig {
	out := ClusterConfig{Members: make(map[NodeID]string, len(c.Members))}
	for id, addr := range c.Members {
		out.Members[id] = addr
	}
	return out
}

// Contains reports whether id is a member.
func (c ClusterConfig) Contains(id NodeID) bool {
	_, ok := c.Members[id]
	return ok
}

// Quorum returns the majority size for the current membership.
func (c ClusterConfig) Quorum() int {
	return len(c.Members)/2 + 1
}
