package protocol

// REGISTER (worker -> master). First message on the worker WS connection.
type RegisterMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Zone            string `json:"zone"`
	WorkerID        string `json:"worker_id"`
	Addr            string `json:"addr,omitempty"`
}

// WELCOME (master -> worker). Registration outcome; JoinStep is the first
// step the worker will be asked to compute.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Zone            string `json:"zone,omitempty"`
	JoinStep        uint64 `json:"join_step,omitempty"`
}

// STEP (master -> worker). Fire-and-forget step command.
type StepMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Step            uint64 `json:"step"`
}

// REPORT (worker -> master). Snapshot for exactly the commanded step.
type ReportMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Zone            string       `json:"zone"`
	WorkerID        string       `json:"worker_id"`
	Step            uint64       `json:"step"`
	Snapshot        ZoneSnapshot `json:"snapshot"`
}

// ACK (master -> worker). Receipt for a REPORT.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Step            uint64 `json:"step,omitempty"`
}
